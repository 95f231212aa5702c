package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ndlib/vaultkeep/backup"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	if cfg.BlockSize <= 0 {
		t.Error("expected a positive default block size")
	}
	if cfg.VolumeSize <= 0 {
		t.Error("expected a positive default volume size")
	}
	if cfg.StatusPort == "" {
		t.Error("expected a default status port")
	}
}

func TestLoadFillsInMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultkeep.toml")
	body := "destination = \"s3:/some-bucket\"\nblocksize = 4096\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Destination != "s3:/some-bucket" {
		t.Errorf("expected destination from file, got %q", cfg.Destination)
	}
	if cfg.BlockSize != 4096 {
		t.Errorf("expected blocksize from file, got %d", cfg.BlockSize)
	}
	if cfg.VolumeSize != Default().VolumeSize {
		t.Errorf("expected volume size to fall back to default, got %d", cfg.VolumeSize)
	}
}

func TestSymlinkPolicyValue(t *testing.T) {
	var table = []struct {
		in  string
		out backup.SymlinkPolicy
	}{
		{"", backup.SymlinkStore},
		{"store", backup.SymlinkStore},
		{"follow", backup.SymlinkFollow},
		{"ignore", backup.SymlinkIgnore},
	}
	for _, row := range table {
		cfg := Config{SymlinkPolicy: row.in}
		if got := cfg.SymlinkPolicyValue(); got != row.out {
			t.Errorf("%q: expected %v, got %v", row.in, row.out, got)
		}
	}
}

func TestHardlinkPolicyValue(t *testing.T) {
	if (Config{}).HardlinkPolicyValue() != backup.HardlinkStoreOnce {
		t.Error("expected default hardlink policy to be store-once")
	}
	if (Config{HardlinkPolicy: "each"}).HardlinkPolicyValue() != backup.HardlinkStoreEach {
		t.Error("expected \"each\" to map to store-each")
	}
}

func TestRetentionPolicy(t *testing.T) {
	cfg := Config{KeepVersions: 3, KeepTimeDays: 30}
	rp := cfg.RetentionPolicy()
	if rp.KeepVersions != 3 {
		t.Errorf("expected KeepVersions 3, got %d", rp.KeepVersions)
	}
	if rp.MaxAge.Hours() != 30*24 {
		t.Errorf("expected MaxAge of 30 days, got %v", rp.MaxAge)
	}
}
