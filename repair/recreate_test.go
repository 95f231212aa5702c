package repair

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/codec"
	"github.com/ndlib/vaultkeep/restore"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/volume"
)

func TestRecreateRebuildsCatalogFromBackend(t *testing.T) {
	backend := store.NewMemory()
	mgr := volume.NewManager(backend)

	srcRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcRoot, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	// bigger than the tiny test block size, to force a multi-block blockset
	// with a real blocklist chain.
	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "sub", "big.bin"), big, 0644); err != nil {
		t.Fatal(err)
	}

	origCatalog, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer origCatalog.Close()

	stg := stage.New(store.NewMemory())
	cfg := backup.PipelineConfig{
		Enumerator: backup.Config{Root: srcRoot},
		Blocks:     blockstore.Config{BlockSize: 512, BlockHash: blockstore.DefaultConfig().BlockHash, FileHash: blockstore.DefaultConfig().FileHash},
		VolumeSize: 1 << 20,
		NamePrefix: "test",
	}
	p := backup.NewPipeline(cfg, stg, mgr)

	tx, err := origCatalog.Begin()
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = p.Run(context.Background(), tx, make(chan struct{}))
	if err != nil {
		t.Fatalf("backup Run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// simulate total catalog loss: a brand new, empty catalog over the
	// same backend.
	freshCatalog, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer freshCatalog.Close()

	rtx, err := freshCatalog.Begin()
	if err != nil {
		t.Fatal(err)
	}
	res, err := Recreate(context.Background(), rtx, backend)
	if err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if res.FilesetsRecreated != 1 {
		t.Errorf("expected 1 fileset recreated, got %d", res.FilesetsRecreated)
	}
	if err := rtx.Commit(); err != nil {
		t.Fatal(err)
	}

	partial, err := func() (bool, error) {
		tx, err := freshCatalog.Begin()
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		return tx.IsPartiallyRecreated()
	}()
	if err != nil {
		t.Fatal(err)
	}
	if partial {
		t.Error("expected a clean recreate to not be flagged PartiallyRecreated")
	}

	rtx2, err := freshCatalog.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer rtx2.Rollback()

	sets, err := rtx2.ListFilesets()
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 recreated fileset, got %d", len(sets))
	}

	destRoot := t.TempDir()
	plan, err := restore.BuildPlan(rtx2, sets[0], destRoot)
	if err != nil {
		t.Fatalf("BuildPlan against recreated catalog: %v", err)
	}
	cache := restore.NewVolumeCache(backend, store.NewMemory(), 0)
	resolver := restore.NewBlockResolver(rtx2, cache, codec.None{})
	pipeline := restore.NewPipeline(rtx2, resolver, nil, 2)

	restoreRes := pipeline.Run(plan)
	if len(restoreRes.Errors) != 0 {
		t.Fatalf("restore from recreated catalog errors: %v", restoreRes.Errors)
	}

	got, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("a.txt content = %q", got)
	}
	got, err = os.ReadFile(filepath.Join(destRoot, "sub", "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(big) {
		t.Fatalf("sub/big.bin length = %d, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("sub/big.bin content mismatch at byte %d", i)
		}
	}
}

func TestRecreateFlagsPartialOnMissingDblock(t *testing.T) {
	backend := store.NewMemory()
	mgr := volume.NewManager(backend)

	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("some content"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stg := stage.New(store.NewMemory())
	cfg := backup.PipelineConfig{
		Enumerator: backup.Config{Root: srcRoot},
		Blocks:     blockstore.DefaultConfig(),
		VolumeSize: 1 << 20,
		NamePrefix: "test",
	}
	p := backup.NewPipeline(cfg, stg, mgr)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = p.Run(context.Background(), tx, make(chan struct{}))
	if err != nil {
		t.Fatalf("backup Run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var dblockName string
	for name := range backend.List() {
		if filepath.Ext(name) == ".dblock" {
			dblockName = name
		}
	}
	if dblockName == "" {
		t.Fatal("expected a dblock volume in the backend")
	}
	if err := backend.Delete(dblockName); err != nil {
		t.Fatal(err)
	}

	freshCatalog, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer freshCatalog.Close()

	rtx, err := freshCatalog.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer rtx.Rollback()

	res, err := Recreate(context.Background(), rtx, backend)
	if err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning about the missing dblock")
	}

	partial, err := rtx.IsPartiallyRecreated()
	if err != nil {
		t.Fatal(err)
	}
	if !partial {
		t.Error("expected catalog to be flagged PartiallyRecreated")
	}
}
