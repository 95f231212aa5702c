// Package config loads a destination's configuration struct from a TOML
// file, the single-configuration-struct alternative to the dynamic
// option bag named in spec.md 9. Grounded on the teacher's unused
// github.com/BurntSushi/toml dependency (never imported anywhere in
// ndlib-bendo's own tree, but carried in go.mod for operators who embed
// bendo-style services; here it earns a real caller).
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/compact"
)

// Config is the destination-scoped configuration struct spec.md 9 asks
// for in place of a dynamic option bag. Fields map directly onto the
// enumerated knobs that have a real component behind them; see
// DESIGN.md for the handful of spec.md 9 knobs (usn_policy,
// snapshot_policy, file_attribute_filter, the compressor/decryptor
// concurrency knobs) intentionally left unmodeled.
type Config struct {
	// Destination is the backend URL (file:, s3:, or empty for an
	// in-memory store used only by tests), parsed the way
	// cmd/bendo/location.go's parselocation does.
	Destination string `toml:"destination"`
	NamePrefix  string `toml:"name_prefix"`
	CatalogPath string `toml:"catalog_path"`

	BlockSize  int   `toml:"blocksize"`
	VolumeSize int64 `toml:"volume_size"`

	KeepVersions int    `toml:"keep_versions"`
	KeepTimeDays int    `toml:"keep_time_days"`
	Threshold    float64 `toml:"wasted_threshold"`
	SmallFileSize int64  `toml:"small_file_size"`

	ConcurrencyBlockHashers  int `toml:"concurrency_block_hashers"`
	ConcurrencyFileProcessors int `toml:"concurrency_file_processors"`
	ConcurrencyDownloaders   int `toml:"concurrency_downloaders"`
	RestoreChannelBufferSize int `toml:"restore_channel_buffer_size"`

	SymlinkPolicy  string `toml:"symlink_policy"`  // "store", "follow", "ignore"
	HardlinkPolicy string `toml:"hardlink_policy"` // "once", "each"

	DryRun                bool `toml:"dryrun"`
	NoBackendVerification bool `toml:"no_backend_verification"`
	AutoCleanup           bool `toml:"auto_cleanup"`
	AutoRepair            bool `toml:"auto_repair"`
	FullBlockVerification bool `toml:"full_block_verification"`
	UseLocalBlocks        bool `toml:"use_local_blocks"`
	Overwrite             bool `toml:"overwrite"`
	PerformRestoredFileVerification bool `toml:"perform_restored_file_verification"`
	RestoreLegacy         bool `toml:"restore_legacy"`

	StatusPort string `toml:"status_port"`

	StorePassphrase string `toml:"passphrase"` // unused; see DESIGN.md codec boundary note
}

// Default returns the configuration a fresh destination gets when no
// config.toml is present, matching blockstore.DefaultConfig's SHA-256
// everywhere policy and compact's default thresholds.
func Default() Config {
	return Config{
		NamePrefix:               "vk",
		CatalogPath:              ".vaultkeep-catalog",
		BlockSize:                blockstore.DefaultBlockSize,
		VolumeSize:               1 << 30, // 1 GiB
		KeepVersions:             0,       // 0 sets no version floor; with KeepTimeDays also 0, nothing is retired
		Threshold:                compact.WastedRatio,
		SmallFileSize:            compact.SmallVolumeThreshold,
		ConcurrencyBlockHashers:  4,
		ConcurrencyFileProcessors: 2,
		ConcurrencyDownloaders:   4,
		RestoreChannelBufferSize: 16,
		SymlinkPolicy:            "store",
		HardlinkPolicy:           "once",
		StatusPort:               "14500",
	}
}

// Load reads and decodes a TOML configuration file at path, filling in
// any field TOML leaves zero-valued with Default()'s values.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BlockstoreConfig adapts Config's scalar fields into a blockstore.Config
// using the catalog's fixed SHA-256 hash choice (spec.md 6: manifest
// records block-hash and file-hash, but this implementation only ever
// writes sha256 for either, matching blockstore.DefaultConfig).
func (c Config) BlockstoreConfig() blockstore.Config {
	bc := blockstore.DefaultConfig()
	if c.BlockSize > 0 {
		bc.BlockSize = c.BlockSize
	}
	return bc
}

// SymlinkPolicyValue maps the TOML string knob onto backup.SymlinkPolicy.
func (c Config) SymlinkPolicyValue() backup.SymlinkPolicy {
	switch c.SymlinkPolicy {
	case "follow":
		return backup.SymlinkFollow
	case "ignore":
		return backup.SymlinkIgnore
	default:
		return backup.SymlinkStore
	}
}

// HardlinkPolicyValue maps the TOML string knob onto backup.HardlinkPolicy.
func (c Config) HardlinkPolicyValue() backup.HardlinkPolicy {
	if c.HardlinkPolicy == "each" {
		return backup.HardlinkStoreEach
	}
	return backup.HardlinkStoreOnce
}

// RetentionPolicy adapts Config's keep_versions/keep_time_days knobs into
// compact.RetentionPolicy. The wasted_threshold and small_file_size knobs
// are loaded into Threshold and SmallFileSize, but nothing reads them:
// compact.Report classifies volumes with its fixed WastedRatio and
// SmallVolumeThreshold constants.
func (c Config) RetentionPolicy() compact.RetentionPolicy {
	var maxAge time.Duration
	if c.KeepTimeDays > 0 {
		maxAge = time.Duration(c.KeepTimeDays) * 24 * time.Hour
	}
	return compact.RetentionPolicy{
		KeepVersions: c.KeepVersions,
		MaxAge:       maxAge,
	}
}
