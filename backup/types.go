// Package backup implements the eight-stage backup pipeline of spec.md
// 4.4: enumerator, metadata pre-processor, pre-filter, stream splitters,
// file block processor, data block processor, spill collector, and
// progress handler, wired together with bounded channels and the
// teacher's util.Gate concurrency primitive.
package backup

import (
	"os"
	"time"
)

// SymlinkPolicy controls how the enumerator treats symbolic links.
type SymlinkPolicy int

const (
	SymlinkStore SymlinkPolicy = iota
	SymlinkFollow
	SymlinkIgnore
)

// HardlinkPolicy names whether hardlinked files are backed up once or once
// per link. It is carried in Config, but the enumerator and pipeline do not
// consult it: every link is backed up as a separate file.
type HardlinkPolicy int

const (
	HardlinkStoreOnce HardlinkPolicy = iota
	HardlinkStoreEach
)

// EntryKind classifies a SourceEntry the way catalog.FileType classifies
// a FileLookup row.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindFolder
	KindSymlink
)

// SourceEntry is one filesystem object discovered by the enumerator.
type SourceEntry struct {
	Path         string // relative to the source root, forward-slash separated
	AbsPath      string // absolute path on the local filesystem
	Kind         EntryKind
	Size         int64
	ModTime      time.Time
	LinkTarget   string // set when Kind == KindSymlink
	InodeID      uint64 // for hardlink detection, 0 if unavailable
	DeviceID     uint64
	SkipContent  bool // not set by the pipeline; inheritance is decided by PreviousIndex.SameAsPrevious
}

// Config carries the enumeration and chunking policy for one backup run.
type Config struct {
	Root            string
	SymlinkPolicy   SymlinkPolicy
	HardlinkPolicy  HardlinkPolicy
	MaxFileSize     int64    // 0 means unlimited
	Blacklist       []string // glob patterns, relative to Root
	FollowedRoots   map[string]bool
}

// DefaultBlacklist always excludes the catalog's own local artifacts,
// matching spec.md 4.4's "blacklist which always includes the catalog's
// own journal sidecar".
var DefaultBlacklist = []string{".vaultkeep-catalog*", ".vaultkeep-stage*"}

func isDir(mode os.FileMode) bool {
	return mode&os.ModeDir != 0
}
