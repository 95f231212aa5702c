package restore

import (
	"os"
	"path/filepath"

	"github.com/ndlib/vaultkeep/catalog"
)

// PlanEntry pairs a catalog FileLookup row with the relative path and
// timestamp it was recorded under in a particular fileset, which is all
// Phase 3 needs to recreate one file.
type PlanEntry struct {
	Path         string
	BlocksetID   int64
	MetadataID   int64
	LastModified int64
}

// Plan is the result of restore Phase 1: the destination root, the
// fileset being restored, and the full set of entries to recreate.
// Grounded on catalog's scratch-table idiom (C2), generalized from a
// per-request in-memory lookup table to a restore run's working set.
type Plan struct {
	Root    string
	Fileset catalog.Fileset
	Entries []PlanEntry
}

// BuildPlan reads fileset's entries from the catalog (not its dlist -
// the catalog is already present and authoritative for a normal restore;
// reconstructing purely from the dlist is repair's job when the catalog
// itself has been lost) and creates every directory the restore will
// need, so Phase 3 never has to race on mkdir (spec.md 4.5 Phase 1).
func BuildPlan(tx *catalog.Tx, fileset catalog.Fileset, root string) (*Plan, error) {
	entries, files, err := tx.FilesetContents(fileset.ID)
	if err != nil {
		return nil, err
	}
	byFileID := make(map[int64]catalog.FileLookup, len(files))
	for _, f := range files {
		byFileID[f.ID] = f
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}

	var plan []PlanEntry
	for _, e := range entries {
		f, ok := byFileID[e.FileID]
		if !ok {
			continue
		}
		dest := filepath.Join(root, filepath.FromSlash(f.Path))
		switch f.BlocksetID {
		case catalog.FolderBlocksetID:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return nil, err
			}
			continue
		case catalog.SymlinkBlocksetID:
			// created directly from its Metadataset's target in Phase 4
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return nil, err
			}
		}
		plan = append(plan, PlanEntry{
			Path:         f.Path,
			BlocksetID:   f.BlocksetID,
			MetadataID:   f.MetadataID,
			LastModified: e.LastModified,
		})
	}

	return &Plan{Root: root, Fileset: fileset, Entries: plan}, nil
}
