// Package compact implements volume compaction and fileset retention
// (spec.md 4.6): reclaiming space held by blocks no backup references
// any longer, and retiring old filesets according to a version/age
// policy.
package compact

import (
	"sort"
	"time"

	"github.com/ndlib/vaultkeep/catalog"
)

// RetentionPolicy controls which filesets SelectForDeletion keeps. A
// fileset is kept if either condition holds: it is among the KeepVersions
// most recent, or it is younger than MaxAge. Zero KeepVersions means no
// version floor; zero MaxAge means no age floor. A policy with both zero
// selects nothing for deletion.
type RetentionPolicy struct {
	KeepVersions int
	MaxAge       time.Duration
}

// SelectForDeletion returns the filesets policy says should be retired,
// given the current time. filesets need not be sorted.
func SelectForDeletion(filesets []catalog.Fileset, policy RetentionPolicy, now time.Time) []catalog.Fileset {
	if policy.KeepVersions <= 0 && policy.MaxAge <= 0 {
		return nil
	}
	sorted := make([]catalog.Fileset, len(filesets))
	copy(sorted, filesets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp > sorted[j].Timestamp })

	var doomed []catalog.Fileset
	for i, fs := range sorted {
		if policy.KeepVersions > 0 && i < policy.KeepVersions {
			continue
		}
		if policy.MaxAge > 0 && now.Sub(fs.Time()) < policy.MaxAge {
			continue
		}
		doomed = append(doomed, fs)
	}
	return doomed
}

// Retire deletes a fileset and garbage collects any FileLookup,
// Metadataset, Blockset, and Block rows that become unreferenced as a
// result, recording a DeletedBlock accounting entry for each block
// reclaimed (invariant 6). New code grounded on spec.md 4.6's retention
// description and the reference-counted teardown spec.md 3 implies for
// shared Blockset/FileLookup rows (a file unchanged across backups shares
// one FileLookup row via FilesetEntry, so it can only be removed once no
// fileset points at it any longer).
func Retire(tx *catalog.Tx, fileset catalog.Fileset) error {
	_, files, err := tx.FilesetContents(fileset.ID)
	if err != nil {
		return err
	}
	if err := tx.DeleteFilesetEntries(fileset.ID); err != nil {
		return err
	}
	if err := tx.DeleteFileset(fileset.ID); err != nil {
		return err
	}

	for _, f := range files {
		referenced, err := tx.IsFileReferenced(f.ID)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		if err := tx.DeleteFileLookup(f.ID); err != nil {
			return err
		}
		if f.MetadataID != 0 {
			if err := retireMetadataset(tx, f.MetadataID); err != nil {
				return err
			}
		}
		if f.BlocksetID != catalog.FolderBlocksetID && f.BlocksetID != catalog.SymlinkBlocksetID {
			if err := retireBlockset(tx, f.BlocksetID); err != nil {
				return err
			}
		}
	}
	return nil
}

func retireMetadataset(tx *catalog.Tx, metadataID int64) error {
	n, err := tx.CountFileLookupsForMetadataset(metadataID)
	if err != nil || n > 0 {
		return err
	}
	ms, err := tx.GetMetadataset(metadataID)
	if err != nil || ms == nil {
		return err
	}
	if err := tx.DeleteMetadataset(metadataID); err != nil {
		return err
	}
	return retireBlockset(tx, ms.BlocksetID)
}

// retireBlockset removes a Blockset's structural rows once no FileLookup
// references it, then, for each of its blocks that has become wholly
// unreferenced, records a DeletedBlock entry and deletes the Block row.
func retireBlockset(tx *catalog.Tx, blocksetID int64) error {
	n, err := tx.CountFileLookupsForBlockset(blocksetID)
	if err != nil || n > 0 {
		return err
	}
	entries, err := tx.BlocksetEntries(blocksetID)
	if err != nil {
		return err
	}
	if err := tx.DeleteBlocksetEntries(blocksetID); err != nil {
		return err
	}
	if err := tx.DeleteBlockset(blocksetID); err != nil {
		return err
	}

	for _, e := range entries {
		referenced, err := tx.IsBlockReferenced(e.BlockID)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		b, err := tx.GetBlock(e.BlockID)
		if err != nil {
			return err
		}
		if b == nil {
			continue // already removed via an earlier entry of this blockset
		}
		if err := tx.RecordDeletedBlock(b.Hash, b.Size, b.VolumeID); err != nil {
			return err
		}
		if err := tx.DeleteBlock(b.ID); err != nil {
			return err
		}
	}
	return nil
}
