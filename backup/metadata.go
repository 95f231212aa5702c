package backup

import (
	"github.com/ndlib/vaultkeep/catalog"
)

// PreviousIndex answers "was this path unchanged since the previous
// fileset" lookups for the metadata pre-processor (spec.md 4.4 stage 2).
// It is grounded on fileutil.FileList's path->checksum map, here indexing
// mtime instead of a hash so the comparison stays a stat-only operation,
// per spec.md 4.4's "no re-read" requirement. Only path and mtime are
// compared; file size and metadata hash are not.
type PreviousIndex struct {
	byPath map[string]previousFile
}

type previousFile struct {
	size         int64
	lastModified int64
	blocksetID   int64
	metadataID   int64
}

// LoadPreviousIndex reads the given fileset's entries into a PreviousIndex.
// A nil filesetID (0) yields an empty index, so the first backup treats
// every file as new.
func LoadPreviousIndex(tx *catalog.Tx, filesetID int64) (*PreviousIndex, error) {
	idx := &PreviousIndex{byPath: make(map[string]previousFile)}
	if filesetID == 0 {
		return idx, nil
	}
	entries, files, err := tx.FilesetContents(filesetID)
	if err != nil {
		return nil, err
	}
	byFileID := make(map[int64]catalog.FileLookup, len(files))
	for _, f := range files {
		byFileID[f.ID] = f
	}
	for _, e := range entries {
		f, ok := byFileID[e.FileID]
		if !ok {
			continue
		}
		idx.byPath[f.Path] = previousFile{
			lastModified: e.LastModified,
			blocksetID:   f.BlocksetID,
			metadataID:   f.MetadataID,
		}
	}
	return idx, nil
}

// SameAsPrevious reports whether entry is unchanged from the previous
// fileset by (size is implied unchanged when mtime and path match — the
// catalog's Blockset.Length is the size authority once inherited), and if
// so returns the blockset/metadataset ids to reuse without re-reading the
// file's content.
func (idx *PreviousIndex) SameAsPrevious(entry SourceEntry) (blocksetID, metadataID int64, ok bool) {
	prev, exists := idx.byPath[entry.Path]
	if !exists {
		return 0, 0, false
	}
	if prev.lastModified != entry.ModTime.Unix() {
		return 0, 0, false
	}
	return prev.blocksetID, prev.metadataID, true
}
