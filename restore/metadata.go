package restore

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/catalog"
)

// entryMetadata mirrors backup.entryMetadata's JSON shape without
// depending on its unexported type; the wire format is the contract, not
// the Go type it happens to be decoded into on either side.
type entryMetadata struct {
	ModTime int64            `json:"mtime"`
	Kind    backup.EntryKind `json:"kind"`
	Target  string           `json:"target,omitempty"`
}

// ApplyMetadata reads a Metadataset's content back out through the same
// block path content is recreated with, and applies it to dest: sets the
// modification time for files and folders, and creates the symlink named
// by dest when the entry describes one (spec.md 4.5 Phase 4).
func ApplyMetadata(tx *catalog.Tx, resolver *BlockResolver, dest string, metadataID int64) error {
	if metadataID == 0 {
		return nil
	}
	ms, err := tx.GetMetadataset(metadataID)
	if err != nil || ms == nil {
		return err
	}

	blob, err := readBlockset(tx, resolver, ms.BlocksetID)
	if err != nil {
		return err
	}
	var md entryMetadata
	if err := json.Unmarshal(blob, &md); err != nil {
		return err
	}

	switch md.Kind {
	case backup.KindSymlink:
		os.Remove(dest)
		return os.Symlink(md.Target, dest)
	default:
		t := time.Unix(md.ModTime, 0)
		return os.Chtimes(dest, t, t)
	}
}

// readBlockset reassembles a blockset's full content into memory,
// suitable for the small metadata blobs Phase 4 reads; Pipeline.recreate
// in pipeline.go streams larger file content instead of buffering it whole.
func readBlockset(tx *catalog.Tx, resolver *BlockResolver, blocksetID int64) ([]byte, error) {
	entries, err := tx.BlocksetEntries(blocksetID)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, e := range entries {
		r, err := resolver.Open(e.BlockID)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}
