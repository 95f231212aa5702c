package restore

import (
	"crypto/sha256"
	"io"
	"os"

	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
)

// ReuseIndex answers "does the destination already hold this blockset's
// content" for Phase 2, so Phase 3 can skip re-downloading and rewriting
// files the caller already restored (e.g. a resumed or partially
// completed restore). Grounded on fileutil.FileList's path->checksum map,
// generalized from "checksum every local file once up front" to
// "checksum a file lazily only when a restore entry asks about its path".
type ReuseIndex struct {
	root string
	tx   *catalog.Tx
}

// NewReuseIndex returns a ReuseIndex scoped to root.
func NewReuseIndex(tx *catalog.Tx, root string) *ReuseIndex {
	return &ReuseIndex{tx: tx, root: root}
}

// Satisfied reports whether the file already at entry's destination path
// has exactly the content blocksetID describes, by comparing its whole
// file hash (catalog.Blockset.hash) against a local SHA-256 of the
// existing file - spec.md 4.5 Phase 2's use_local_blocks fast path.
func (r *ReuseIndex) Satisfied(dest string, blocksetID int64) bool {
	bs, err := r.tx.GetBlockset(blocksetID)
	if err != nil || bs == nil {
		return false
	}
	f, err := os.Open(dest)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() != bs.Length {
		return false
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return blockstore.EncodeHash(h.Sum(nil)) == bs.FullHash
}
