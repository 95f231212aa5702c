package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"hash"
	"io"

	"github.com/ndlib/vaultkeep/blockstore"
)

// Writer serializes one remote volume archive (dlist, dblock, or dindex)
// into an io.Writer. Grounded directly on bagit.Writer: same archive/zip
// wrapping, same "hash everything written since the last Create call"
// trick (there via util.HashWriter, here via blockstore.Writer), same
// streaming Create(name) shape - generalized from BagIt's single "data/"
// namespace plus tag files to the three domain layouts of spec.md 6.
type Writer struct {
	z    *zip.Writer
	kind Kind
	arc  *blockstore.Writer // hash of every byte written to the underlying stream so far
	hw   *blockstore.Writer // hash of the stream currently being written
	size int64              // total payload bytes written so far
}

// NewWriter starts writing a new archive of the given kind to w. Every
// byte later written to the zip stream (headers included) is folded into
// the whole-archive hash returned by ArchiveHash, mirroring bagit.Writer's
// hw *util.HashWriter tee around its whole bag stream.
func NewWriter(w io.Writer, kind Kind) *Writer {
	arc := blockstore.NewWriter(w, newSHA256)
	return &Writer{z: zip.NewWriter(arc), kind: kind, arc: arc}
}

// ArchiveHash returns the raw digest of every byte written to the
// archive stream so far. Call it after Close for the final value.
func (w *Writer) ArchiveHash() []byte {
	return w.arc.Sum()
}

// WriteManifest writes the archive's top-level manifest file.
func (w *Writer) WriteManifest(m Manifest) error {
	out, err := w.create("manifest")
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(m)
}

// WriteFileList writes a dlist archive's filelist.json.
func (w *Writer) WriteFileList(entries []FileEntry) error {
	out, err := w.create("filelist.json")
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(entries)
}

// CreateBlock opens a stream for one block's raw payload in a dblock
// archive, named by the base64url-safe block hash (spec.md 6). The
// returned writer's hash is available via LastHash once fully written.
func (w *Writer) CreateBlock(rawHash []byte) (io.Writer, error) {
	name := base64.URLEncoding.EncodeToString(rawHash)
	return w.create(name)
}

// CreateBlocklist opens a stream for a dindex archive's
// list/<blockhash> entry.
func (w *Writer) CreateBlocklist(blockHash string) (io.Writer, error) {
	return w.create("list/" + blockHash)
}

// WriteVolIndex writes a dindex archive's vol/<dblockname> entry: the
// (hash,size) tuples packed into the paired dblock.
func (w *Writer) WriteVolIndex(dblockName string, entries []IndexVolEntry) error {
	out, err := w.create("vol/" + dblockName)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(entries)
}

// CreateControl opens a stream under a dlist archive's control/ namespace
// for untouched operator files (spec.md 6).
func (w *Writer) CreateControl(name string) (io.Writer, error) {
	return w.create("control/" + name)
}

func (w *Writer) create(name string) (io.Writer, error) {
	out, err := w.z.Create(name)
	if err != nil {
		return nil, err
	}
	w.hw = blockstore.NewWriter(&countingWriter{w: out, n: &w.size}, newSHA256)
	return w.hw, nil
}

func newSHA256() hash.Hash {
	return sha256.New()
}

// LastHash returns the raw digest of the most recently completed stream
// (whatever was last returned by one of the Create* methods).
func (w *Writer) LastHash() []byte {
	if w.hw == nil {
		return nil
	}
	return w.hw.Sum()
}

// Size returns the total payload bytes written across all streams so far,
// mirroring bagit.Writer's Payload-Oxum accounting.
func (w *Writer) Size() int64 {
	return w.size
}

// Close finalizes the archive. It does not close the underlying io.Writer.
func (w *Writer) Close() error {
	return w.z.Close()
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}
