package archive

import (
	"archive/zip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
)

// ErrNotFound means a named stream could not be located inside an archive.
var ErrNotFound = errors.New("archive: stream not found")

// Reader reads back a dlist, dblock, or dindex archive written by Writer.
// Grounded on bagit.Reader's zip.NewReader(ReaderAt, size) shape, with the
// BagIt "<bagname>/data/" path prefixing dropped since these archives use
// a flat namespace.
type Reader struct {
	z *zip.Reader
}

// NewReader wraps r, a ReaderAt over size bytes of zip-family archive data.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	z, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	return &Reader{z: z}, nil
}

// ReadManifest reads the archive's top-level manifest file.
func (r *Reader) ReadManifest() (Manifest, error) {
	var m Manifest
	rc, err := r.open("manifest")
	if err != nil {
		return m, err
	}
	defer rc.Close()
	err = json.NewDecoder(rc).Decode(&m)
	return m, err
}

// ReadFileList reads a dlist archive's filelist.json.
func (r *Reader) ReadFileList() ([]FileEntry, error) {
	rc, err := r.open("filelist.json")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var entries []FileEntry
	err = json.NewDecoder(rc).Decode(&entries)
	return entries, err
}

// OpenBlock opens a dblock archive's stream for the block with the given
// raw hash.
func (r *Reader) OpenBlock(rawHash []byte) (io.ReadCloser, error) {
	name := base64.URLEncoding.EncodeToString(rawHash)
	return r.open(name)
}

// OpenBlocklist opens a dindex archive's list/<blockhash> stream.
func (r *Reader) OpenBlocklist(blockHash string) (io.ReadCloser, error) {
	return r.open("list/" + blockHash)
}

// ReadVolIndex reads a dindex archive's vol/<dblockname> entry.
func (r *Reader) ReadVolIndex(dblockName string) ([]IndexVolEntry, error) {
	rc, err := r.open("vol/" + dblockName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var entries []IndexVolEntry
	err = json.NewDecoder(rc).Decode(&entries)
	return entries, err
}

// OpenControl opens a dlist archive's control/<name> stream.
func (r *Reader) OpenControl(name string) (io.ReadCloser, error) {
	return r.open("control/" + name)
}

// Names lists every stream name present in the archive, in zip directory
// order.
func (r *Reader) Names() []string {
	names := make([]string, len(r.z.File))
	for i, f := range r.z.File {
		names[i] = f.Name
	}
	return names
}

func (r *Reader) open(name string) (io.ReadCloser, error) {
	for _, f := range r.z.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, ErrNotFound
}
