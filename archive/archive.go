// Package archive implements the three remote volume container formats of
// spec.md 6 - dlist, dblock and dindex - as zip-family archives. It is
// grounded on the teacher's bagit package (a BagIt-subset zip writer/
// reader), generalized from BagIt's fixed data/+tag-file layout to the
// three domain-specific layouts named in spec.md 6.
package archive

import "time"

// Kind identifies which of the three remote volume container layouts an
// archive uses.
type Kind string

const (
	KindDList  Kind = "dlist"
	KindDBlock Kind = "dblock"
	KindDIndex Kind = "dindex"
)

// Manifest is the dlist/dblock/dindex manifest file's JSON structure
// (spec.md 6): {version, created, encoding, blocksize, block-hash,
// file-hash, app-version}.
type Manifest struct {
	Version     string    `json:"version"`
	Created     time.Time `json:"created"`
	Encoding    string    `json:"encoding"`
	BlockSize   int       `json:"blocksize"`
	BlockHash   string    `json:"block-hash"`
	FileHash    string    `json:"file-hash"`
	AppVersion  string    `json:"app-version"`
}

// FileEntry is one entry of a dlist's filelist.json (spec.md 6).
type FileEntry struct {
	Type          string   `json:"type"` // "File", "Folder", or "Symlink"
	Path          string   `json:"path"`
	Hash          string   `json:"hash,omitempty"` // base64, optional
	Size          int64    `json:"size"`
	Time          int64    `json:"time"`
	MetaHash      string   `json:"metahash,omitempty"`
	MetaSize      int64    `json:"metasize,omitempty"`
	MetaBlockHash string   `json:"metablockhash,omitempty"`
	Blocklists    []string `json:"blocklists,omitempty"`
}

// IndexVolEntry is one entry under a dindex's vol/<dblockname> stream:
// the (hash, size) tuples packed in the paired dblock (spec.md 6).
type IndexVolEntry struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}
