// Package blockstore implements the block-store model: content-addressed
// block identity, the fixed backup configuration (blocksize and hash
// algorithms), and blocklist encoding for large blocksets.
package blockstore

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
)

// DefaultBlockSize is the default size, in bytes, of a block: 100 KiB.
const DefaultBlockSize = 100 * 1024

// HashSize is the length, in bytes, of a raw block hash. Blocklist blocks
// pack this many bytes per referenced block.
const HashSize = sha256.Size

// Config is the fixed, immutable-once-established backup configuration.
// It is recorded once per backup destination and never changed afterward
// (spec.md 4.1).
type Config struct {
	BlockSize int // bytes per block, e.g. 100*1024
	// BlockHash constructs the hash used to identify block contents.
	BlockHash func() hash.Hash
	// FileHash constructs the hash used for whole-file (blockset) digests.
	FileHash func() hash.Hash
}

// DefaultConfig returns the SHA-256-everywhere configuration used unless
// the operator overrides it at backup creation time.
func DefaultConfig() Config {
	return Config{
		BlockSize: DefaultBlockSize,
		BlockHash: sha256.New,
		FileHash:  sha256.New,
	}
}

// BlocksPerBlocklistChunk is the number of block hashes that fit in a single
// blocklist block, given the configured block size.
func (c Config) BlocksPerBlocklistChunk() int {
	n := c.BlockSize / HashSize
	if n < 1 {
		n = 1
	}
	return n
}

// EncodeHash renders a raw digest as the catalog's base64 hash
// representation.
func EncodeHash(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeHash parses a catalog hash string back into raw digest bytes.
func DecodeHash(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Identity is the content identity of a block: its hash (base64-encoded,
// as stored in the catalog) and its size in bytes. (hash, size) is the
// logical identity of a Block row (spec.md 3).
type Identity struct {
	Hash string
	Size int64
}
