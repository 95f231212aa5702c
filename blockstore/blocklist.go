package blockstore

import (
	"bytes"
	"fmt"
)

// NeedsBlocklist reports whether a blockset of n blocks must be indexed by
// one or more blocklist blocks, per spec.md 4.1: "Failing to use blocklists
// for blocksets with > one blocklist-chunk of blocks is an error".
func (c Config) NeedsBlocklist(numBlocks int) bool {
	return numBlocks > c.BlocksPerBlocklistChunk()
}

// BlocklistChunks splits the raw hashes of numBlocks ordered blocks into the
// chunk boundaries that each become one blocklist block's payload.
func (c Config) BlocklistChunks(numBlocks int) [][2]int {
	per := c.BlocksPerBlocklistChunk()
	var chunks [][2]int
	for start := 0; start < numBlocks; start += per {
		end := start + per
		if end > numBlocks {
			end = numBlocks
		}
		chunks = append(chunks, [2]int{start, end})
	}
	return chunks
}

// EncodeBlocklist concatenates the raw hashes of a contiguous span of blocks
// into a blocklist block's payload.
func EncodeBlocklist(rawHashes [][]byte) ([]byte, error) {
	buf := make([]byte, 0, len(rawHashes)*HashSize)
	for i, h := range rawHashes {
		if len(h) != HashSize {
			return nil, fmt.Errorf("blocklist entry %d: want %d byte hash, got %d", i, HashSize, len(h))
		}
		buf = append(buf, h...)
	}
	return buf, nil
}

// DecodeBlocklist splits a blocklist block's payload back into the raw
// hashes of the blocks it indexes.
func DecodeBlocklist(payload []byte) ([][]byte, error) {
	if len(payload)%HashSize != 0 {
		return nil, fmt.Errorf("blocklist payload length %d is not a multiple of hash size %d", len(payload), HashSize)
	}
	n := len(payload) / HashSize
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		h := make([]byte, HashSize)
		copy(h, payload[i*HashSize:(i+1)*HashSize])
		out[i] = h
	}
	return out, nil
}

// VerifyBlocklist checks that a blocklist block's decoded hashes match the
// hashes of the blocks it is supposed to index, used on recreate (spec.md
// 4.1: "implementations must ... verify them on recreate").
func VerifyBlocklist(payload []byte, wantRawHashes [][]byte) error {
	got, err := DecodeBlocklist(payload)
	if err != nil {
		return err
	}
	if len(got) != len(wantRawHashes) {
		return fmt.Errorf("blocklist covers %d blocks, expected %d", len(got), len(wantRawHashes))
	}
	for i := range got {
		if !bytes.Equal(got[i], wantRawHashes[i]) {
			return fmt.Errorf("blocklist entry %d hash mismatch", i)
		}
	}
	return nil
}
