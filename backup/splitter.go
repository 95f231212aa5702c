package backup

import (
	"io"
	"os"

	"github.com/ndlib/vaultkeep/blockstore"
)

// SplitBlock is one fixed-size chunk cut from a source file, along with
// its raw content hash. Grounded on bclientapi/cmd/bclient/upload.go's
// chunked-upload loop, adapted from "read a chunk, upload it over HTTP"
// to "read a chunk, hash it, hand it downstream".
type SplitBlock struct {
	Entry     SourceEntry
	Index     int
	Data      []byte
	RawHash   []byte
	IsLast    bool
}

// Splitter cuts each file it is given into blockstore.Config-sized
// blocks and computes each block's hash.
type Splitter struct {
	cfg blockstore.Config
}

// NewSplitter returns a Splitter using cfg's block size and hash.
func NewSplitter(cfg blockstore.Config) *Splitter {
	return &Splitter{cfg: cfg}
}

// Split reads entry's file content and sends one SplitBlock per chunk to
// out, in order. It returns the file's raw content hash and total size.
func (s *Splitter) Split(entry SourceEntry, out chan<- SplitBlock) (fileHash []byte, size int64, err error) {
	f, err := os.Open(entry.AbsPath)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	fileHasher := s.cfg.FileHash()
	buf := make([]byte, s.cfg.BlockSize)
	idx := 0
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fileHasher.Write(chunk)
			size += int64(n)

			blockHasher := s.cfg.BlockHash()
			blockHasher.Write(chunk)

			out <- SplitBlock{
				Entry:   entry,
				Index:   idx,
				Data:    chunk,
				RawHash: blockHasher.Sum(nil),
				IsLast:  rerr == io.EOF || rerr == io.ErrUnexpectedEOF,
			}
			idx++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, 0, rerr
		}
	}
	return fileHasher.Sum(nil), size, nil
}

// SplitBytes chunks an in-memory payload the same way Split chunks a
// file's content, for use on small metadata blobs (spec.md 3's
// Metadataset) rather than opening a file descriptor for them.
func (s *Splitter) SplitBytes(entry SourceEntry, data []byte) (blocks []SplitBlock, fileHash []byte, size int64) {
	fileHasher := s.cfg.FileHash()
	for idx := 0; ; idx++ {
		end := idx*s.cfg.BlockSize + s.cfg.BlockSize
		start := idx * s.cfg.BlockSize
		if start >= len(data) {
			break
		}
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		fileHasher.Write(chunk)
		size += int64(len(chunk))

		blockHasher := s.cfg.BlockHash()
		blockHasher.Write(chunk)
		blocks = append(blocks, SplitBlock{
			Entry:   entry,
			Index:   idx,
			Data:    chunk,
			RawHash: blockHasher.Sum(nil),
			IsLast:  end == len(data),
		})
	}
	if len(data) == 0 {
		// an empty payload still hashes to something deterministic
		blockHasher := s.cfg.BlockHash()
		fileHasher.Write(nil)
		_ = blockHasher
	}
	return blocks, fileHasher.Sum(nil), size
}
