package backup

import (
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
)

// NewBlock is a block the file block processor determined is not yet in
// the catalog and that the data block processor must therefore write
// into the currently-open Blocks volume.
type NewBlock struct {
	BlockID int64
	Hash    string
	Size    int64
	Data    []byte

	// IsBlocklist marks a block whose payload is a blocklist chunk (an
	// encoded span of child block hashes) rather than file content. The
	// data block processor mirrors these into the paired Index volume's
	// list/<hash> stream as well as the dblock, so repair (C7) can
	// recover a long blockset's block order without downloading dblocks.
	IsBlocklist bool
}

// BlockProcessor accumulates a file's block hashes into a Blockset,
// emitting BlocklistHash entries for long files (spec.md 3), and asks the
// catalog whether each block is new. Grounded on spec.md 4.4 stage 5 and
// items/bundler.go's "accumulate then flush" shape.
type BlockProcessor struct {
	cfg blockstore.Config
}

// NewBlockProcessor returns a BlockProcessor using cfg's blocksize.
func NewBlockProcessor(cfg blockstore.Config) *BlockProcessor {
	return &BlockProcessor{cfg: cfg}
}

// Result is what ProcessFile returns: the blockset id to store in the
// file's FileLookup row, and the list of blocks that still need their
// payload written by the data block processor.
type Result struct {
	BlocksetID int64
	NewBlocks  []NewBlock
}

// ProcessFile registers every block of a file (identified by its ordered
// raw hashes and sizes) with the catalog, builds the Blockset and any
// BlocklistHash chain it needs, and returns the blocks that must still be
// written to the currently-open volume.
func (p *BlockProcessor) ProcessFile(tx *catalog.Tx, currentVolumeID int64, blocks []SplitBlock, fullHash []byte, totalSize int64) (Result, error) {
	blockIDs := make([]int64, len(blocks))
	var newBlocks []NewBlock

	for i, b := range blocks {
		hashStr := blockstore.EncodeHash(b.RawHash)
		id, isNew, err := tx.RegisterBlock(hashStr, int64(len(b.Data)), currentVolumeID)
		if err != nil {
			return Result{}, err
		}
		blockIDs[i] = id
		if isNew {
			newBlocks = append(newBlocks, NewBlock{
				BlockID: id,
				Hash:    hashStr,
				Size:    int64(len(b.Data)),
				Data:    b.Data,
			})
		}
	}

	blocksetID, err := tx.RegisterBlockset(blockstore.EncodeHash(fullHash), totalSize, blockIDs)
	if err != nil {
		return Result{}, err
	}

	// Any multi-block file gets a blocklist chain, not just ones over
	// NeedsBlocklist's chunk-count floor: repair (C7) reconstructs a
	// Blockset's ordered block chain from the dlist's Blocklists field
	// alone, so a two-block file with no blocklist would be unrecoverable
	// without downloading and re-splitting its dblock payload.
	if len(blockIDs) > 1 {
		if err := p.emitBlocklists(tx, currentVolumeID, blocksetID, blocks, &newBlocks); err != nil {
			return Result{}, err
		}
	}

	return Result{BlocksetID: blocksetID, NewBlocks: newBlocks}, nil
}

// emitBlocklists chunks blockIDs into blockstore.Config.BlocklistChunks
// spans, encodes each span's raw hashes into a payload, registers that
// payload itself as a Block (spec.md 3: "each blocklist-hash is itself a
// block"), and records it via AddBlocklistHash instead of BlocksetEntry.
func (p *BlockProcessor) emitBlocklists(tx *catalog.Tx, currentVolumeID, blocksetID int64, blocks []SplitBlock, newBlocks *[]NewBlock) error {
	rawHashes := make([][]byte, len(blocks))
	for i, b := range blocks {
		rawHashes[i] = b.RawHash
	}

	for idx, span := range p.cfg.BlocklistChunks(len(blocks)) {
		payload, err := blockstore.EncodeBlocklist(rawHashes[span[0]:span[1]])
		if err != nil {
			return err
		}
		h := p.cfg.BlockHash()
		h.Write(payload)
		hashStr := blockstore.EncodeHash(h.Sum(nil))

		id, isNew, err := tx.RegisterBlock(hashStr, int64(len(payload)), currentVolumeID)
		if err != nil {
			return err
		}
		if isNew {
			*newBlocks = append(*newBlocks, NewBlock{
				BlockID:     id,
				Hash:        hashStr,
				Size:        int64(len(payload)),
				Data:        payload,
				IsBlocklist: true,
			})
		}
		if err := tx.AddBlocklistHash(blocksetID, idx, hashStr); err != nil {
			return err
		}
	}
	return nil
}
