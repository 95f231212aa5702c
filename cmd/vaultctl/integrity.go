package main

import (
	"fmt"
	"io"

	"github.com/ndlib/vaultkeep/archive"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/store"
)

// brokenBlock is one block whose payload failed the hash/size check
// testable property 3 requires (block_hash(bytes_of(b)) == b.hash).
type brokenBlock struct {
	block catalog.Block
	err   error
}

type blockUnit struct {
	vol    catalog.RemoteVolume
	blocks []catalog.Block
}

// sampleBrokenBlocks re-downloads and re-hashes blocks from every live
// Blocks volume, comparing against what the catalog recorded. limit <= 0
// checks every block; otherwise an evenly spaced sample of whole volumes
// covering at least limit blocks is taken, matching spec.md 6's test(samples) entry point. There is no
// persisted BrokenFile catalog entity (see DESIGN.md); this is
// recomputed fresh on every call rather than cached.
func sampleBrokenBlocks(tx *catalog.Tx, backend store.ROStore, hashCfg blockstore.Config, limit int) ([]brokenBlock, error) {
	volumes, err := tx.VolumesInState(catalog.StateVerified, catalog.StateUploaded)
	if err != nil {
		return nil, err
	}

	var units []blockUnit
	total := 0
	for _, v := range volumes {
		if v.Type != catalog.VolumeBlocks {
			continue
		}
		blocks, err := tx.BlocksInVolume(v.ID)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		units = append(units, blockUnit{vol: v, blocks: blocks})
		total += len(blocks)
	}

	if limit > 0 && total > limit {
		units = sampleUnits(units, limit)
	}

	var broken []brokenBlock
	for _, u := range units {
		r, closeFn, err := openVolumeArchive(backend, u.vol.Name)
		if err != nil {
			for _, b := range u.blocks {
				broken = append(broken, brokenBlock{b, err})
			}
			continue
		}
		for _, b := range u.blocks {
			if err := verifyBlock(r, hashCfg, b); err != nil {
				broken = append(broken, brokenBlock{b, err})
			}
		}
		closeFn()
	}
	return broken, nil
}

// sampleUnits flattens work units into a single evenly spaced sample of
// roughly limit blocks, re-grouped by volume so the caller still opens
// each referenced volume only once.
func sampleUnits(units []blockUnit, limit int) []blockUnit {
	var flat []catalog.Block
	volFor := map[int64]catalog.RemoteVolume{}
	for _, u := range units {
		volFor[u.vol.ID] = u.vol
		flat = append(flat, u.blocks...)
	}
	step := len(flat) / limit
	if step < 1 {
		step = 1
	}
	byVolume := map[int64][]catalog.Block{}
	var order []int64
	for i := 0; i < len(flat); i += step {
		b := flat[i]
		if _, ok := byVolume[b.VolumeID]; !ok {
			order = append(order, b.VolumeID)
		}
		byVolume[b.VolumeID] = append(byVolume[b.VolumeID], b)
	}
	out := make([]blockUnit, 0, len(order))
	for _, id := range order {
		out = append(out, blockUnit{vol: volFor[id], blocks: byVolume[id]})
	}
	return out
}

func openVolumeArchive(backend store.ROStore, name string) (*archive.Reader, func(), error) {
	rac, size, err := backend.Open(name)
	if err != nil {
		return nil, nil, err
	}
	r, err := archive.NewReader(rac, size)
	if err != nil {
		rac.Close()
		return nil, nil, err
	}
	return r, func() { rac.Close() }, nil
}

func verifyBlock(r *archive.Reader, hashCfg blockstore.Config, b catalog.Block) error {
	raw, err := blockstore.DecodeHash(b.Hash)
	if err != nil {
		return err
	}
	rc, err := r.OpenBlock(raw)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := hashCfg.BlockHash()
	n, err := io.Copy(h, rc)
	if err != nil {
		return err
	}
	if n != b.Size {
		return fmt.Errorf("size %d != recorded %d", n, b.Size)
	}
	if blockstore.EncodeHash(h.Sum(nil)) != b.Hash {
		return fmt.Errorf("hash mismatch")
	}
	return nil
}

// filesetsReferencingBlocks finds every Fileset with a file whose
// blockset transitively includes one of the given broken blocks, by
// composing the plain catalog queries the rest of the package already
// exposes rather than adding a dedicated reverse-reference query.
func filesetsReferencingBlocks(tx *catalog.Tx, broken []brokenBlock) ([]catalog.Fileset, error) {
	bad := map[int64]bool{}
	for _, b := range broken {
		bad[b.block.ID] = true
	}

	sets, err := tx.ListFilesets()
	if err != nil {
		return nil, err
	}
	var affected []catalog.Fileset
	for _, fs := range sets {
		_, files, err := tx.FilesetContents(fs.ID)
		if err != nil {
			return nil, err
		}
		if filesetReferences(tx, files, bad) {
			affected = append(affected, fs)
		}
	}
	return affected, nil
}

func filesetReferences(tx *catalog.Tx, files []catalog.FileLookup, bad map[int64]bool) bool {
	for _, f := range files {
		if f.BlocksetID <= 0 {
			continue
		}
		entries, err := tx.BlocksetEntries(f.BlocksetID)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if bad[e.BlockID] {
				return true
			}
		}
	}
	return false
}
