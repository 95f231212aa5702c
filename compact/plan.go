package compact

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ndlib/vaultkeep/archive"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/volume"
)

// Compactor rewrites wasted/small volumes into fresh ones and deletes the
// volumes it emptied, per spec.md 4.6's "select, rewrite, delete" cycle.
// Grounded on backup.DataProcessor's rollover shape (open a staged
// archive.Writer, fill it, upload, finalize), reused here for the
// read-live-blocks-and-rewrite direction instead of write-new-blocks.
type Compactor struct {
	cfg        blockstore.Config
	backend    store.ROStore
	stage      *stage.Store
	volumes    *volume.Manager
	volumeSize int64
	namePrefix string
	seq        int
}

// NewCompactor returns a Compactor reading source volumes from backend
// and writing rewritten ones through mgr.
func NewCompactor(cfg blockstore.Config, backend store.ROStore, stg *stage.Store, mgr *volume.Manager, volumeSize int64, namePrefix string) *Compactor {
	return &Compactor{cfg: cfg, backend: backend, stage: stg, volumes: mgr, volumeSize: volumeSize, namePrefix: namePrefix}
}

// Run compacts every volume in reports whose Class is not ClassOK.
// ClassCleanDelete volumes are deleted outright; ClassWasted and
// ClassSmall volumes have their live blocks rewritten into fresh volumes
// before the source volume is deleted.
func (c *Compactor) Run(ctx context.Context, tx *catalog.Tx, reports []VolumeReport) error {
	var toRewrite []VolumeReport
	for _, r := range reports {
		switch r.Class {
		case ClassCleanDelete:
			if err := c.deleteVolume(ctx, tx, r.Volume); err != nil {
				return err
			}
		case ClassWasted, ClassSmall:
			toRewrite = append(toRewrite, r)
		}
	}
	if len(toRewrite) == 0 {
		return nil
	}
	return c.rewrite(ctx, tx, toRewrite)
}

// rewrite streams every live block out of the given volumes into a
// fresh sequence of volumes bounded by volumeSize, reassigns each moved
// block's Block.volume_id, then deletes the emptied source volumes.
func (c *Compactor) rewrite(ctx context.Context, tx *catalog.Tx, reports []VolumeReport) error {
	var current *rewriteTarget
	roll := func() error {
		if current == nil {
			return nil
		}
		if err := current.close(ctx, c, tx); err != nil {
			return err
		}
		current = nil
		return nil
	}

	for _, r := range reports {
		rac, size, err := c.backend.Open(r.Volume.Name)
		if err != nil {
			return err
		}
		src, err := archive.NewReader(rac, size)
		if err != nil {
			rac.Close()
			return err
		}

		blocks, err := tx.BlocksInVolume(r.Volume.ID)
		if err != nil {
			rac.Close()
			return err
		}
		for _, b := range blocks {
			if current != nil && current.size >= c.volumeSize {
				if err := roll(); err != nil {
					rac.Close()
					return err
				}
			}
			if current == nil {
				current, err = newRewriteTarget(tx, c)
				if err != nil {
					rac.Close()
					return err
				}
			}
			if err := current.copyBlock(tx, src, b); err != nil {
				rac.Close()
				return err
			}
		}
		rac.Close()

		if err := c.reassignVolume(tx, blocks); err != nil {
			return err
		}

		if err := c.deleteVolume(ctx, tx, r.Volume); err != nil {
			return err
		}
	}
	return roll()
}

// reassignVolume implements spec.md 4.6 step 2: for every block rewritten
// out of a source volume, pick the newest (MAX volume_id) DuplicateBlock
// candidate recorded by copyBlock, reassign Block.volume_id to it, and
// consume that duplicate row. It aborts if any live block was not fully
// accounted for, so the caller's transaction rolls back instead of
// leaving a half-compacted volume.
func (c *Compactor) reassignVolume(tx *catalog.Tx, blocks []catalog.Block) error {
	targetCount := len(blocks)
	var updateCount, deleteCount int

	for _, b := range blocks {
		candidates, err := tx.DuplicatesOf(b.ID)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[len(candidates)-1]

		if err := tx.SetBlockVolume(b.ID, chosen); err != nil {
			return err
		}
		updateCount++

		if err := tx.RemoveDuplicateBlock(b.ID, chosen); err != nil {
			return err
		}
		deleteCount++
	}

	if targetCount != updateCount || updateCount != deleteCount {
		return fmt.Errorf("compact: volume reassignment incomplete: %d live blocks, %d reassigned, %d duplicate rows consumed", targetCount, updateCount, deleteCount)
	}
	return nil
}

// deleteVolume starts the grace-period delete for an emptied volume.
// CompleteDelete itself defers the Deleted transition (and the
// DuplicateBlock/DeletedBlock cleanup that comes with it) until the grace
// period elapses or a listing pass confirms the object is gone, so the
// volume stays Deleting until a later CompleteDelete call; no code in
// this module makes that call once the grace period has passed
// (spec.md 4.3).
func (c *Compactor) deleteVolume(ctx context.Context, tx *catalog.Tx, vol catalog.RemoteVolume) error {
	if err := c.volumes.StartDelete(ctx, tx, vol.ID); err != nil {
		return err
	}
	if err := c.volumes.CompleteDelete(tx, vol.ID, false); err != nil {
		return err
	}
	if vol.Type != catalog.VolumeBlocks {
		return nil
	}
	indexID, err := tx.IndexVolumeFor(vol.ID)
	if err != nil || indexID == 0 {
		return err
	}
	idxVol, err := tx.GetVolume(indexID)
	if err != nil || idxVol == nil {
		return err
	}
	if err := c.volumes.StartDelete(ctx, tx, idxVol.ID); err != nil {
		return err
	}
	return c.volumes.CompleteDelete(tx, idxVol.ID, false)
}

type rewriteTarget struct {
	catalogID int64
	name      string
	staged    *stage.Volume
	writer    *archive.Writer
	appendW   io.WriteCloser
	index     []archive.IndexVolEntry
	size      int64
}

func newRewriteTarget(tx *catalog.Tx, c *Compactor) (*rewriteTarget, error) {
	c.seq++
	name := fmt.Sprintf("%s-compact-%s-%04d.dblock", c.namePrefix, time.Now().UTC().Format("20060102T150405Z"), c.seq)
	id, err := c.volumes.Create(tx, name, catalog.VolumeBlocks)
	if err != nil {
		return nil, err
	}
	staged := c.stage.Open(name)
	w, err := staged.Append()
	if err != nil {
		return nil, err
	}
	return &rewriteTarget{
		catalogID: id,
		name:      name,
		staged:    staged,
		writer:    archive.NewWriter(w, archive.KindDBlock),
		appendW:   w,
	}, nil
}

func (rt *rewriteTarget) copyBlock(tx *catalog.Tx, src *archive.Reader, b catalog.Block) error {
	rawHash, err := blockstore.DecodeHash(b.Hash)
	if err != nil {
		return err
	}
	r, err := src.OpenBlock(rawHash)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := rt.writer.CreateBlock(rawHash)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		return err
	}
	rt.index = append(rt.index, archive.IndexVolEntry{Hash: b.Hash, Size: b.Size})
	rt.size += b.Size

	return tx.RegisterDuplicateBlock(b.ID, rt.catalogID)
}

func (rt *rewriteTarget) close(ctx context.Context, c *Compactor, tx *catalog.Tx) error {
	if err := rt.writer.Close(); err != nil {
		return err
	}
	if err := rt.appendW.Close(); err != nil {
		return err
	}
	hash := blockstore.EncodeHash(rt.writer.ArchiveHash())
	size := rt.staged.Stat().Size

	rc := rt.staged.Reader()
	defer rc.Close()
	if err := c.volumes.Upload(ctx, tx, rt.catalogID, rt.name, rc); err != nil {
		return err
	}
	if err := c.volumes.Finalize(tx, rt.catalogID, size, hash); err != nil {
		return err
	}

	indexName := fmt.Sprintf("%s.dindex", rt.name[:len(rt.name)-len(".dblock")])
	if err := c.uploadIndex(ctx, tx, indexName, rt); err != nil {
		return err
	}
	return c.stage.Discard(rt.name)
}

func (c *Compactor) uploadIndex(ctx context.Context, tx *catalog.Tx, indexName string, rt *rewriteTarget) error {
	id, err := c.volumes.Create(tx, indexName, catalog.VolumeIndex)
	if err != nil {
		return err
	}
	staged := c.stage.Open(indexName)
	w, err := staged.Append()
	if err != nil {
		return err
	}
	aw := archive.NewWriter(w, archive.KindDIndex)
	if err := aw.WriteVolIndex(rt.name, rt.index); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	hash := blockstore.EncodeHash(aw.ArchiveHash())
	size := staged.Stat().Size

	rc := staged.Reader()
	defer rc.Close()
	if err := c.volumes.Upload(ctx, tx, id, indexName, rc); err != nil {
		return err
	}
	if err := c.volumes.Finalize(tx, id, size, hash); err != nil {
		return err
	}
	if err := tx.LinkIndexToBlocks(id, rt.catalogID); err != nil {
		return err
	}
	return c.stage.Discard(indexName)
}
