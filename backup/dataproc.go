package backup

import (
	"context"
	"fmt"

	"github.com/ndlib/vaultkeep/archive"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/volume"
)

// DataProcessor owns the currently-open Blocks volume: it writes new
// blocks into it, and rolls over to a fresh volume once volume_size is
// reached, uploading the finished Blocks volume and its paired Index
// volume. Grounded on items/bundler.go's BundleWriter.Next() rollover
// (close current, open next, advance sequence number).
type DataProcessor struct {
	cfg        blockstore.Config
	stage      *stage.Store
	volumes    *volume.Manager
	volumeSize int64
	namePrefix string

	seq  int
	open *openVolume
}

type openVolume struct {
	catalogID  int64
	name       string
	staged     *stage.Volume
	writer     *archive.Writer
	appendW    interface{ Close() error }
	index      []archive.IndexVolEntry
	blocklists map[string][]byte
}

// NewDataProcessor returns a DataProcessor writing into stg-backed
// staging files, uploading finished volumes through mgr, using
// namePrefix as the destination's remote-name prefix (spec.md 6).
func NewDataProcessor(cfg blockstore.Config, stg *stage.Store, mgr *volume.Manager, volumeSize int64, namePrefix string) *DataProcessor {
	return &DataProcessor{cfg: cfg, stage: stg, volumes: mgr, volumeSize: volumeSize, namePrefix: namePrefix}
}

// WriteBlock appends a new block's payload to the currently-open Blocks
// volume, opening one first if none is open, and rolling over to a fresh
// volume first if the current one has already reached volume_size.
func (d *DataProcessor) WriteBlock(ctx context.Context, tx *catalog.Tx, blk NewBlock) error {
	if d.open != nil && d.staged().Stat().Size >= d.volumeSize {
		if err := d.Roll(ctx, tx); err != nil {
			return err
		}
	}
	if d.open == nil {
		if err := d.openNext(tx); err != nil {
			return err
		}
	}

	w, err := d.open.writer.CreateBlock(mustDecode(blk.Hash))
	if err != nil {
		return err
	}
	if _, err := w.Write(blk.Data); err != nil {
		return err
	}
	d.open.index = append(d.open.index, archive.IndexVolEntry{Hash: blk.Hash, Size: blk.Size})
	if blk.IsBlocklist {
		if d.open.blocklists == nil {
			d.open.blocklists = map[string][]byte{}
		}
		d.open.blocklists[blk.Hash] = blk.Data
	}
	return nil
}

func (d *DataProcessor) staged() *stage.Volume {
	return d.open.staged
}

func (d *DataProcessor) openNext(tx *catalog.Tx) error {
	d.seq++
	name := fmt.Sprintf("%s-%04d.dblock", d.namePrefix, d.seq)
	id, err := d.volumes.Create(tx, name, catalog.VolumeBlocks)
	if err != nil {
		return err
	}
	staged := d.stage.Open(name)
	w, err := staged.Append()
	if err != nil {
		return err
	}
	d.open = &openVolume{
		catalogID: id,
		name:      name,
		staged:    staged,
		writer:    archive.NewWriter(w, archive.KindDBlock),
		appendW:   w,
	}
	return nil
}

// Roll finalizes the currently-open Blocks volume (if any), uploads it
// and its paired Index volume, and clears the open volume so the next
// WriteBlock starts a fresh one (spec.md 4.4 stage 6 and stage 7's spill
// collector, which calls Roll unconditionally at end of backup).
func (d *DataProcessor) Roll(ctx context.Context, tx *catalog.Tx) error {
	if d.open == nil {
		return nil
	}
	ov := d.open
	d.open = nil

	if err := ov.writer.Close(); err != nil {
		return err
	}
	if err := ov.appendW.Close(); err != nil {
		return err
	}
	hash := blockstore.EncodeHash(ov.writer.ArchiveHash())
	size := ov.staged.Stat().Size

	rc := ov.staged.Reader()
	defer rc.Close()
	if err := d.volumes.Upload(ctx, tx, ov.catalogID, ov.name, rc); err != nil {
		return err
	}
	if err := d.volumes.Finalize(tx, ov.catalogID, size, hash); err != nil {
		return err
	}

	if err := d.uploadIndex(ctx, tx, ov); err != nil {
		return err
	}
	return d.stage.Discard(ov.name)
}

func (d *DataProcessor) uploadIndex(ctx context.Context, tx *catalog.Tx, ov *openVolume) error {
	indexName := fmt.Sprintf("%s-%04d.dindex", d.namePrefix, d.seq)
	indexID, err := d.volumes.Create(tx, indexName, catalog.VolumeIndex)
	if err != nil {
		return err
	}

	staged := d.stage.Open(indexName)
	w, err := staged.Append()
	if err != nil {
		return err
	}
	aw := archive.NewWriter(w, archive.KindDIndex)
	if err := aw.WriteVolIndex(ov.name, ov.index); err != nil {
		return err
	}
	for hash, payload := range ov.blocklists {
		lw, err := aw.CreateBlocklist(hash)
		if err != nil {
			return err
		}
		if _, err := lw.Write(payload); err != nil {
			return err
		}
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
	if err := d.volumes.Upload(ctx, tx, indexID, indexName, rc); err != nil {
		return err
	}
	if err := d.volumes.Finalize(tx, indexID, size, hash); err != nil {
		return err
	}
	if err := tx.LinkIndexToBlocks(indexID, ov.catalogID); err != nil {
		return err
	}
	return d.stage.Discard(indexName)
}

func mustDecode(hashStr string) []byte {
	raw, err := blockstore.DecodeHash(hashStr)
	if err != nil {
		panic(err) // catalog-stored hashes are always well formed
	}
	return raw
}
