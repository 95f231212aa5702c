package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ndlib/vaultkeep/archive"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/util"
	"github.com/ndlib/vaultkeep/vaulterr"
	"github.com/ndlib/vaultkeep/volume"
)

// PipelineConfig wires every stage of the backup pipeline (spec.md 4.4).
type PipelineConfig struct {
	Enumerator      Config
	Blocks          blockstore.Config
	VolumeSize      int64
	NamePrefix      string
	Concurrency     int // stream splitter / file worker fan-out, default 2
	IsFullBackup    bool
	PreviousFileset int64 // 0 if there is none
}

// Progress aggregates counters across the run, mirroring spec.md 4.4
// stage 8's progress handler.
type Progress struct {
	m              sync.Mutex
	FilesSeen      int
	FilesInherited int
	FilesProcessed int
	BytesRead      int64
	NewBlocks      int
	Errors         []error
}

func (p *Progress) addSeen()      { p.m.Lock(); p.FilesSeen++; p.m.Unlock() }
func (p *Progress) addInherited() { p.m.Lock(); p.FilesInherited++; p.m.Unlock() }
func (p *Progress) addProcessed(bytes int64, newBlocks int) {
	p.m.Lock()
	p.FilesProcessed++
	p.BytesRead += bytes
	p.NewBlocks += newBlocks
	p.m.Unlock()
}
func (p *Progress) addError(err error) {
	p.m.Lock()
	p.Errors = append(p.Errors, err)
	p.m.Unlock()
}

// Pipeline runs one full backup pass.
type Pipeline struct {
	cfg       PipelineConfig
	splitter  *BlockSplitter
	blockproc *BlockProcessor
	dataproc  *DataProcessor
	volumes   *volume.Manager
	stage     *stage.Store
}

// BlockSplitter is an alias kept local to the package to avoid colliding
// with the Splitter type name used elsewhere in this file's doc comments.
type BlockSplitter = Splitter

// NewPipeline wires a Pipeline from its configuration, staging area, and
// remote volume manager (spec.md 4.4).
func NewPipeline(cfg PipelineConfig, stg *stage.Store, mgr *volume.Manager) *Pipeline {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	return &Pipeline{
		cfg:       cfg,
		splitter:  NewSplitter(cfg.Blocks),
		blockproc: NewBlockProcessor(cfg.Blocks),
		dataproc:  NewDataProcessor(cfg.Blocks, stg, mgr, cfg.VolumeSize, cfg.NamePrefix),
		volumes:   mgr,
		stage:     stg,
	}
}

// Run performs the enumerator -> metadata pre-processor -> pre-filter ->
// splitter -> block processor -> data processor chain over every source
// entry, wraps the whole run in a Fileset, and finally rolls and uploads
// the dlist (Files volume) last (spec.md 4.4). If stop is closed partway
// through, the fileset produced is marked PartialBackup.
func (p *Pipeline) Run(ctx context.Context, tx *catalog.Tx, stop <-chan struct{}) (*catalog.Fileset, *Progress, error) {
	prev, err := LoadPreviousIndex(tx, p.cfg.PreviousFileset)
	if err != nil {
		return nil, nil, err
	}

	fileset, err := tx.CreateFileset(0, time.Now().Unix(), p.cfg.IsFullBackup)
	if err != nil {
		return nil, nil, err
	}

	entries := make(chan SourceEntry, 64)
	enumerator := NewEnumerator(p.cfg.Enumerator)
	enumErrCh := make(chan error, 1)
	go func() { enumErrCh <- enumerator.Run(stop, entries) }()

	progress := &Progress{}
	gate := util.NewGate(p.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex // serializes dataproc mutation and the shared catalog.Tx across workers
	var fileEntries []archive.FileEntry
	var partial bool
	var partialMu sync.Mutex

	for entry := range entries {
		entry := entry
		progress.addSeen()

		partialMu.Lock()
		stopped := partial
		partialMu.Unlock()
		if stopped {
			continue
		}
		select {
		case <-stop:
			partialMu.Lock()
			partial = true
			partialMu.Unlock()
			continue
		default:
		}

		gate.Enter()
		wg.Add(1)
		go func() {
			defer gate.Leave()
			defer wg.Done()

			fe, err := p.processEntry(ctx, tx, &mu, prev, entry)
			if err != nil {
				progress.addError(err)
				return
			}
			if err := tx.AddFile(fileset, entry.Path, fe.blockset, fe.metadata, entry.ModTime.Unix()); err != nil {
				progress.addError(err)
				return
			}
			if entry.Kind == KindFile {
				progress.addProcessed(fe.size, fe.newBlocks)
			}

			fileEntry, err := p.buildFileEntry(tx, entry, fe)
			if err != nil {
				progress.addError(err)
				return
			}

			mu.Lock()
			fileEntries = append(fileEntries, fileEntry)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if err := <-enumErrCh; err != nil {
		if err == errCancelled {
			partialMu.Lock()
			partial = true
			partialMu.Unlock()
		} else {
			progress.addError(err)
		}
	}

	mu.Lock()
	rollErr := p.dataproc.Roll(ctx, tx) // spill collector: flush the still-open Blocks volume
	mu.Unlock()
	if rollErr != nil {
		return nil, progress, rollErr
	}

	if partial || len(progress.Errors) > 0 {
		if err := tx.MarkFilesetPartial(fileset); err != nil {
			return nil, progress, err
		}
	}

	dlistVolumeID, err := p.uploadDList(ctx, tx, fileEntries)
	if err != nil {
		return nil, progress, err
	}
	if err := tx.SetFilesetVolume(fileset, dlistVolumeID); err != nil {
		return nil, progress, err
	}

	result, err := lookupFileset(tx, fileset)
	if err != nil {
		return nil, progress, err
	}
	return result, progress, nil
}

// uploadDList assembles and uploads the Files volume's manifest and
// filelist.json, uploaded last per spec.md 4.4.
func (p *Pipeline) uploadDList(ctx context.Context, tx *catalog.Tx, entries []archive.FileEntry) (int64, error) {
	name := fmt.Sprintf("%s-%s.dlist", p.cfg.NamePrefix, time.Now().UTC().Format("20060102T150405Z"))
	id, err := p.volumes.Create(tx, name, catalog.VolumeFiles)
	if err != nil {
		return 0, err
	}

	staged := p.stage.Open(name)
	w, err := staged.Append()
	if err != nil {
		return 0, err
	}
	aw := archive.NewWriter(w, archive.KindDList)
	if err := aw.WriteManifest(archive.Manifest{
		Version:    "1",
		Created:    time.Now().UTC(),
		Encoding:   "none",
		BlockSize:  p.cfg.Blocks.BlockSize,
		BlockHash:  "sha256",
		FileHash:   "sha256",
		AppVersion: "vaultkeep",
	}); err != nil {
		return 0, err
	}
	if err := aw.WriteFileList(entries); err != nil {
		return 0, err
	}
	if err := aw.Close(); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	hash := blockstore.EncodeHash(aw.ArchiveHash())
	size := staged.Stat().Size
	rc := staged.Reader()
	defer rc.Close()
	if err := p.volumes.Upload(ctx, tx, id, name, rc); err != nil {
		return 0, err
	}
	if err := p.volumes.Finalize(tx, id, size, hash); err != nil {
		return 0, err
	}
	if err := p.stage.Discard(name); err != nil {
		return 0, err
	}
	return id, nil
}

// buildFileEntry fills in the dlist filelist.json entry for one processed
// source entry, reading back the content hash and blocklist chain it just
// wrote so that repair (C7) can rebuild a Blockset's ordered block chain
// from the dlist alone without touching the dblock payloads (spec.md 4.7).
func (p *Pipeline) buildFileEntry(tx *catalog.Tx, entry SourceEntry, fe fileResult) (archive.FileEntry, error) {
	out := archive.FileEntry{
		Type: entryKindName(entry.Kind),
		Path: entry.Path,
		Size: fe.size,
		Time: entry.ModTime.Unix(),
	}

	if entry.Kind == KindFile {
		bs, err := tx.GetBlockset(fe.blockset)
		if err != nil {
			return out, err
		}
		if bs != nil {
			out.Hash = bs.FullHash
			lists, err := tx.BlocklistHashes(fe.blockset)
			if err != nil {
				return out, err
			}
			for _, l := range lists {
				out.Blocklists = append(out.Blocklists, l.Hash)
			}
		}
	}

	if fe.metadata != 0 {
		ms, err := tx.GetMetadataset(fe.metadata)
		if err != nil {
			return out, err
		}
		if ms != nil {
			mbs, err := tx.GetBlockset(ms.BlocksetID)
			if err != nil {
				return out, err
			}
			if mbs != nil {
				out.MetaHash = mbs.FullHash
				out.MetaSize = mbs.Length
				lists, err := tx.BlocklistHashes(ms.BlocksetID)
				if err != nil {
					return out, err
				}
				if len(lists) > 0 {
					out.MetaBlockHash = lists[0].Hash
				}
			}
		}
	}

	return out, nil
}

func entryKindName(k EntryKind) string {
	switch k {
	case KindFolder:
		return "Folder"
	case KindSymlink:
		return "Symlink"
	default:
		return "File"
	}
}

// processEntry runs the metadata pre-processor, pre-filter, splitter,
// block processor, and data processor for one source entry, returning
// enough information to record its FileLookup row.
func (p *Pipeline) processEntry(ctx context.Context, tx *catalog.Tx, mu *sync.Mutex, prev *PreviousIndex, entry SourceEntry) (fileResult, error) {
	if entry.Kind == KindFolder {
		metaID, err := p.writeMetadata(ctx, tx, mu, entry)
		if err != nil {
			return fileResult{}, err
		}
		return fileResult{blockset: catalog.FolderBlocksetID, metadata: metaID}, nil
	}
	if entry.Kind == KindSymlink {
		metaID, err := p.writeMetadata(ctx, tx, mu, entry)
		if err != nil {
			return fileResult{}, err
		}
		return fileResult{blockset: catalog.SymlinkBlocksetID, metadata: metaID}, nil
	}

	if blocksetID, metadataID, ok := prev.SameAsPrevious(entry); ok {
		return fileResult{blockset: blocksetID, metadata: metadataID, size: entry.Size}, nil
	}

	blocks := make(chan SplitBlock, 8)
	var fileHash []byte
	var size int64
	var splitErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		fileHash, size, splitErr = p.splitter.Split(entry, blocks)
		close(blocks)
	}()

	var collected []SplitBlock
	for b := range blocks {
		collected = append(collected, b)
	}
	<-done
	if splitErr != nil {
		return fileResult{}, splitErr
	}

	mu.Lock()
	res, err := p.blockproc.ProcessFile(tx, p.currentVolumeID(tx), collected, fileHash, size)
	if err != nil {
		mu.Unlock()
		return fileResult{}, err
	}
	for _, nb := range res.NewBlocks {
		if err := p.dataproc.WriteBlock(ctx, tx, nb); err != nil {
			mu.Unlock()
			return fileResult{}, err
		}
	}
	mu.Unlock()

	metaID, err := p.writeMetadata(ctx, tx, mu, entry)
	if err != nil {
		return fileResult{}, err
	}
	return fileResult{blockset: res.BlocksetID, metadata: metaID, size: size, newBlocks: len(res.NewBlocks)}, nil
}

func (p *Pipeline) currentVolumeID(tx *catalog.Tx) int64 {
	if p.dataproc.open == nil {
		if err := p.dataproc.openNext(tx); err != nil {
			return 0
		}
	}
	return p.dataproc.open.catalogID
}

// writeMetadata serializes an entry's permissions/timestamp/symlink-target
// metadata as a small JSON blob, blocks it through the same content path
// as file data, and returns its Metadataset id (spec.md 3).
func (p *Pipeline) writeMetadata(ctx context.Context, tx *catalog.Tx, mu *sync.Mutex, entry SourceEntry) (int64, error) {
	blob, err := json.Marshal(entryMetadata{
		ModTime: entry.ModTime.Unix(),
		Kind:    entry.Kind,
		Target:  entry.LinkTarget,
	})
	if err != nil {
		return 0, err
	}

	mu.Lock()
	defer mu.Unlock()

	blocks, fullHash, size := p.splitter.SplitBytes(entry, blob)
	res, err := p.blockproc.ProcessFile(tx, p.currentVolumeID(tx), blocks, fullHash, size)
	if err != nil {
		return 0, err
	}
	for _, nb := range res.NewBlocks {
		if err := p.dataproc.WriteBlock(ctx, tx, nb); err != nil {
			return 0, err
		}
	}
	return tx.CreateMetadataset(res.BlocksetID)
}

type entryMetadata struct {
	ModTime int64     `json:"mtime"`
	Kind    EntryKind `json:"kind"`
	Target  string    `json:"target,omitempty"`
}

type fileResult struct {
	blockset  int64
	metadata  int64
	size      int64
	newBlocks int
}

func lookupFileset(tx *catalog.Tx, id int64) (*catalog.Fileset, error) {
	sets, err := tx.ListFilesets()
	if err != nil {
		return nil, err
	}
	for _, fs := range sets {
		fs := fs
		if fs.ID == id {
			return &fs, nil
		}
	}
	return nil, vaulterr.New("backup.lookupFileset", vaulterr.DatabaseConsistency, nil)
}
