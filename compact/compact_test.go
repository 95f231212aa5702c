package compact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/codec"
	"github.com/ndlib/vaultkeep/restore"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/volume"
)

func runBackup(t *testing.T, srcRoot string, backend store.Store, c *catalog.Catalog, mgr *volume.Manager, prev int64) catalog.Fileset {
	t.Helper()
	stg := stage.New(store.NewMemory())
	cfg := backup.PipelineConfig{
		Enumerator:      backup.Config{Root: srcRoot},
		Blocks:          blockstore.DefaultConfig(),
		VolumeSize:      1 << 20,
		NamePrefix:      "test",
		PreviousFileset: prev,
	}
	p := backup.NewPipeline(cfg, stg, mgr)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	fs, _, err := p.Run(context.Background(), tx, make(chan struct{}))
	if err != nil {
		t.Fatalf("backup Run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return *fs
}

func verifyAllVolumes(t *testing.T, c *catalog.Catalog, mgr *volume.Manager) {
	t.Helper()
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	uploaded, err := tx.VolumesInState(catalog.StateUploaded)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range uploaded {
		if err := mgr.Verify(tx, v.ID); err != nil {
			t.Fatalf("Verify(%s): %v", v.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestSelectForDeletion(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	filesets := []catalog.Fileset{
		{ID: 1, Timestamp: now.Add(-4 * time.Hour).Unix()},
		{ID: 2, Timestamp: now.Add(-3 * time.Hour).Unix()},
		{ID: 3, Timestamp: now.Add(-2 * time.Hour).Unix()},
		{ID: 4, Timestamp: now.Add(-1 * time.Hour).Unix()},
	}

	doomed := SelectForDeletion(filesets, RetentionPolicy{KeepVersions: 2}, now)
	if len(doomed) != 2 {
		t.Fatalf("expected 2 doomed filesets, got %d", len(doomed))
	}
	for _, fs := range doomed {
		if fs.ID == 3 || fs.ID == 4 {
			t.Errorf("fileset %d should have been kept as one of the 2 most recent", fs.ID)
		}
	}

	kept := SelectForDeletion(filesets, RetentionPolicy{MaxAge: 90 * time.Minute}, now)
	for _, fs := range kept {
		if fs.ID == 4 {
			t.Errorf("fileset 4 is younger than MaxAge and should have been kept")
		}
	}
}

func TestRetireCascadeKeepsSharedBlocksUntilLastReference(t *testing.T) {
	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	backend := store.NewMemory()
	mgr := volume.NewManager(backend)

	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("stable across backups"), 0644); err != nil {
		t.Fatal(err)
	}

	first := runBackup(t, srcRoot, backend, c, mgr, 0)
	second := runBackup(t, srcRoot, backend, c, mgr, first.ID)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	_, files, err := tx.FilesetContents(second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file in second fileset, got %d", len(files))
	}
	blocksetID := files[0].BlocksetID
	entries, err := tx.BlocksetEntries(blocksetID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one block in the file's blockset")
	}
	blockID := entries[0].BlockID
	block, err := tx.GetBlock(blockID)
	if err != nil || block == nil {
		t.Fatalf("GetBlock(%d): %v", blockID, err)
	}

	if err := Retire(tx, first); err != nil {
		t.Fatalf("Retire(first): %v", err)
	}
	referenced, err := tx.IsBlockReferenced(blockID)
	if err != nil {
		t.Fatal(err)
	}
	if !referenced {
		t.Fatal("block still referenced by second fileset's FileLookup should not have been reclaimed")
	}

	if err := Retire(tx, second); err != nil {
		t.Fatalf("Retire(second): %v", err)
	}
	referenced, err = tx.IsBlockReferenced(blockID)
	if err != nil {
		t.Fatal(err)
	}
	if referenced {
		t.Fatal("block should no longer be referenced once both filesets are retired")
	}
	dead, err := tx.DeletedBlocksForVolume(block.VolumeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) == 0 {
		t.Fatal("expected retiring the last reference to record a DeletedBlock entry")
	}
}

func TestReportClassifiesFullyDeadVolume(t *testing.T) {
	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	backend := store.NewMemory()
	mgr := volume.NewManager(backend)

	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("dead volume content"), 0644); err != nil {
		t.Fatal(err)
	}
	runBackup(t, srcRoot, backend, c, mgr, 0)
	verifyAllVolumes(t, c, mgr)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	volumes, err := tx.VolumesInState(catalog.StateVerified)
	if err != nil {
		t.Fatal(err)
	}
	var blockVol *catalog.RemoteVolume
	for i := range volumes {
		if volumes[i].Type == catalog.VolumeBlocks {
			blockVol = &volumes[i]
			break
		}
	}
	if blockVol == nil {
		t.Fatal("expected at least one Blocks volume")
	}

	blocks, err := tx.BlocksInVolume(blockVol.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range blocks {
		if err := tx.RecordDeletedBlock(b.Hash, b.Size, b.VolumeID); err != nil {
			t.Fatal(err)
		}
		if err := tx.DeleteBlock(b.ID); err != nil {
			t.Fatal(err)
		}
	}

	reports, err := Report(tx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, r := range reports {
		if r.Volume.ID != blockVol.ID {
			continue
		}
		found = true
		if r.Class != ClassCleanDelete {
			t.Errorf("expected ClassCleanDelete, got %v", r.Class)
		}
	}
	if !found {
		t.Fatal("expected a report entry for the fully dead volume")
	}
}

func TestCompactorRewritesLiveBlocksAndDeletesSource(t *testing.T) {
	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	backend := store.NewMemory()
	mgr := volume.NewManager(backend)

	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "keep.txt"), []byte("this block survives compaction"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "gone.txt"), []byte("this block gets reclaimed"), 0644); err != nil {
		t.Fatal(err)
	}
	fs := runBackup(t, srcRoot, backend, c, mgr, 0)
	verifyAllVolumes(t, c, mgr)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}

	_, files, err := tx.FilesetContents(fs.ID)
	if err != nil {
		t.Fatal(err)
	}
	var goneBlockset int64
	for _, f := range files {
		if f.Path == "gone.txt" {
			goneBlockset = f.BlocksetID
		}
	}
	if goneBlockset == 0 {
		t.Fatal("could not find gone.txt in fileset contents")
	}
	entries, err := tx.BlocksetEntries(goneBlockset)
	if err != nil {
		t.Fatal(err)
	}
	goneBlock, err := tx.GetBlock(entries[0].BlockID)
	if err != nil || goneBlock == nil {
		t.Fatalf("GetBlock(%d): %v", entries[0].BlockID, err)
	}
	if err := tx.RecordDeletedBlock(goneBlock.Hash, goneBlock.Size, goneBlock.VolumeID); err != nil {
		t.Fatal(err)
	}

	reports, err := Report(tx)
	if err != nil {
		t.Fatal(err)
	}

	stg := stage.New(store.NewMemory())
	compactor := NewCompactor(blockstore.DefaultConfig(), backend, stg, mgr, 1<<20, "test")
	if err := compactor.Run(context.Background(), tx, reports); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()

	destRoot := t.TempDir()
	plan, err := restore.BuildPlan(tx2, fs, destRoot)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	cache := restore.NewVolumeCache(backend, store.NewMemory(), 0)
	resolver := restore.NewBlockResolver(tx2, cache, codec.None{})
	pipeline := restore.NewPipeline(tx2, resolver, nil, 2)

	res := pipeline.Run(plan)
	if len(res.Errors) != 0 {
		t.Fatalf("restore after compaction errors: %v", res.Errors)
	}
	got, err := os.ReadFile(filepath.Join(destRoot, "keep.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "this block survives compaction" {
		t.Errorf("keep.txt content after compaction = %q", got)
	}

	var keepBlockset int64
	for _, f := range files {
		if f.Path == "keep.txt" {
			keepBlockset = f.BlocksetID
		}
	}
	if keepBlockset == 0 {
		t.Fatal("could not find keep.txt in fileset contents")
	}
	keepEntries, err := tx2.BlocksetEntries(keepBlockset)
	if err != nil {
		t.Fatal(err)
	}
	keepBlock, err := tx2.GetBlock(keepEntries[0].BlockID)
	if err != nil || keepBlock == nil {
		t.Fatalf("GetBlock(%d): %v", keepEntries[0].BlockID, err)
	}
	vol, err := tx2.GetVolume(keepBlock.VolumeID)
	if err != nil || vol == nil {
		t.Fatalf("GetVolume(%d): %v", keepBlock.VolumeID, err)
	}
	if vol.State == catalog.StateDeleted {
		t.Error("keep.txt's block should have been reassigned off the deleted source volume")
	}
	dups, err := tx2.DuplicatesOf(keepBlock.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dups) != 0 {
		t.Errorf("expected the consumed DuplicateBlock row to be removed, found %v", dups)
	}
}
