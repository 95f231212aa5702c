package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/volume"
)

func newTestPipeline(t *testing.T, root string) (*catalog.Catalog, *Pipeline) {
	t.Helper()
	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	mgr := volume.NewManager(store.NewMemory())
	stg := stage.New(store.NewMemory())

	cfg := PipelineConfig{
		Enumerator: Config{Root: root},
		Blocks:     blockstore.DefaultConfig(),
		VolumeSize: 1 << 20,
		NamePrefix: "test",
	}
	return c, NewPipeline(cfg, stg, mgr)
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("goodbye world"), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestPipelineRunProducesFileset(t *testing.T) {
	root := writeTree(t)
	c, p := newTestPipeline(t, root)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	stop := make(chan struct{})
	fs, progress, err := p.Run(context.Background(), tx, stop)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fs.VolumeID == 0 {
		t.Errorf("expected fileset to reference an uploaded dlist volume")
	}
	if fs.IsPartial {
		t.Errorf("expected a completed run to not be partial")
	}
	if progress.FilesProcessed != 2 {
		t.Errorf("expected 2 files processed, got %d", progress.FilesProcessed)
	}
	if len(progress.Errors) != 0 {
		t.Errorf("unexpected errors: %v", progress.Errors)
	}
}

func TestPipelineRunDedupsIdenticalContent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("same content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("same content"), 0644); err != nil {
		t.Fatal(err)
	}
	c, p := newTestPipeline(t, root)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	_, progress, err := p.Run(context.Background(), tx, make(chan struct{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if progress.NewBlocks != 1 {
		t.Errorf("expected identical file contents to dedup to 1 new block, got %d", progress.NewBlocks)
	}
}

func TestPipelineRunCancelledMarksPartial(t *testing.T) {
	root := writeTree(t)
	c, p := newTestPipeline(t, root)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	stop := make(chan struct{})
	close(stop) // cancel immediately, before any entry is enumerated

	fs, _, err := p.Run(context.Background(), tx, stop)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !fs.IsPartial {
		t.Errorf("expected a cancelled run to be marked partial")
	}
}

func TestPipelineRunInheritsUnchangedFiles(t *testing.T) {
	root := writeTree(t)
	c, p := newTestPipeline(t, root)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	first, _, err := p.Run(context.Background(), tx, make(chan struct{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()

	p.cfg.PreviousFileset = first.ID
	_, progress, err := p.Run(context.Background(), tx2, make(chan struct{}))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if progress.NewBlocks != 0 {
		t.Errorf("expected second run over unchanged files to add no new blocks, got %d", progress.NewBlocks)
	}
}
