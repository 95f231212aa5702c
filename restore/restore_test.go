package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/codec"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/volume"
)

func runBackup(t *testing.T, srcRoot string) (*catalog.Catalog, catalog.Fileset, store.Store) {
	t.Helper()
	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	backend := store.NewMemory()
	mgr := volume.NewManager(backend)
	stg := stage.New(store.NewMemory())

	cfg := backup.PipelineConfig{
		Enumerator: backup.Config{Root: srcRoot},
		Blocks:     blockstore.DefaultConfig(),
		VolumeSize: 1 << 20,
		NamePrefix: "test",
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
	return c, *fs, backend
}

func TestRestoreRecreatesFiles(t *testing.T) {
	srcRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcRoot, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "sub", "b.txt"), []byte("goodbye world"), 0644); err != nil {
		t.Fatal(err)
	}

	c, fs, backend := runBackup(t, srcRoot)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	destRoot := t.TempDir()
	plan, err := BuildPlan(tx, fs, destRoot)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	cache := NewVolumeCache(backend, store.NewMemory(), 0)
	resolver := NewBlockResolver(tx, cache, codec.None{})
	pipeline := NewPipeline(tx, resolver, nil, 2)

	res := pipeline.Run(plan)
	if len(res.Errors) != 0 {
		t.Fatalf("restore errors: %v", res.Errors)
	}
	if res.Recreated != 2 {
		t.Errorf("expected 2 files recreated, got %d", res.Recreated)
	}

	got, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("a.txt content = %q", got)
	}
	got, err = os.ReadFile(filepath.Join(destRoot, "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "goodbye world" {
		t.Errorf("sub/b.txt content = %q", got)
	}
}

func TestRestoreReusesExistingIdenticalFile(t *testing.T) {
	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("stable content"), 0644); err != nil {
		t.Fatal(err)
	}

	c, fs, backend := runBackup(t, srcRoot)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	destRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(destRoot, "a.txt"), []byte("stable content"), 0644); err != nil {
		t.Fatal(err)
	}

	plan, err := BuildPlan(tx, fs, destRoot)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	cache := NewVolumeCache(backend, store.NewMemory(), 0)
	resolver := NewBlockResolver(tx, cache, codec.None{})
	reuse := NewReuseIndex(tx, destRoot)
	pipeline := NewPipeline(tx, resolver, reuse, 2)

	res := pipeline.Run(plan)
	if len(res.Errors) != 0 {
		t.Fatalf("restore errors: %v", res.Errors)
	}
	if res.Reused != 1 {
		t.Errorf("expected 1 file reused, got %d (recreated %d)", res.Reused, res.Recreated)
	}
}

func TestRestoreSequentialRecreatesFiles(t *testing.T) {
	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("hello sequential"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "b.txt"), []byte("goodbye sequential"), 0644); err != nil {
		t.Fatal(err)
	}

	c, fs, backend := runBackup(t, srcRoot)

	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	destRoot := t.TempDir()
	plan, err := BuildPlan(tx, fs, destRoot)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	cache := NewVolumeCache(backend, store.NewMemory(), 0)
	resolver := NewBlockResolver(tx, cache, codec.None{})
	pipeline := NewPipeline(tx, resolver, nil, 2)

	res := pipeline.RunSequential(plan)
	if len(res.Errors) != 0 {
		t.Fatalf("restore errors: %v", res.Errors)
	}
	if res.Recreated != 2 {
		t.Errorf("expected 2 files recreated, got %d", res.Recreated)
	}

	got, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello sequential" {
		t.Errorf("a.txt content = %q", got)
	}
}
