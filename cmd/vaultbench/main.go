// Command vaultbench drives repeated backup/restore cycles against a
// synthetic source tree to load-test one destination. Parameters:
//
//	n - number of concurrent worker goroutines. Default 8.
//	cycles - number of backup/restore cycles per worker. Default 5.
//	files - number of files generated per source tree. Default 50.
//	z - max file size in MB. Default 8.
//
// Grounded on cmd/bstress/bstress.go's goroutine-per-worker-gated-by-
// util.Gate shape and its sync.Pool chunk generator, redirected from
// HTTP upload calls onto the in-process backup.Pipeline/restore.Pipeline
// this module carries instead of an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/codec"
	"github.com/ndlib/vaultkeep/internal/locate"
	"github.com/ndlib/vaultkeep/restore"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/util"
	"github.com/ndlib/vaultkeep/volume"
)

var (
	numWorkers = flag.Int("n", 8, "number of concurrent workers")
	numCycles  = flag.Int("cycles", 5, "backup/restore cycles per worker")
	numFiles   = flag.Int("files", 50, "files per generated source tree")
	maxSizeMB  = flag.Int("z", 8, "max generated file size in MB")
	location   = flag.String("dest", "", "destination URL, empty for an in-memory store")
)

func main() {
	flag.Parse()

	backend, err := locate.Location(*location)
	if err != nil {
		log.Fatal(err)
	}

	workdir, err := os.MkdirTemp("", "vaultbench-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(workdir)

	catPath := filepath.Join(workdir, "catalog")
	cat, err := catalog.Open(catPath, log.Default())
	if err != nil {
		log.Fatal(err)
	}
	defer cat.Close()

	var (
		totalBytes int64
		totalFiles int64
		errCount   int64
	)

	gate := util.NewGate(*numWorkers)
	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *numWorkers; i++ {
		wid := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Enter()
			defer gate.Leave()
			runWorker(wid, workdir, backend, cat, *numCycles, &totalBytes, &totalFiles, &errCount)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	mb := float64(totalBytes) / 1e6
	fmt.Printf("workers=%d cycles=%d files=%d bytes=%d (%.1f MB) errors=%d elapsed=%v throughput=%.2f MB/s\n",
		*numWorkers, *numCycles, totalFiles, totalBytes, mb, errCount, elapsed, mb/elapsed.Seconds())
}

func runWorker(wid int, workdir string, backend store.Store, cat *catalog.Catalog, cycles int, totalBytes, totalFiles, errCount *int64) {
	mgr := volume.NewManager(backend)
	stg := stage.New(store.NewFileSystem(filepath.Join(workdir, fmt.Sprintf("stage%d", wid))))

	srcRoot := filepath.Join(workdir, fmt.Sprintf("src%d", wid))
	var prevFileset int64

	for c := 0; c < cycles; c++ {
		n, size, err := generateTree(srcRoot, *numFiles, *maxSizeMB)
		if err != nil {
			log.Printf("worker %d: generating tree: %v", wid, err)
			atomic.AddInt64(errCount, 1)
			continue
		}

		tx, err := cat.Begin()
		if err != nil {
			log.Printf("worker %d: begin: %v", wid, err)
			atomic.AddInt64(errCount, 1)
			continue
		}

		pcfg := backup.PipelineConfig{
			Enumerator: backup.Config{
				Root:      srcRoot,
				Blacklist: backup.DefaultBlacklist,
			},
			Blocks:          blockstore.DefaultConfig(),
			VolumeSize:      1 << 28,
			NamePrefix:      fmt.Sprintf("bench%d", wid),
			Concurrency:     2,
			IsFullBackup:    prevFileset == 0,
			PreviousFileset: prevFileset,
		}
		p := backup.NewPipeline(pcfg, stg, mgr)
		stop := make(chan struct{})
		fs, progress, err := p.Run(context.Background(), tx, stop)
		if err != nil {
			log.Printf("worker %d: backup: %v", wid, err)
			tx.Rollback()
			atomic.AddInt64(errCount, 1)
			continue
		}
		if err := tx.Commit(); err != nil {
			log.Printf("worker %d: commit: %v", wid, err)
			atomic.AddInt64(errCount, 1)
			continue
		}
		prevFileset = fs.ID
		atomic.AddInt64(totalFiles, int64(n))
		atomic.AddInt64(totalBytes, size)
		if len(progress.Errors) > 0 {
			log.Printf("worker %d: backup warnings: %v", wid, progress.Errors)
		}

		if err := restoreCycle(cat, backend, fs.ID, filepath.Join(workdir, fmt.Sprintf("dest%d-%d", wid, c))); err != nil {
			log.Printf("worker %d: restore: %v", wid, err)
			atomic.AddInt64(errCount, 1)
		}
	}
}

func restoreCycle(cat *catalog.Catalog, backend store.Store, filesetID int64, dest string) error {
	tx, err := cat.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fileset, err := findFileset(tx, filesetID)
	if err != nil {
		return err
	}
	plan, err := restore.BuildPlan(tx, fileset, dest)
	if err != nil {
		return err
	}
	cache := restore.NewVolumeCache(backend, store.NewFileSystem(os.TempDir()), 1<<28)
	resolver := restore.NewBlockResolver(tx, cache, codec.None{})
	pipeline := restore.NewPipeline(tx, resolver, nil, 2)
	res := pipeline.Run(plan)
	if len(res.Errors) > 0 {
		return res.Errors[0]
	}
	return nil
}

func findFileset(tx *catalog.Tx, id int64) (catalog.Fileset, error) {
	sets, err := tx.ListFilesets()
	if err != nil {
		return catalog.Fileset{}, err
	}
	for _, s := range sets {
		if s.ID == id {
			return s, nil
		}
	}
	return catalog.Fileset{}, fmt.Errorf("fileset %d not found", id)
}

// generateTree writes n random files of up to maxSizeMB megabytes under
// root, returning the file count and total bytes written.
func generateTree(root string, n, maxSizeMB int) (int, int64, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return 0, 0, err
	}
	var total int64
	for i := 0; i < n; i++ {
		name := filepath.Join(root, fmt.Sprintf("file%04d.bin", i))
		size := int64(rand.Intn(maxSizeMB*1000000) + 1)
		if err := writeRandomFile(name, size); err != nil {
			return i, total, err
		}
		total += size
	}
	return n, total, nil
}

func writeRandomFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chunk := chunkPool.Get().(*chunk)
	defer chunkPool.Put(chunk)

	remaining := size
	for remaining > 0 {
		n := int64(len(chunk.data))
		if n > remaining {
			n = remaining
		}
		if _, err := f.Write(chunk.data[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

type chunk struct {
	data []byte
}

const chunkSize = 1 << 16

var chunkPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, chunkSize)
		start := byte(rand.Intn(256))
		for i := range b {
			b[i] = start
			start++
		}
		return &chunk{data: b}
	},
}
