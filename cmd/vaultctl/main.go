// Command vaultctl is the operator CLI: it invokes the operation entry
// points of spec.md 6 (backup, restore, delete, compact, repair, list,
// test, list-broken, purge-broken-files, list-affected) against one
// destination. Grounded on cmd/bendo/main.go's flag-then-dispatch shape
// and cmd/butil/main.go's "args[0] selects a subcommand" pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ndlib/vaultkeep/backup"
	"github.com/ndlib/vaultkeep/blockstore"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/codec"
	"github.com/ndlib/vaultkeep/compact"
	"github.com/ndlib/vaultkeep/config"
	"github.com/ndlib/vaultkeep/internal/locate"
	"github.com/ndlib/vaultkeep/oplock"
	"github.com/ndlib/vaultkeep/repair"
	"github.com/ndlib/vaultkeep/restore"
	"github.com/ndlib/vaultkeep/stage"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/vaulterr"
	"github.com/ndlib/vaultkeep/volume"
)

const usage = `vaultctl -c <config.toml> <command> [arguments]

Commands:
    backup <source dir>
    restore <fileset timestamp | "latest"> <dest dir>
    delete
    compact
    repair
    list
    test [sample count]
    list-broken
    purge-broken-files
    list-affected <path> [path...]
`

var configPath = flag.String("c", "vaultkeep.toml", "path to the destination's config.toml")

// exit codes per spec.md 6.
const (
	exitSuccess  = 0
	exitWarnings = 1
	exitErrors   = 2
	exitFatal    = 3
	exitCancel   = 50
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Print(usage)
		os.Exit(exitErrors)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("using defaults, could not read %s: %v", *configPath, err)
		cfg = config.Default()
	}

	backend, err := locate.Location(cfg.Destination)
	if err != nil {
		log.Fatal(err)
	}

	cat, err := catalog.Open(locate.CatalogPath(cfg.CatalogPath), log.Default())
	if err != nil {
		log.Fatal(err)
	}
	defer cat.Close()

	host, _ := os.Hostname()
	locks := oplock.New(backend)

	app := &app{cfg: cfg, backend: backend, catalog: cat, locks: locks, host: host}

	var code int
	switch args[0] {
	case "backup":
		code = app.backup(args[1:])
	case "restore":
		code = app.restore(args[1:])
	case "delete":
		code = app.delete(args[1:])
	case "compact":
		code = app.compact(args[1:])
	case "repair":
		code = app.repair(args[1:])
	case "list":
		code = app.list(args[1:])
	case "test":
		code = app.test(args[1:])
	case "list-broken":
		code = app.listBroken(args[1:])
	case "purge-broken-files":
		code = app.purgeBrokenFiles(args[1:])
	case "list-affected":
		code = app.listAffected(args[1:])
	default:
		fmt.Print(usage)
		code = exitErrors
	}
	os.Exit(code)
}

// app bundles the wiring every subcommand needs, matching
// cmd/butil/main.go's pattern of building one items.Store and passing it
// to each docommand function, generalized to this module's richer set of
// collaborators.
type app struct {
	cfg     config.Config
	backend store.Store
	catalog *catalog.Catalog
	locks   *oplock.Registry
	host    string
}

func (a *app) withLock(op oplock.Operation, fn func() int) int {
	handle, err := a.locks.Acquire(op, a.host)
	if err != nil {
		log.Printf("could not acquire %s lock: %v", op, err)
		return exitErrors
	}
	defer handle.Release()
	return fn()
}

func reportErr(err error) int {
	if err == nil {
		return exitSuccess
	}
	log.Print(err)
	switch vaulterr.KindOf(err) {
	case vaulterr.Cancelled:
		return exitCancel
	case vaulterr.DatabaseConsistency:
		return exitFatal
	default:
		return exitErrors
	}
}

func (a *app) backup(args []string) int {
	if len(args) < 1 {
		fmt.Println("usage: vaultctl backup <source dir>")
		return exitErrors
	}
	return a.withLock(oplock.OpBackup, func() int {
		mgr := volume.NewManager(a.backend)
		stg := stage.New(store.NewFileSystem(os.TempDir()))

		tx, err := a.catalog.Begin()
		if err != nil {
			return reportErr(err)
		}
		defer tx.Rollback()

		prevID, err := findLastFileset(tx)
		if err != nil {
			return reportErr(err)
		}

		pcfg := backup.PipelineConfig{
			Enumerator: backup.Config{
				Root:           args[0],
				SymlinkPolicy:  a.cfg.SymlinkPolicyValue(),
				HardlinkPolicy: a.cfg.HardlinkPolicyValue(),
				Blacklist:      backup.DefaultBlacklist,
			},
			Blocks:          a.cfg.BlockstoreConfig(),
			VolumeSize:      a.cfg.VolumeSize,
			NamePrefix:      a.cfg.NamePrefix,
			Concurrency:     a.cfg.ConcurrencyFileProcessors,
			IsFullBackup:    prevID == 0,
			PreviousFileset: prevID,
		}

		p := backup.NewPipeline(pcfg, stg, mgr)
		stop := make(chan struct{})
		fs, progress, err := p.Run(context.Background(), tx, stop)
		if err != nil {
			return reportErr(err)
		}
		if err := tx.Commit(); err != nil {
			return reportErr(err)
		}
		log.Printf("backup complete: fileset %d, %d files processed, %d new blocks, %d bytes read",
			fs.ID, progress.FilesProcessed, progress.NewBlocks, progress.BytesRead)
		if len(progress.Errors) > 0 {
			for _, e := range progress.Errors {
				log.Println("warning:", e)
			}
			return exitWarnings
		}
		return exitSuccess
	})
}

func findLastFileset(tx *catalog.Tx) (id int64, err error) {
	sets, err := tx.ListFilesets()
	if err != nil {
		return 0, err
	}
	if len(sets) == 0 {
		return 0, nil
	}
	last := sets[0]
	for _, s := range sets[1:] {
		if s.Timestamp > last.Timestamp {
			last = s
		}
	}
	return last.ID, nil
}

func (a *app) restore(args []string) int {
	if len(args) < 2 {
		fmt.Println(`usage: vaultctl restore <timestamp | "latest"> <dest dir>`)
		return exitErrors
	}
	return a.withLock(oplock.OpRestore, func() int {
		tx, err := a.catalog.Begin()
		if err != nil {
			return reportErr(err)
		}
		defer tx.Rollback()

		fileset, err := resolveFileset(tx, args[0])
		if err != nil {
			return reportErr(err)
		}

		plan, err := restore.BuildPlan(tx, fileset, args[1])
		if err != nil {
			return reportErr(err)
		}
		cache := restore.NewVolumeCache(a.backend, store.NewFileSystem(os.TempDir()), 1<<30)
		resolver := restore.NewBlockResolver(tx, cache, codec.None{})
		var reuse *restore.ReuseIndex
		if a.cfg.UseLocalBlocks {
			reuse = restore.NewReuseIndex(tx, args[1])
		}
		conc := a.cfg.ConcurrencyDownloaders
		if conc == 0 {
			conc = 4
		}
		pipeline := restore.NewPipeline(tx, resolver, reuse, conc)

		var res *restore.Result
		if a.cfg.RestoreLegacy {
			res = pipeline.RunSequential(plan)
		} else {
			res = pipeline.Run(plan)
		}
		log.Printf("restore complete: %d files recreated, %d reused", res.Recreated, res.Reused)
		for _, e := range res.Errors {
			log.Println("error:", e)
		}
		if err := tx.Commit(); err != nil {
			return reportErr(err)
		}
		if len(res.Errors) > 0 {
			return exitErrors
		}
		return exitSuccess
	})
}

func resolveFileset(tx *catalog.Tx, arg string) (catalog.Fileset, error) {
	sets, err := tx.ListFilesets()
	if err != nil {
		return catalog.Fileset{}, err
	}
	if len(sets) == 0 {
		return catalog.Fileset{}, fmt.Errorf("no filesets in catalog")
	}
	if arg == "latest" {
		best := sets[0]
		for _, s := range sets[1:] {
			if s.Timestamp > best.Timestamp {
				best = s
			}
		}
		return best, nil
	}
	ts, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return catalog.Fileset{}, fmt.Errorf("parsing timestamp %q: %w", arg, err)
	}
	for _, s := range sets {
		if s.Timestamp == ts.Unix() {
			return s, nil
		}
	}
	return catalog.Fileset{}, fmt.Errorf("no fileset at timestamp %q", arg)
}

func (a *app) delete(args []string) int {
	return a.withLock(oplock.OpDelete, func() int {
		tx, err := a.catalog.Begin()
		if err != nil {
			return reportErr(err)
		}
		defer tx.Rollback()

		sets, err := tx.ListFilesets()
		if err != nil {
			return reportErr(err)
		}
		doomed := compact.SelectForDeletion(sets, a.cfg.RetentionPolicy(), time.Now())
		for _, fs := range doomed {
			log.Printf("retiring fileset %d (%s)", fs.ID, fs.Time())
			if a.cfg.DryRun {
				continue
			}
			if err := compact.Retire(tx, fs); err != nil {
				return reportErr(err)
			}
		}
		if a.cfg.DryRun {
			return exitSuccess
		}
		if err := tx.Commit(); err != nil {
			return reportErr(err)
		}
		log.Printf("retired %d fileset(s)", len(doomed))
		return exitSuccess
	})
}

func (a *app) compact(args []string) int {
	return a.withLock(oplock.OpCompact, func() int {
		tx, err := a.catalog.Begin()
		if err != nil {
			return reportErr(err)
		}
		defer tx.Rollback()

		reports, err := compact.Report(tx)
		if err != nil {
			return reportErr(err)
		}
		var toCompact []compact.VolumeReport
		for _, r := range reports {
			if r.Class != compact.ClassOK {
				toCompact = append(toCompact, r)
			}
		}
		log.Printf("%d of %d volumes need compaction", len(toCompact), len(reports))
		if a.cfg.DryRun || len(toCompact) == 0 {
			return exitSuccess
		}

		mgr := volume.NewManager(a.backend)
		stg := stage.New(store.NewFileSystem(os.TempDir()))
		c := compact.NewCompactor(a.cfg.BlockstoreConfig(), a.backend, stg, mgr, a.cfg.VolumeSize, a.cfg.NamePrefix)
		if err := c.Run(context.Background(), tx, toCompact); err != nil {
			return reportErr(err)
		}
		if err := tx.Commit(); err != nil {
			return reportErr(err)
		}
		return exitSuccess
	})
}

func (a *app) repair(args []string) int {
	return a.withLock(oplock.OpRepair, func() int {
		tx, err := a.catalog.Begin()
		if err != nil {
			return reportErr(err)
		}
		defer tx.Rollback()

		res, err := repair.Recreate(context.Background(), tx, a.backend)
		if err != nil {
			return reportErr(err)
		}
		if err := tx.Commit(); err != nil {
			return reportErr(err)
		}
		log.Printf("repair complete: %d volumes, %d filesets recreated", res.VolumesRecreated, res.FilesetsRecreated)
		for _, w := range res.Warnings {
			log.Println("warning:", w)
		}
		if len(res.Warnings) > 0 {
			return exitWarnings
		}
		return exitSuccess
	})
}

func (a *app) list(args []string) int {
	tx, err := a.catalog.BeginRead()
	if err != nil {
		return reportErr(err)
	}
	defer tx.Rollback()

	sets, err := tx.ListFilesets()
	if err != nil {
		return reportErr(err)
	}
	for _, fs := range sets {
		kind := "incremental"
		if fs.IsFullBackup {
			kind = "full"
		}
		if fs.IsPartial {
			kind += ", partial"
		}
		fmt.Printf("%d\t%s\t%s\n", fs.ID, fs.Time().Format(time.RFC3339), kind)
	}
	return exitSuccess
}

// test implements spec.md 6's test(samples) entry point: verify_consistency
// plus an evenly spaced sample of blocks re-downloaded and re-hashed, per testable
// property 3 (block_hash(bytes_of(b)) == b.hash).
func (a *app) test(args []string) int {
	samples := 20
	if len(args) > 0 {
		fmt.Sscanf(args[0], "%d", &samples)
	}
	tx, err := a.catalog.BeginRead()
	if err != nil {
		return reportErr(err)
	}
	defer tx.Rollback()

	errs, err := tx.VerifyConsistency(a.cfg.BlockSize, blockstore.HashSize, false)
	if err != nil {
		return reportErr(err)
	}
	for _, e := range errs {
		log.Println(e)
	}

	broken, err := sampleBrokenBlocks(tx, a.backend, a.cfg.BlockstoreConfig(), samples)
	if err != nil {
		return reportErr(err)
	}
	for _, b := range broken {
		log.Printf("block %d (%s): %v", b.block.ID, b.block.Hash, b.err)
	}

	if len(errs) > 0 || len(broken) > 0 {
		return exitWarnings
	}
	return exitSuccess
}

func (a *app) listBroken(args []string) int {
	tx, err := a.catalog.BeginRead()
	if err != nil {
		return reportErr(err)
	}
	defer tx.Rollback()

	broken, err := sampleBrokenBlocks(tx, a.backend, a.cfg.BlockstoreConfig(), 0) // 0 means "all"
	if err != nil {
		return reportErr(err)
	}
	for _, b := range broken {
		fmt.Printf("block %d\t%s\t%v\n", b.block.ID, b.block.Hash, b.err)
	}
	return exitSuccess
}

// purgeBrokenFiles retires any Fileset containing a file whose blockset
// transitively references a block that failed integrity verification.
// There is no persisted BrokenFile catalog entity (see DESIGN.md); broken
// blocks are rediscovered each run the same way listBroken finds them.
func (a *app) purgeBrokenFiles(args []string) int {
	return a.withLock(oplock.OpDelete, func() int {
		tx, err := a.catalog.Begin()
		if err != nil {
			return reportErr(err)
		}
		defer tx.Rollback()

		broken, err := sampleBrokenBlocks(tx, a.backend, a.cfg.BlockstoreConfig(), 0)
		if err != nil {
			return reportErr(err)
		}
		if len(broken) == 0 {
			log.Println("no broken blocks found")
			return exitSuccess
		}
		affected, err := filesetsReferencingBlocks(tx, broken)
		if err != nil {
			return reportErr(err)
		}
		for _, fs := range affected {
			log.Printf("retiring fileset %d: references a broken block", fs.ID)
			if a.cfg.DryRun {
				continue
			}
			if err := compact.Retire(tx, fs); err != nil {
				return reportErr(err)
			}
		}
		if a.cfg.DryRun {
			return exitSuccess
		}
		return reportErr(tx.Commit())
	})
}

// listAffected reports which filesets a set of source paths appear in,
// across every version in the catalog.
func (a *app) listAffected(args []string) int {
	if len(args) == 0 {
		fmt.Println("usage: vaultctl list-affected <path> [path...]")
		return exitErrors
	}
	tx, err := a.catalog.BeginRead()
	if err != nil {
		return reportErr(err)
	}
	defer tx.Rollback()

	sets, err := tx.ListFilesets()
	if err != nil {
		return reportErr(err)
	}
	for _, fs := range sets {
		_, files, err := tx.FilesetContents(fs.ID)
		if err != nil {
			return reportErr(err)
		}
		for _, want := range args {
			for _, f := range files {
				if f.Path == want {
					fmt.Printf("%s\tfileset %d\t%s\n", want, fs.ID, fs.Time().Format(time.RFC3339))
				}
			}
		}
	}
	return exitSuccess
}
