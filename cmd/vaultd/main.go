// Command vaultd serves the read-only status/health surface (spec.md
// 4.11) for one destination: fileset counts and the current operation
// lock. It sets no statusapi.StatsProvider, so no compaction report is
// served. It is not an operation entry
// point in its own right - those all run through vaultctl - matching
// cmd/bendo/main.go's minimal flag-then-serve shape, generalized from
// bendo's full item CRUD+transaction API surface to this system's
// narrower observability-only one.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/config"
	"github.com/ndlib/vaultkeep/internal/locate"
	"github.com/ndlib/vaultkeep/oplock"
	"github.com/ndlib/vaultkeep/statusapi"
)

var configPath = flag.String("c", "vaultkeep.toml", "path to the destination's config.toml")

func main() {
	flag.Parse()

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

	srv := &statusapi.Server{
		PortNumber: cfg.StatusPort,
		Catalog:    cat,
		Locks:      oplock.New(backend),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Run()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			log.Fatal(err)
		}
	case <-sigc:
		log.Println("shutting down")
		if err := srv.Stop(); err != nil {
			log.Println("error during shutdown:", err)
		}
	}
}
