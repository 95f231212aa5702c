// Package statusapi implements the one HTTP surface this system carries:
// read-only operator observability (spec.md 4.11). It is explicitly not
// an operation entry point - those are CLI-equivalent per spec.md 6 - and
// carries no item CRUD, upload, or transaction routes, unlike the
// teacher's server.RESTServer which it is otherwise grounded on
// (httprouter construction, facebookgo/httpdown graceful shutdown,
// request logging wrapper).
package statusapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/oplock"
)

// StatsProvider supplies the catalog/wasted-space summary served at
// /catalog/stats. Nothing in this module implements it; Server works fine
// with it left nil (the endpoint then omits the compaction_report key).
type StatsProvider interface {
	CatalogStats() interface{}
}

// Server serves the status surface for one destination.
type Server struct {
	// PortNumber the server listens on.
	PortNumber string

	// Catalog is used to answer /catalog/stats fileset counts.
	Catalog *catalog.Catalog

	// Locks reports the destination's current operation lock, if any.
	Locks *oplock.Registry

	// Stats optionally supplies the latest compaction report. May be nil.
	Stats StatsProvider

	server httpdown.Server
}

// Run starts the server and blocks until Stop is called or the listener
// fails.
func (s *Server) Run() error {
	log.Printf("Listening on %s", s.PortNumber)
	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		return err
	}
	return s.server.Wait()
}

// Stop gracefully shuts down the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	return s.server.Stop()
}

func (s *Server) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/", s.welcomeHandler},
		{"GET", "/status", s.statusHandler},
		{"GET", "/catalog/stats", s.catalogStatsHandler},
		{"GET", "/healthz", s.healthzHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

func (s *Server) welcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Write([]byte("vaultkeep status server\n"))
}

// statusHandler reports the destination's current operation lock, if
// any is held.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.Locks == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"locked": false})
		return
	}
	lock, err := s.Locks.Current()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if lock == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"locked": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"locked":    true,
		"operation": lock.Operation,
		"host":      lock.Host,
		"acquired":  lock.Acquired,
	})
}

// catalogStatsHandler reports fileset counts and, when available, the
// most recent compaction report's wasted-space summary.
func (s *Server) catalogStatsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out := map[string]interface{}{}

	if s.Catalog != nil {
		tx, err := s.Catalog.BeginRead()
		if err == nil {
			defer tx.Rollback()
			filesets, err := tx.ListFilesets()
			if err == nil {
				out["fileset_count"] = len(filesets)
			}
		}
	}
	if s.Stats != nil {
		out["compaction_report"] = s.Stats.CatalogStats()
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Catalog == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no catalog\n"))
		return
	}
	w.Write([]byte("ok\n"))
}

func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
