package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/oplock"
	"github.com/ndlib/vaultkeep/store"
)

func testServer(t *testing.T) *Server {
	cat, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Server{
		Catalog: cat,
		Locks:   oplock.New(store.NewMemory()),
	}
}

func TestHealthzOK(t *testing.T) {
	s := testServer(t)
	defer s.Catalog.Close()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.addRoutes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestStatusUnlocked(t *testing.T) {
	s := testServer(t)
	defer s.Catalog.Close()

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	s.addRoutes().ServeHTTP(w, req)

	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["locked"] != false {
		t.Errorf("locked = %v, want false", got["locked"])
	}
}

func TestStatusLocked(t *testing.T) {
	s := testServer(t)
	defer s.Catalog.Close()

	if _, err := s.Locks.Acquire(oplock.OpBackup, "host-a"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	s.addRoutes().ServeHTTP(w, req)

	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["locked"] != true {
		t.Errorf("locked = %v, want true", got["locked"])
	}
	if got["operation"] != string(oplock.OpBackup) {
		t.Errorf("operation = %v, want backup", got["operation"])
	}
}

func TestCatalogStatsReportsFilesetCount(t *testing.T) {
	s := testServer(t)
	defer s.Catalog.Close()

	req := httptest.NewRequest("GET", "/catalog/stats", nil)
	w := httptest.NewRecorder()
	s.addRoutes().ServeHTTP(w, req)

	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["fileset_count"]; !ok {
		t.Errorf("expected fileset_count key, got %v", got)
	}
}
