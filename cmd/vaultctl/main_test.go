package main

import (
	"testing"
	"time"

	"github.com/ndlib/vaultkeep/catalog"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFindLastFilesetEmpty(t *testing.T) {
	c := newTestCatalog(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	id, err := findLastFileset(tx)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Errorf("expected 0 for an empty catalog, got %d", id)
	}
}

func TestFindLastFilesetPicksMostRecent(t *testing.T) {
	c := newTestCatalog(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	older, err := tx.CreateFileset(0, time.Now().Add(-time.Hour).Unix(), true)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := tx.CreateFileset(0, time.Now().Unix(), false)
	if err != nil {
		t.Fatal(err)
	}

	id, err := findLastFileset(tx)
	if err != nil {
		t.Fatal(err)
	}
	if id != newer {
		t.Errorf("expected most recent fileset %d, got %d (older was %d)", newer, id, older)
	}
}

func TestResolveFilesetLatest(t *testing.T) {
	c := newTestCatalog(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	_, err = tx.CreateFileset(0, time.Now().Add(-time.Hour).Unix(), true)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := tx.CreateFileset(0, time.Now().Unix(), false)
	if err != nil {
		t.Fatal(err)
	}

	fs, err := resolveFileset(tx, "latest")
	if err != nil {
		t.Fatal(err)
	}
	if fs.ID != newer {
		t.Errorf("expected %d, got %d", newer, fs.ID)
	}
}

func TestResolveFilesetNoneFound(t *testing.T) {
	c := newTestCatalog(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	if _, err := resolveFileset(tx, "latest"); err == nil {
		t.Error("expected an error when the catalog has no filesets")
	}
}
