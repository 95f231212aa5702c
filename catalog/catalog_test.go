package catalog

import (
	"testing"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open("memory", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRegisterBlockIdempotent(t *testing.T) {
	c := openTest(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	volID, err := tx.CreateRemoteVolume("backup-0001.dblock", VolumeBlocks)
	if err != nil {
		t.Fatal(err)
	}

	id1, isNew1, err := tx.RegisterBlock("abc123", 1024, volID)
	if err != nil {
		t.Fatal(err)
	}
	if !isNew1 {
		t.Errorf("expected first registration to be new")
	}

	id2, isNew2, err := tx.RegisterBlock("abc123", 1024, volID)
	if err != nil {
		t.Fatal(err)
	}
	if isNew2 {
		t.Errorf("expected second registration to be a dedup hit")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}
}

func TestRegisterBlocksetIdempotent(t *testing.T) {
	c := openTest(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	volID, _ := tx.CreateRemoteVolume("backup-0001.dblock", VolumeBlocks)
	b1, _, _ := tx.RegisterBlock("h1", 10, volID)
	b2, _, _ := tx.RegisterBlock("h2", 10, volID)

	bs1, err := tx.RegisterBlockset("fullhash", 20, []int64{b1, b2})
	if err != nil {
		t.Fatal(err)
	}
	bs2, err := tx.RegisterBlockset("fullhash", 20, []int64{b1, b2})
	if err != nil {
		t.Fatal(err)
	}
	if bs1 != bs2 {
		t.Errorf("expected idempotent blockset registration, got %d and %d", bs1, bs2)
	}

	entries, err := tx.BlocksetEntries(bs1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].BlockID != b1 || entries[1].BlockID != b2 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestCreateFilesetTimestampCollision(t *testing.T) {
	c := openTest(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	volID, _ := tx.CreateRemoteVolume("backup-0001.dlist", VolumeFiles)

	id1, err := tx.CreateFileset(volID, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := tx.CreateFileset(volID, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Errorf("expected distinct fileset ids")
	}

	filesets, err := tx.ListFilesets()
	if err != nil {
		t.Fatal(err)
	}
	if len(filesets) != 2 {
		t.Fatalf("expected 2 filesets, got %d", len(filesets))
	}
	if filesets[0].Timestamp != 1001 {
		t.Errorf("expected the second fileset to have been bumped to 1001, got %d", filesets[0].Timestamp)
	}
}

func TestAddFileAndChangeStatistics(t *testing.T) {
	c := openTest(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	volID, _ := tx.CreateRemoteVolume("backup-0001.dlist", VolumeFiles)
	fs1, _ := tx.CreateFileset(volID, 1000, true)
	fs2, _ := tx.CreateFileset(volID, 2000, false)

	blockID, _, _ := tx.RegisterBlock("h1", 10, 1)
	bsID, _ := tx.RegisterBlockset("full1", 10, []int64{blockID})

	if err := tx.AddFile(fs1, "/a.txt", bsID, 0, 1000); err != nil {
		t.Fatal(err)
	}
	if err := tx.AddFile(fs1, "/b.txt", bsID, 0, 1000); err != nil {
		t.Fatal(err)
	}
	// fs2 keeps a.txt, drops b.txt, adds c.txt
	if err := tx.AddFile(fs2, "/a.txt", bsID, 0, 1000); err != nil {
		t.Fatal(err)
	}
	if err := tx.AddFile(fs2, "/c.txt", bsID, 0, 2000); err != nil {
		t.Fatal(err)
	}

	stats, err := tx.ChangeStatistics(fs2, fs1)
	if err != nil {
		t.Fatal(err)
	}
	if stats.AddedFiles != 1 {
		t.Errorf("AddedFiles = %d, want 1", stats.AddedFiles)
	}
	if stats.DeletedFiles != 1 {
		t.Errorf("DeletedFiles = %d, want 1", stats.DeletedFiles)
	}
	if stats.ModifiedFiles != 0 {
		t.Errorf("ModifiedFiles = %d, want 0", stats.ModifiedFiles)
	}
}

func TestVerifyConsistencyDetectsDanglingBlockReference(t *testing.T) {
	c := openTest(t)
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	// blockset_entry pointing at a block id that was never registered
	if err := tx.exec2(`INSERT INTO blockset VALUES (?, ?, ?)`, int64(1), int64(10), "fullhash"); err != nil {
		t.Fatal(err)
	}
	if err := tx.exec2(`INSERT INTO blockset_entry VALUES (?, ?, ?)`, int64(1), 0, int64(999)); err != nil {
		t.Fatal(err)
	}

	errs, err := tx.VerifyConsistency(1024, 32, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) == 0 {
		t.Errorf("expected at least one consistency error")
	}
}

// exec2 is a tiny test-only helper exposing Tx.exec for direct row
// insertion in consistency tests.
func (t *Tx) exec2(query string, args ...interface{}) error {
	_, err := t.exec(query, args...)
	return err
}
