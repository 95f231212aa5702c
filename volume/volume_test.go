package volume

import (
	"bytes"
	"context"
	"testing"

	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/store"
)

func TestUploadVerifyDelete(t *testing.T) {
	cat, err := catalog.Open("memory", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	tx, err := cat.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	backend := store.NewMemory()
	m := NewManager(backend)

	id, err := m.Create(tx, "backup-0001.dblock", catalog.VolumeBlocks)
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.NewBufferString("hello world")
	if err := m.Upload(context.Background(), tx, id, "backup-0001.dblock", payload); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(tx, id, int64(len("hello world")), "somehash"); err != nil {
		t.Fatal(err)
	}

	v, err := tx.GetVolume(id)
	if err != nil {
		t.Fatal(err)
	}
	if v.State != catalog.StateUploaded {
		t.Errorf("state = %s, want Uploaded", v.State)
	}

	if err := m.Verify(tx, id); err != nil {
		t.Fatal(err)
	}
	v, _ = tx.GetVolume(id)
	if v.State != catalog.StateVerified {
		t.Errorf("state = %s, want Verified", v.State)
	}

	if err := m.StartDelete(context.Background(), tx, id); err != nil {
		t.Fatal(err)
	}
	v, _ = tx.GetVolume(id)
	if v.State != catalog.StateDeleting {
		t.Errorf("state = %s, want Deleting", v.State)
	}

	if err := m.CompleteDelete(tx, id, true); err != nil {
		t.Fatal(err)
	}
	v, _ = tx.GetVolume(id)
	if v.State != catalog.StateDeleted {
		t.Errorf("state = %s, want Deleted", v.State)
	}
}
