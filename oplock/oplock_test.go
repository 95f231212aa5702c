package oplock

import (
	"testing"
	"time"

	"github.com/ndlib/vaultkeep/store"
)

func TestAcquireBlocksSecondWriter(t *testing.T) {
	backend := store.NewMemory()
	r := New(backend)

	h, err := r.Acquire(OpBackup, "host-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire(OpCompact, "host-b"); err != ErrHeld {
		t.Fatalf("err = %v, want ErrHeld", err)
	}

	if err := h.Release(); err != nil {
		t.Fatal(err)
	}

	h2, err := r.Acquire(OpCompact, "host-b")
	if err != nil {
		t.Fatalf("expected to acquire after release, got %v", err)
	}
	_ = h2.Release()
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	backend := store.NewMemory()
	r := New(backend).WithLease(1 * time.Millisecond)

	if _, err := r.Acquire(OpBackup, "host-a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := r.Acquire(OpRestore, "host-b"); err != nil {
		t.Fatalf("expected expired lock to be reclaimable, got %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	backend := store.NewMemory()
	r := New(backend).WithLease(20 * time.Millisecond)

	h, err := r.Acquire(OpRepair, "host-a")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := h.Renew(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(15 * time.Millisecond)

	if _, err := r.Acquire(OpDelete, "host-b"); err != ErrHeld {
		t.Fatalf("err = %v, want ErrHeld after renew", err)
	}
}

func TestCurrentReturnsNilWhenUnlocked(t *testing.T) {
	backend := store.NewMemory()
	r := New(backend)
	l, err := r.Current()
	if err != nil {
		t.Fatal(err)
	}
	if l != nil {
		t.Fatalf("Current() = %+v, want nil", l)
	}
}
