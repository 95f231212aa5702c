// Package oplock implements the destination-scoped single-writer lock
// required by spec.md 5: at most one logical writer (backup, restore,
// compact, repair, delete) may hold the lock for a given destination at
// a time. It generalizes transaction.Registry - an in-memory registry of
// named, lockable, commit/cancel-able records backed by a store.Store -
// from "one record per in-progress item edit" to "one record, the
// destination's lock, backed by the same store.Store so it survives a
// process restart".
package oplock

import (
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ndlib/vaultkeep/store"
)

// ErrHeld is returned by Acquire when another operation already holds
// the lock and its lease has not yet expired.
var ErrHeld = errors.New("oplock: destination is locked by another operation")

const lockKey = "oplock"

// Operation names the kind of logical writer holding a lock, matching
// spec.md 6's operation entry points.
type Operation string

const (
	OpBackup  Operation = "backup"
	OpRestore Operation = "restore"
	OpCompact Operation = "compact"
	OpRepair  Operation = "repair"
	OpDelete  Operation = "delete"
)

// DefaultLease is how long a lock is honored without being renewed
// before it is considered abandoned and reclaimable.
const DefaultLease = 10 * time.Minute

// Lock is the persisted record of a held operation lock.
type Lock struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Host      string    `json:"host"`
	Acquired  time.Time `json:"acquired"`
	Renewed   time.Time `json:"renewed"`
	Lease     time.Duration
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.Renewed.Add(l.Lease))
}

// Registry manages the single operation lock for one destination.
type Registry struct {
	backend store.Store
	m       sync.Mutex
	lease   time.Duration
}

// New wraps a store.Store rooted at the destination being locked
// (typically the same backend the destination's volumes live in, under a
// dedicated prefix).
func New(backend store.Store) *Registry {
	return &Registry{backend: backend, lease: DefaultLease}
}

// WithLease overrides the lock's lease duration.
func (r *Registry) WithLease(d time.Duration) *Registry {
	r.lease = d
	return r
}

// Acquire takes the destination's lock for the named operation and host,
// failing with ErrHeld if another operation currently holds an
// unexpired lock.
func (r *Registry) Acquire(op Operation, host string) (*Handle, error) {
	r.m.Lock()
	defer r.m.Unlock()

	existing, err := r.read()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if existing != nil && !existing.expired(now) {
		return nil, ErrHeld
	}

	l := &Lock{
		ID:        randomID(),
		Operation: op,
		Host:      host,
		Acquired:  now,
		Renewed:   now,
		Lease:     r.lease,
	}
	if err := r.write(l); err != nil {
		return nil, err
	}
	return &Handle{r: r, lock: l}, nil
}

// Current returns the lock currently held, or nil if the destination is
// unlocked (including when the held lock has expired).
func (r *Registry) Current() (*Lock, error) {
	r.m.Lock()
	defer r.m.Unlock()
	l, err := r.read()
	if err != nil {
		return nil, err
	}
	if l != nil && l.expired(time.Now()) {
		return nil, nil
	}
	return l, nil
}

func (r *Registry) read() (*Lock, error) {
	rc, _, err := r.backend.Open(lockKey)
	if err != nil {
		return nil, nil // treat "not found" as unlocked
	}
	defer rc.Close()
	var l Lock
	if err := json.NewDecoder(store.NewReader(rc)).Decode(&l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Registry) write(l *Lock) error {
	_ = r.backend.Delete(lockKey)
	w, err := r.backend.Create(lockKey)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(l); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (r *Registry) release(l *Lock) error {
	r.m.Lock()
	defer r.m.Unlock()
	current, err := r.read()
	if err != nil {
		return err
	}
	if current == nil || current.ID != l.ID {
		return nil // already released or superseded
	}
	return r.backend.Delete(lockKey)
}

func (r *Registry) renew(l *Lock) error {
	r.m.Lock()
	defer r.m.Unlock()
	current, err := r.read()
	if err != nil {
		return err
	}
	if current == nil || current.ID != l.ID {
		return ErrHeld
	}
	l.Renewed = time.Now()
	return r.write(l)
}

func randomID() string {
	var day = int64(time.Now().YearDay())
	n := day<<32 | int64(rand.Int31())
	return time.Now().UTC().Format("20060102T150405") + "-" + itoa36(n)
}

func itoa36(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var buf [13]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = digits[n%36]
		n /= 36
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Handle represents a held lock. Release it with Release when the
// operation completes, or extend it periodically with Renew during a
// long-running operation.
type Handle struct {
	r    *Registry
	lock *Lock
}

// Release gives up the lock. It is a no-op if the lock has already been
// superseded (e.g. reclaimed after expiry by another process).
func (h *Handle) Release() error {
	return h.r.release(h.lock)
}

// Renew extends the lock's lease, failing with ErrHeld if it has been
// reclaimed by another process in the meantime.
func (h *Handle) Renew() error {
	return h.r.renew(h.lock)
}
