// Package volume implements the remote volume state machine (spec.md 4.3):
// Temporary -> Uploading -> Uploaded -> Verified -> Deleting -> Deleted.
// Transport itself is delegated to a Backend (the teacher's store.Store
// interface, reused unchanged since it already is the named external
// remote-storage collaborator of spec.md 1/6).
package volume

import (
	"context"
	"io"
	"time"

	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/store"
	"github.com/ndlib/vaultkeep/vaulterr"
)

// Backend is the remote transport contract, identical in shape to the
// teacher's store.Store so any of its adapters (FileSystem, S3, Memory)
// can serve here unchanged.
type Backend = store.Store

// DefaultGracePeriod is the deletion grace window from spec.md 4.3.
const DefaultGracePeriod = 2 * time.Hour

// Manager orchestrates volume transitions against a Backend, keeping the
// catalog row and the physical object in lockstep per spec.md 4.3's
// "catalog-atomic with backend side-effects bracketed by them" rule.
type Manager struct {
	backend      Backend
	grace        time.Duration
	maxAttempts  int
}

// NewManager returns a Manager using the default grace period and retry
// bound (spec.md 7: "up to 5 attempts").
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, grace: DefaultGracePeriod, maxAttempts: 5}
}

// WithGracePeriod overrides the deletion grace window.
func (m *Manager) WithGracePeriod(d time.Duration) *Manager {
	m.grace = d
	return m
}

// Create registers a new Temporary volume both in the catalog and
// allocates its remote name, per invariant 2 (exactly one RemoteVolume row
// per remote filename).
func (m *Manager) Create(tx *catalog.Tx, name string, typ catalog.RemoteVolumeType) (int64, error) {
	return tx.CreateRemoteVolume(name, typ)
}

// Upload transitions a volume Temporary -> Uploading, performs the backend
// write with retry-with-backoff on Transient errors, then transitions to
// Uploaded on success or rolls the catalog row back to Temporary on
// permanent failure (spec.md 4.3, 4.4: "if upload fails the catalog is
// rolled back to Temporary and the volume reassigned").
func (m *Manager) Upload(ctx context.Context, tx *catalog.Tx, id int64, name string, payload io.Reader) error {
	if err := tx.SetVolumeState(id, catalog.StateUploading); err != nil {
		return err
	}

	err := m.withRetry(ctx, func() error {
		w, err := m.backend.Create(name)
		if err != nil {
			return vaulterr.New("volume.Upload", vaulterr.Transient, err)
		}
		if _, err := io.Copy(w, payload); err != nil {
			_ = w.Close()
			return vaulterr.New("volume.Upload", vaulterr.Transient, err)
		}
		return w.Close()
	})
	if err != nil {
		_ = tx.SetVolumeState(id, catalog.StateTemporary)
		return err
	}

	return tx.SetVolumeState(id, catalog.StateUploaded)
}

// Finalize records the volume's final size and hash once its upload
// completes (spec.md 3: "Hash and size are recorded only after the
// volume is finalized"). It leaves the volume's state unchanged; Verify
// moves it to Verified.
func (m *Manager) Finalize(tx *catalog.Tx, id int64, size int64, hash string) error {
	return tx.FinalizeVolume(id, size, hash)
}

// Verify lists the backend for name and confirms its size matches the
// catalog row, transitioning Uploaded -> Verified (spec.md 4.3, testable
// property 4). The recorded hash is not compared.
func (m *Manager) Verify(tx *catalog.Tx, id int64) error {
	v, err := tx.GetVolume(id)
	if err != nil {
		return err
	}
	if v == nil {
		return vaulterr.New("volume.Verify", vaulterr.DatabaseConsistency, nil)
	}
	rc, size, err := m.backend.Open(v.Name)
	if err != nil {
		return vaulterr.New("volume.Verify", vaulterr.RemoteList, err)
	}
	_ = rc.Close()
	if size != v.Size {
		return vaulterr.New("volume.Verify", vaulterr.RemoteList,
			fmtSizeMismatch(v.Name, v.Size, size))
	}
	return tx.SetVolumeState(id, catalog.StateVerified)
}

// StartDelete transitions a volume to Deleting and issues the backend
// delete, recording the grace-period deadline. The catalog transition to
// Deleted happens later, via CompleteDelete, once listing confirms absence
// or the grace period has expired (spec.md 4.3).
func (m *Manager) StartDelete(ctx context.Context, tx *catalog.Tx, id int64) error {
	v, err := tx.GetVolume(id)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := tx.SetVolumeState(id, catalog.StateDeleting); err != nil {
		return err
	}
	if err := tx.SetVolumeDeleteGrace(id, time.Now().Add(m.grace)); err != nil {
		return err
	}
	return m.withRetry(ctx, func() error {
		if err := m.backend.Delete(v.Name); err != nil {
			return vaulterr.New("volume.StartDelete", vaulterr.Transient, err)
		}
		return nil
	})
}

// CompleteDelete transitions Deleting -> Deleted once either the backend
// listing confirms the object is gone or the grace period has elapsed. It
// also removes DuplicateBlock rows for the volume (invariant 5) and clears
// its DeletedBlock accounting (invariant 6).
func (m *Manager) CompleteDelete(tx *catalog.Tx, id int64, listingConfirmsAbsent bool) error {
	v, err := tx.GetVolume(id)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if !listingConfirmsAbsent && time.Now().Before(v.DeleteGraceUntil) {
		return nil // not yet safe to finalize
	}
	if err := tx.RemoveDuplicatesForVolume(id); err != nil {
		return err
	}
	if err := tx.ClearDeletedBlocksForVolume(id); err != nil {
		return err
	}
	return tx.SetVolumeState(id, catalog.StateDeleted)
}

func fmtSizeMismatch(name string, want, got int64) error {
	return &sizeMismatchError{name: name, want: want, got: got}
}

type sizeMismatchError struct {
	name      string
	want, got int64
}

func (e *sizeMismatchError) Error() string {
	return "volume " + e.name + ": remote size does not match catalog"
}
