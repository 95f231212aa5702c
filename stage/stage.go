// Package stage implements local, resumable staging of the volume
// currently being assembled by a backup run (spec.md 4.4/4.9). It
// generalizes the teacher's fragment.Store from "cache of in-progress
// HTTP upload fragments keyed by client-chosen file id" to "cache of the
// currently-open local Blocks-volume staging file, keyed by volume name",
// so an interrupted backup can resume appending to the same volume
// instead of restarting it from scratch.
package stage

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ndlib/vaultkeep/store"
)

// Store wraps a store.Store (typically store.FileSystem rooted at a local
// staging directory) and tracks the metadata needed to resume an
// in-progress volume: how many fragments it has, their sizes, and its
// running block-wise hash state is left to the caller (the same way the
// teacher left content-hashing to fragment.Store's caller).
type Store struct {
	meta  jsonStore
	frags store.Store
	m     sync.RWMutex
	vols  map[string]*volume
}

const (
	metaKeyPrefix = "md"
	fragKeyPrefix = "f"
)

// New wraps s (typically store.NewFileSystem(dir)) as a staging area.
// Call Load before using the Store, to recover any volumes left open by a
// prior process.
func New(s store.Store) *Store {
	return &Store{
		meta:  newJSONStore(store.NewWithPrefix(s, metaKeyPrefix)),
		frags: store.NewWithPrefix(s, fragKeyPrefix),
		vols:  make(map[string]*volume),
	}
}

// Load reconstructs in-memory volume state from persisted metadata,
// recovering any volume left Temporary/Uploading by an unclean shutdown
// (spec.md 4.4).
func (s *Store) Load() error {
	keys, err := s.meta.ListPrefix("")
	if err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()
	for _, key := range keys {
		v := new(volume)
		if err := s.meta.Open(key, v); err != nil {
			return err
		}
		v.parent = s
		s.vols[v.Name] = v
	}
	return nil
}

// Names returns the names of every volume currently staged (open or
// abandoned-but-not-yet-reclaimed).
func (s *Store) Names() []string {
	s.m.RLock()
	defer s.m.RUnlock()
	result := make([]string, 0, len(s.vols))
	for k := range s.vols {
		result = append(result, k)
	}
	return result
}

// Open returns the staged volume with the given name, creating it if it
// does not already exist. The returned handle is not safe for concurrent
// use by more than one goroutine, matching fragment.Store's FileEntry
// contract.
func (s *Store) Open(name string) *Volume {
	s.m.Lock()
	defer s.m.Unlock()
	v, ok := s.vols[name]
	if !ok {
		v = &volume{
			Name:     name,
			parent:   s,
			Created:  time.Now(),
			Modified: time.Now(),
		}
		s.vols[name] = v
	}
	return &Volume{v: v}
}

// Discard removes a staged volume and all its fragments. It is not an
// error to discard a volume that does not exist (spec.md 4.4: orphaned
// Temporary volumes are reclaimed by repair).
func (s *Store) Discard(name string) error {
	s.m.Lock()
	v := s.vols[name]
	delete(s.vols, name)
	s.m.Unlock()

	if v == nil {
		return nil
	}
	err := s.meta.Delete(v.Name)
	for _, frag := range v.Children {
		if e := s.frags.Delete(frag.ID); err == nil {
			err = e
		}
	}
	return err
}

// Volume is a handle to one staged volume.
type Volume struct {
	v *volume
}

// Stat describes a staged volume's current extent.
type Stat struct {
	Name       string
	Size       int64
	NFragments int
	Created    time.Time
	Modified   time.Time
}

func (h *Volume) Stat() Stat {
	h.v.m.RLock()
	defer h.v.m.RUnlock()
	return Stat{
		Name:       h.v.Name,
		Size:       h.v.Size,
		NFragments: len(h.v.Children),
		Created:    h.v.Created,
		Modified:   h.v.Modified,
	}
}

// Append opens a writer for the next fragment appended to the volume.
func (h *Volume) Append() (io.WriteCloser, error) {
	return h.v.Append()
}

// Reader returns a reader spanning every fragment written so far, in
// order, presenting them as one contiguous stream.
func (h *Volume) Reader() io.ReadCloser {
	return h.v.Open()
}

// Rollback discards the most recently appended fragment, for use when a
// stream split is abandoned partway through (spec.md 4.4).
func (h *Volume) Rollback() error {
	return h.v.Rollback()
}

type volume struct {
	parent   *Store
	m        sync.RWMutex
	Name     string
	Size     int64
	N        int
	Children []fragmentRef
	Created  time.Time
	Modified time.Time
}

type fragmentRef struct {
	ID   string
	Size int64
}

func (v *volume) save() error {
	return v.parent.meta.Save(v.Name, v)
}

func (v *volume) Append() (io.WriteCloser, error) {
	v.m.Lock()
	defer v.m.Unlock()
	key := fmt.Sprintf("%s+%04d", v.Name, v.N)
	v.N++
	w, err := v.parent.frags.Create(key)
	if err != nil {
		return nil, err
	}
	ref := fragmentRef{ID: key}
	v.Children = append(v.Children, ref)
	if err := v.save(); err != nil {
		return nil, err
	}
	return &fragwriter{w: w, parent: v, idx: len(v.Children) - 1}, nil
}

type fragwriter struct {
	w    io.WriteCloser
	size int64

	parent *volume
	idx    int
}

func (fw *fragwriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.size += int64(n)
	return n, err
}

func (fw *fragwriter) Close() error {
	err := fw.w.Close()
	if err != nil {
		return err
	}
	fw.parent.m.Lock()
	defer fw.parent.m.Unlock()
	fw.parent.Size += fw.size
	fw.parent.Children[fw.idx].Size = fw.size
	fw.parent.Modified = time.Now()
	return fw.parent.save()
}

func (v *volume) Open() io.ReadCloser {
	v.m.RLock()
	defer v.m.RUnlock()
	keys := make([]string, len(v.Children))
	for i, c := range v.Children {
		keys[i] = c.ID
	}
	return &fragreader{s: v.parent.frags, keys: keys}
}

type fragreader struct {
	s    store.Store
	keys []string
	r    store.ReadAtCloser
	off  int64
}

func (fr *fragreader) Read(p []byte) (int, error) {
	for len(fr.keys) > 0 || fr.r != nil {
		var err error
		if fr.r == nil {
			fr.r, _, err = fr.s.Open(fr.keys[0])
			if err != nil {
				return 0, err
			}
			fr.off = 0
			fr.keys = fr.keys[1:]
		}
		n, err := fr.r.ReadAt(p, fr.off)
		fr.off += int64(n)
		if err == io.EOF {
			err = fr.r.Close()
			fr.r = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, io.EOF
}

func (fr *fragreader) Close() error {
	if fr.r != nil {
		return fr.r.Close()
	}
	return nil
}

// Rollback removes the most recently appended fragment.
func (v *volume) Rollback() error {
	v.m.Lock()
	defer v.m.Unlock()
	n := len(v.Children) - 1
	if n < 0 {
		return nil
	}
	frag := v.Children[n]
	if err := v.parent.frags.Delete(frag.ID); err != nil {
		return err
	}
	v.Children = v.Children[:n]
	v.Size -= frag.Size
	return v.save()
}
