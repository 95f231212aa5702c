// Package restore implements the four-phase restore described in spec.md
// 4.5: plan the destination tree from a fileset's dlist, reuse blocks
// already present in existing destination files, recreate changed or
// missing file content block by block, then apply recorded metadata.
package restore

import (
	"container/list"
	"context"
	"io"
	"sync"

	"github.com/ndlib/vaultkeep/archive"
	"github.com/ndlib/vaultkeep/catalog"
	"github.com/ndlib/vaultkeep/store"
)

// VolumeCache keeps a bounded number of downloaded Blocks volumes open
// locally so that restoring many files out of the same volume does not
// re-download it per block. Grounded directly on blobcache.T: same
// store-backed LRU list, same Scan-on-demand shape, generalized from
// caching raw blob bytes under an opaque id to caching opened
// archive.Reader handles keyed by RemoteVolume name.
type VolumeCache struct {
	backend store.ROStore // where to download volumes from
	local   store.Store   // where downloaded copies are kept
	maxSize int64

	m      sync.Mutex
	size   int64
	lru    *list.List
	opened map[string]openVolume
}

type openVolume struct {
	reader *archive.Reader
	handle store.ReadAtCloser
}

type cacheEntry struct {
	name string
	size int64
}

// NewVolumeCache returns a VolumeCache that downloads from backend into
// local, evicting the least-recently-used volume once maxSize is
// exceeded.
func NewVolumeCache(backend store.ROStore, local store.Store, maxSize int64) *VolumeCache {
	return &VolumeCache{
		backend: backend,
		local:   local,
		maxSize: maxSize,
		lru:     list.New(),
		opened:  make(map[string]openVolume),
	}
}

// Open returns an archive.Reader for the named remote volume, downloading
// and caching it locally on first use, and moving it to the front of the
// LRU list on every use thereafter.
func (c *VolumeCache) Open(ctx context.Context, name string) (*archive.Reader, error) {
	c.m.Lock()
	if ov, ok := c.opened[name]; ok {
		c.touch(name)
		c.m.Unlock()
		return ov.reader, nil
	}
	c.m.Unlock()

	if _, _, err := c.local.Open(name); err != nil {
		if err := c.download(ctx, name); err != nil {
			return nil, err
		}
	}

	rac, size, err := c.local.Open(name)
	if err != nil {
		return nil, err
	}
	r, err := archive.NewReader(rac, size)
	if err != nil {
		rac.Close()
		return nil, err
	}

	c.m.Lock()
	c.opened[name] = openVolume{reader: r, handle: rac}
	c.reserve(size)
	c.lru.PushFront(cacheEntry{name: name, size: size})
	c.m.Unlock()
	return r, nil
}

func (c *VolumeCache) download(ctx context.Context, name string) error {
	rc, _, err := c.backend.Open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := c.local.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, store.NewReader(rc)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *VolumeCache) touch(name string) {
	for e := c.lru.Front(); e != nil; e = e.Next() {
		if e.Value.(cacheEntry).name == name {
			c.lru.MoveToFront(e)
			return
		}
	}
}

// reserve evicts least-recently-used volumes until size fits under
// maxSize, mirroring blobcache.T.reserve's eviction loop.
func (c *VolumeCache) reserve(size int64) {
	c.size += size
	for c.maxSize > 0 && c.size > c.maxSize {
		e := c.lru.Back()
		if e == nil {
			return
		}
		entry := c.lru.Remove(e).(cacheEntry)
		if ov, ok := c.opened[entry.name]; ok {
			ov.handle.Close()
			delete(c.opened, entry.name)
		}
		c.local.Delete(entry.name)
		c.size -= entry.size
	}
}

// blockLocation resolves a block's payload location: which remote Blocks
// volume carries it, by consulting the catalog (spec.md 3's Block.volume_id)
// or, if the block has since been compacted away from its original
// volume, one of its DuplicateBlock copies.
func blockLocation(tx *catalog.Tx, blockID int64) (*catalog.RemoteVolume, error) {
	b, err := tx.GetBlock(blockID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	vol, err := tx.GetVolume(b.VolumeID)
	if err != nil {
		return nil, err
	}
	if vol != nil && vol.State != catalog.StateDeleted {
		return vol, nil
	}
	dups, err := tx.DuplicatesOf(blockID)
	if err != nil {
		return nil, err
	}
	for _, dupVolID := range dups {
		dv, err := tx.GetVolume(dupVolID)
		if err != nil {
			return nil, err
		}
		if dv != nil && dv.State != catalog.StateDeleted {
			return dv, nil
		}
	}
	return nil, nil
}
