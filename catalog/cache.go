package catalog

import (
	"sync"

	"github.com/golang/groupcache/singleflight"
)

// Cache is a read-through cache of hot catalog rows the backup pipeline
// consults on every file (the currently open Blocks volume, the previous
// fileset). Grounded on items.ItemCache / server/db_ql.go's qlCache
// (Lookup/Set shape), using groupcache's singleflight exactly as
// items.Store does to collapse concurrent identical lookups onto one
// catalog round trip.
type Cache struct {
	m     sync.RWMutex
	group singleflight.Group

	openVolume     *RemoteVolume
	previousFileset *Fileset
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{}
}

// OpenVolume returns the cached currently-open Blocks volume, consulting
// load if the cache is empty. Concurrent callers for the same miss share
// one load via singleflight.
func (c *Cache) OpenVolume(load func() (*RemoteVolume, error)) (*RemoteVolume, error) {
	c.m.RLock()
	if c.openVolume != nil {
		defer c.m.RUnlock()
		return c.openVolume, nil
	}
	c.m.RUnlock()

	v, err := c.group.Do("open-volume", func() (interface{}, error) {
		return load()
	})
	if err != nil {
		return nil, err
	}
	vol, _ := v.(*RemoteVolume)
	c.m.Lock()
	c.openVolume = vol
	c.m.Unlock()
	return vol, nil
}

// SetOpenVolume updates or clears (pass nil) the cached open volume, e.g.
// after a rollover to a new Blocks volume.
func (c *Cache) SetOpenVolume(v *RemoteVolume) {
	c.m.Lock()
	c.openVolume = v
	c.m.Unlock()
}

// PreviousFileset returns the cached previous fileset, consulting load on
// a miss.
func (c *Cache) PreviousFileset(load func() (*Fileset, error)) (*Fileset, error) {
	c.m.RLock()
	if c.previousFileset != nil {
		defer c.m.RUnlock()
		return c.previousFileset, nil
	}
	c.m.RUnlock()

	v, err := c.group.Do("previous-fileset", func() (interface{}, error) {
		return load()
	})
	if err != nil {
		return nil, err
	}
	fs, _ := v.(*Fileset)
	c.m.Lock()
	c.previousFileset = fs
	c.m.Unlock()
	return fs, nil
}

// Invalidate clears all cached rows, e.g. at the end of an operation.
func (c *Cache) Invalidate() {
	c.m.Lock()
	c.openVolume = nil
	c.previousFileset = nil
	c.m.Unlock()
}
