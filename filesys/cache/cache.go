// Package cache implements the filesystem's 64-slot write-back buffer
// cache, per spec.md §4.C: one global mutex over the slot table (lookup,
// allocation, clock hand) plus a per-entry reader/writer lock over the
// sector bytes themselves.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/klog"
)

// NumSlots is the cache's fixed capacity, per spec.md §4.C.
const NumSlots = 64

type entry struct {
	dataMu sync.RWMutex
	data   [devices.SectorSize]byte

	// Guarded by Cache.mu, not dataMu: these are table bookkeeping, not
	// sector bytes.
	sector   devices.Sector
	valid    bool
	dirty    bool
	accessed bool
	pinned   bool
}

// Cache is the filesystem's buffer cache. The global mutex is never
// held across disk I/O: a cache miss pins its chosen slot before
// releasing the mutex to perform the read, then re-takes it to mark
// the slot valid. A concurrent miss on the very same sector can pick a
// second slot before the first load completes — rare in this single
// filesystem-device kernel and not prevented here, since avoiding it
// needs a per-sector load token this teaching cache omits. A caller
// that takes an entry's dataMu re-verifies under mu that eviction
// hasn't repurposed the slot out from under it in the meantime
// (getLocked), retrying against a fresh get() if so.
type Cache struct {
	mu      sync.Mutex
	dev     *devices.BlockDevice
	entries [NumSlots]*entry
	clock   int

	readAhead chan devices.Sector
	log       klog.Logger
}

// Options configures a Cache.
type Options struct {
	Logger klog.Logger
}

// New creates an empty Cache fronting dev.
func New(dev *devices.BlockDevice, opts Options) *Cache {
	c := &Cache{
		dev:       dev,
		log:       klog.OrNop(opts.Logger),
		readAhead: make(chan devices.Sector, NumSlots),
	}
	for i := range c.entries {
		c.entries[i] = &entry{}
	}
	return c
}

func (c *Cache) lookupLocked(sector devices.Sector) *entry {
	for _, e := range c.entries {
		if e.valid && e.sector == sector {
			return e
		}
	}
	return nil
}

// evictVictimLocked runs the clock/second-chance policy (spec.md
// §4.C): advance the hand, skip pinned entries, give accessed entries
// one more lap with their accessed bit cleared, and take the first
// unpinned, unaccessed (or simply empty) slot found. c.mu must be held.
func (c *Cache) evictVictimLocked() *entry {
	for {
		e := c.entries[c.clock]
		c.clock = (c.clock + 1) % NumSlots
		if e.pinned {
			continue
		}
		if !e.valid {
			return e
		}
		if e.accessed {
			e.accessed = false
			continue
		}
		return e
	}
}

// get implements spec.md §4.C's "get-or-fetch": find sector if cached,
// else evict (writing back a dirty victim first) and fetch it from
// disk, all without holding c.mu across either disk access.
func (c *Cache) get(sector devices.Sector) *entry {
	c.mu.Lock()
	if e := c.lookupLocked(sector); e != nil {
		c.mu.Unlock()
		return e
	}

	e := c.evictVictimLocked()
	writeBack := e.valid && e.dirty
	oldSector := e.sector
	e.valid = false
	e.sector = sector
	e.pinned = true
	c.mu.Unlock()

	if writeBack {
		e.dataMu.Lock()
		if err := c.dev.Write(oldSector, e.data[:]); err != nil {
			c.log.Printf("cache: writeback sector %d: %v", oldSector, err)
		}
		e.dataMu.Unlock()
	}

	e.dataMu.Lock()
	if err := c.dev.Read(sector, e.data[:]); err != nil {
		c.log.Printf("cache: fetch sector %d: %v", sector, err)
	}
	e.dataMu.Unlock()

	c.mu.Lock()
	e.valid = true
	e.dirty = false
	e.accessed = false
	e.pinned = false
	c.mu.Unlock()

	c.enqueueReadAhead(sector + 1)
	return e
}

// getLocked returns sector's entry with dataMu already held (write lock
// if write is true, read lock otherwise). get() returns its entry fully
// unpinned, so a concurrent get() on another sector can legally pick
// that same entry as its eviction victim and overwrite it before this
// caller's dataMu acquisition completes; re-verify under c.mu that the
// entry still represents sector once the lock is held, and retry
// against a fresh get() if eviction won the race, per spec.md §4.C.
func (c *Cache) getLocked(sector devices.Sector, write bool) *entry {
	for {
		e := c.get(sector)
		if write {
			e.dataMu.Lock()
		} else {
			e.dataMu.RLock()
		}
		c.mu.Lock()
		same := e.valid && e.sector == sector
		c.mu.Unlock()
		if same {
			return e
		}
		if write {
			e.dataMu.Unlock()
		} else {
			e.dataMu.RUnlock()
		}
	}
}

func (c *Cache) enqueueReadAhead(sector devices.Sector) {
	if sector >= c.dev.Size() {
		return
	}
	select {
	case c.readAhead <- sector:
	default:
		// Queue full: original cache.c's read-ahead is best-effort too.
	}
}

// ReadFull copies an entire sector into buf, which must be exactly
// devices.SectorSize bytes.
func (c *Cache) ReadFull(sector devices.Sector, buf []byte) error {
	if len(buf) != devices.SectorSize {
		return fmt.Errorf("cache: read buffer is %d bytes, want %d", len(buf), devices.SectorSize)
	}
	e := c.getLocked(sector, false)
	copy(buf, e.data[:])
	e.dataMu.RUnlock()
	c.mu.Lock()
	e.accessed = true
	c.mu.Unlock()
	return nil
}

// WriteFull overwrites an entire sector with buf, which must be
// exactly devices.SectorSize bytes.
func (c *Cache) WriteFull(sector devices.Sector, buf []byte) error {
	if len(buf) != devices.SectorSize {
		return fmt.Errorf("cache: write buffer is %d bytes, want %d", len(buf), devices.SectorSize)
	}
	e := c.getLocked(sector, true)
	copy(e.data[:], buf)
	e.dataMu.Unlock()
	c.mu.Lock()
	e.dirty = true
	e.accessed = true
	c.mu.Unlock()
	return nil
}

// ReadChunk copies len(buf) bytes starting at offset within sector.
func (c *Cache) ReadChunk(sector devices.Sector, buf []byte, offset int) error {
	if offset < 0 || offset+len(buf) > devices.SectorSize {
		return fmt.Errorf("cache: chunk [%d,%d) out of sector bounds", offset, offset+len(buf))
	}
	e := c.getLocked(sector, false)
	copy(buf, e.data[offset:offset+len(buf)])
	e.dataMu.RUnlock()
	c.mu.Lock()
	e.accessed = true
	c.mu.Unlock()
	return nil
}

// WriteChunk overwrites len(buf) bytes starting at offset within
// sector, leaving the rest of the sector untouched.
func (c *Cache) WriteChunk(sector devices.Sector, buf []byte, offset int) error {
	if offset < 0 || offset+len(buf) > devices.SectorSize {
		return fmt.Errorf("cache: chunk [%d,%d) out of sector bounds", offset, offset+len(buf))
	}
	e := c.getLocked(sector, true)
	copy(e.data[offset:offset+len(buf)], buf)
	e.dataMu.Unlock()
	c.mu.Lock()
	e.dirty = true
	e.accessed = true
	c.mu.Unlock()
	return nil
}

// Pin marks sector's entry (fetching it first if necessary) so it is
// skipped during eviction until Unpin.
func (c *Cache) Pin(sector devices.Sector) {
	e := c.get(sector)
	c.mu.Lock()
	e.pinned = true
	c.mu.Unlock()
}

// Unpin clears sector's pinned flag, if it is still cached.
func (c *Cache) Unpin(sector devices.Sector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(sector); e != nil {
		e.pinned = false
	}
}

// Flush writes back every valid, dirty entry, per spec.md §4.C.
func (c *Cache) Flush() error {
	for _, e := range c.entries {
		c.mu.Lock()
		valid, dirty, sector := e.valid, e.dirty, e.sector
		c.mu.Unlock()
		if !valid || !dirty {
			continue
		}

		e.dataMu.Lock()
		err := c.dev.Write(sector, e.data[:])
		e.dataMu.Unlock()
		if err != nil {
			return fmt.Errorf("cache: flush sector %d: %w", sector, err)
		}

		c.mu.Lock()
		if e.sector == sector {
			e.dirty = false
		}
		c.mu.Unlock()
	}
	return nil
}

// RunReadAhead is the background consumer of the read-ahead queue
// (original cache.c's read_ahead_thread): on a successful get(s), s+1
// is enqueued; this loop fetches queued sectors that aren't already
// cached. Runs until ctx is canceled, meant to be launched via
// errgroup.Group.Go.
func (c *Cache) RunReadAhead(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sector := <-c.readAhead:
			c.mu.Lock()
			present := c.lookupLocked(sector) != nil
			c.mu.Unlock()
			if !present {
				c.get(sector)
			}
		}
	}
}

// RunPeriodicFlush is the background write-behind daemon (original
// cache.c's periodic_flush_thread): flush every interval. Runs until
// ctx is canceled, meant to be launched via errgroup.Group.Go.
func (c *Cache) RunPeriodicFlush(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.log.Printf("cache: periodic flush: %v", err)
			}
		}
	}
}
