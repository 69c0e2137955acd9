// Package freemap implements the persistent free-sector bitmap, per
// spec.md §4.B: one bit per sector of the filesystem device, written
// directly to reserved sectors starting at the map's own sector (not
// inside an inode) so it survives a restart.
package freemap

import (
	"fmt"
	"sync"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/klog"
)

// bitsPerSector is how many free-map bits one on-disk sector holds.
const bitsPerSector = devices.SectorSize * 8

// Map is the free-sector bitmap. Operations are serialized by one
// mutex, matching spec.md §9's "free-map ... singleton, express behind
// a module-level handle" and §4.E's general "one mutex per shared
// structure" discipline.
type Map struct {
	mu   sync.Mutex
	bits []bool
	dev  *devices.BlockDevice
	// sector is where this bitmap itself is persisted, so Close can
	// write it back and a later Open can read it in.
	sector devices.Sector
}

// New creates a free-map covering every sector of dev, all initially
// free, to be persisted at sector mapSector. Callers must subsequently
// Reserve any sectors (e.g. the free-map's own sector, the root
// directory sector) that must never be handed out.
func New(dev *devices.BlockDevice, mapSector devices.Sector) *Map {
	return &Map{
		bits:   make([]bool, dev.Size()),
		dev:    dev,
		sector: mapSector,
	}
}

// Open reads a previously-written free-map back from mapSector.
func Open(dev *devices.BlockDevice, mapSector devices.Sector) (*Map, error) {
	m := New(dev, mapSector)
	sectors := (len(m.bits) + bitsPerSector - 1) / bitsPerSector
	buf := make([]byte, devices.SectorSize)
	for i := 0; i < sectors; i++ {
		if err := dev.Read(mapSector+devices.Sector(i), buf); err != nil {
			return nil, fmt.Errorf("freemap: read sector %d: %w", i, err)
		}
		base := i * bitsPerSector
		for b := 0; b < bitsPerSector && base+b < len(m.bits); b++ {
			byteIdx, bitIdx := b/8, uint(b%8)
			m.bits[base+b] = buf[byteIdx]&(1<<bitIdx) != 0
		}
	}
	return m, nil
}

// Close persists the bitmap to its reserved sector.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sectors := (len(m.bits) + bitsPerSector - 1) / bitsPerSector
	buf := make([]byte, devices.SectorSize)
	for i := 0; i < sectors; i++ {
		for b := range buf {
			buf[b] = 0
		}
		base := i * bitsPerSector
		for b := 0; b < bitsPerSector && base+b < len(m.bits); b++ {
			if m.bits[base+b] {
				byteIdx, bitIdx := b/8, uint(b%8)
				buf[byteIdx] |= 1 << bitIdx
			}
		}
		if err := m.dev.Write(m.sector+devices.Sector(i), buf); err != nil {
			return fmt.Errorf("freemap: write sector %d: %w", i, err)
		}
	}
	return nil
}

// Reserve marks start..start+n-1 used unconditionally, for sectors
// whose ownership is implied by the filesystem format itself (the
// free-map's own sectors, the root directory sector) rather than
// allocated through Allocate.
func (m *Map) Reserve(start devices.Sector, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.bits[int(start)+i] = true
	}
}

// Allocate finds n contiguous free sectors, marks them used, and
// reports the first one in out. n is always 1 in this kernel (spec.md
// §4.B), but the scan supports larger runs for completeness. Reports
// false on StorageExhaustion (spec.md §7): the caller must propagate
// this as a short write, never panic.
func (m *Map) Allocate(n int, out *devices.Sector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for i := 0; i < len(m.bits); i++ {
		if m.bits[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				m.bits[j] = true
			}
			*out = devices.Sector(start)
			return true
		}
	}
	return false
}

// Release clears start..start+n-1, making them available again.
func (m *Map) Release(start devices.Sector, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		idx := int(start) + i
		klog.Assert(idx >= 0 && idx < len(m.bits), "freemap: release index %d out of range [0,%d)", idx, len(m.bits))
		m.bits[idx] = false
	}
}
