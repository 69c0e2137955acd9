// Package swap implements the swap area: page-sized groups of sectors
// on a dedicated block device, bitmap-allocated, per spec.md §4.D.
package swap

import (
	"sync"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/klog"
	"github.com/jik8191/gopintos/vm"
)

// sectorsPerPage is PAGE_SIZE / SECTOR_SIZE, per spec.md §4.D.
const sectorsPerPage = vm.PageSize / devices.SectorSize

// Swap is a bitmap-allocated page-sized region allocator over a block
// device. One mutex serializes the bitmap, matching spec.md §5's
// concurrency-control table entry for the swap bitmap.
type Swap struct {
	mu     sync.Mutex
	dev    *devices.BlockDevice
	used   []bool
	logger klog.Logger
}

// Options configures a Swap.
type Options struct {
	Logger klog.Logger
}

// New creates a Swap over dev, whose size must be an exact multiple of
// sectorsPerPage sectors.
func New(dev *devices.BlockDevice, opts Options) *Swap {
	groups := int(dev.Size()) / sectorsPerPage
	return &Swap{dev: dev, used: make([]bool, groups), logger: klog.OrNop(opts.Logger)}
}

// Capacity returns the number of page-sized slots the swap device holds.
func (s *Swap) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}

// PageOut writes data (exactly vm.PageSize bytes) to the first free
// slot and returns its index. Panics if the swap device is full,
// matching spec.md §4.D ("if no slot is available, the kernel
// panics") and §7's StorageExhaustion policy for swap.
func (s *Swap) PageOut(data []byte) int {
	klog.Assert(len(data) == vm.PageSize, "swap: page-out buffer is %d bytes, want %d", len(data), vm.PageSize)

	s.mu.Lock()
	slot := -1
	for i, used := range s.used {
		if !used {
			slot = i
			break
		}
	}
	klog.Assert(slot != -1, "swap: device exhausted (%d slots all in use)", len(s.used))
	s.used[slot] = true
	s.mu.Unlock()

	base := devices.Sector(slot * sectorsPerPage)
	for i := 0; i < sectorsPerPage; i++ {
		chunk := data[i*devices.SectorSize : (i+1)*devices.SectorSize]
		if err := s.dev.Write(base+devices.Sector(i), chunk); err != nil {
			klog.Assert(false, "swap: write to slot %d sector %d failed: %v", slot, i, err)
		}
	}
	return slot
}

// PageIn reads slot's contents into out (exactly vm.PageSize bytes)
// and marks the slot free.
func (s *Swap) PageIn(slot int, out []byte) {
	klog.Assert(len(out) == vm.PageSize, "swap: page-in buffer is %d bytes, want %d", len(out), vm.PageSize)

	base := devices.Sector(slot * sectorsPerPage)
	for i := 0; i < sectorsPerPage; i++ {
		chunk := out[i*devices.SectorSize : (i+1)*devices.SectorSize]
		if err := s.dev.Read(base+devices.Sector(i), chunk); err != nil {
			klog.Assert(false, "swap: read from slot %d sector %d failed: %v", slot, i, err)
		}
	}
	s.Free(slot)
}

// Free marks slot free without reading its contents, used when a
// page's swap-resident copy is discarded without ever being paged
// back in (e.g. the owning thread exits).
func (s *Swap) Free(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.Assert(slot >= 0 && slot < len(s.used) && s.used[slot], "swap: freed slot %d that was not in use", slot)
	s.used[slot] = false
}
