// Package spt implements the supplemental page table: a per-thread
// record of every user page's provenance, keyed by page-aligned
// virtual address, per spec.md §4.H.
package spt

import (
	"sync"

	"github.com/jik8191/gopintos/vm"
	"github.com/jik8191/gopintos/vm/swap"
)

// Kind is the closed tagged variant of page provenance spec.md §4.H
// and the REDESIGN FLAGS section require as a plain enum with an
// exhaustive switch, not per-kind dynamic dispatch.
type Kind int

const (
	Code Kind = iota
	Data
	Stack
	Mmap
)

func (k Kind) String() string {
	switch k {
	case Code:
		return "code"
	case Data:
		return "data"
	case Stack:
		return "stack"
	case Mmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// Backing is the minimal surface a page's backing file must provide:
// positioned reads for demand loading and positioned writes for
// writing a dirty Mmap page back out. Any *os.File or filesystem-layer
// file handle with ReadAt/WriteAt satisfies this without spt needing
// to import filesys.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// NoSwap marks an Entry with no swap slot assigned.
const NoSwap = -1

// Entry is one supplemental page table entry. Invariant (spec.md §8.4):
// exactly one of {Loaded, SwapSlot != NoSwap, backed only by File} holds
// at any time — enforced by the Table's mutators, never by the caller
// directly mutating fields.
type Entry struct {
	Kind       Kind
	File       Backing
	FileOffset int64
	ReadBytes  int
	ZeroBytes  int
	Writable   bool
	Loaded     bool
	SwapSlot   int
}

// Table is one thread's supplemental page table.
type Table struct {
	mu      sync.Mutex
	entries map[vm.Page]*Entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[vm.Page]*Entry)}
}

// Insert records a freshly-faulted-in page's provenance. addr must be
// page-aligned, and e.SwapSlot must already be NoSwap or a real slot
// index — Insert does not normalize a zero value, since slot 0 is a
// valid swap slot. Insert overwrites any existing entry for addr,
// matching how a stack-growth fault installs an entry that a prior
// lookup had already determined did not exist.
func (t *Table) Insert(addr vm.Page, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[addr] = e
}

// Lookup returns the entry for addr, if any.
func (t *Table) Lookup(addr vm.Page) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	return e, ok
}

// Remove deletes the entry for addr, freeing any swap slot it still
// owns via sw.
func (t *Table) Remove(addr vm.Page, sw *swap.Swap) {
	t.mu.Lock()
	e, ok := t.entries[addr]
	if ok {
		delete(t.entries, addr)
	}
	t.mu.Unlock()
	if ok && e.SwapSlot != NoSwap {
		sw.Free(e.SwapSlot)
	}
}

// DestroyAll frees every swap slot still owned by this table's entries
// and empties it, matching spec.md §4.H's thread-exit cleanup.
func (t *Table) DestroyAll(sw *swap.Swap) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[vm.Page]*Entry)
	t.mu.Unlock()
	for _, e := range entries {
		if e.SwapSlot != NoSwap {
			sw.Free(e.SwapSlot)
		}
	}
}

// MarkLoaded records that addr's page is now resident in a frame and
// no longer in swap.
func (t *Table) MarkLoaded(addr vm.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[addr]; ok {
		e.Loaded = true
		e.SwapSlot = NoSwap
	}
}

// MarkEvicted records that addr's page is no longer resident, having
// been written to swap slot (or NoSwap, if it was simply dropped).
func (t *Table) MarkEvicted(addr vm.Page, slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[addr]; ok {
		e.Loaded = false
		e.SwapSlot = slot
	}
}
