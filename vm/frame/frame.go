// Package frame implements the physical frame table: a single global
// list of live frames with second-chance eviction, per spec.md §4.G.
package frame

import (
	"sync"

	"github.com/jik8191/gopintos/klog"
	"github.com/jik8191/gopintos/sched"
	"github.com/jik8191/gopintos/vm"
)

// ThreadSource answers whether tid's owning thread is still alive.
// Eviction must requeue (rather than evict) a frame whose owner is
// dying, since its page directory is about to be torn down anyway;
// Table depends on this single-method interface rather than *sched.Thread
// directly, keeping frame a leaf with respect to sched beyond TID.
type ThreadSource interface {
	IsDying(tid sched.TID) bool
}

// Evictor performs the policy-specific half of eviction: given the
// victim frame and whether it is "ever dirty" (hardware dirty bit ever
// seen set since the frame was loaded), write the page out wherever
// its kind requires (drop, swap, or writeback-to-file) and report the
// swap slot it landed in, or frame.NotSwapped if it was dropped or
// written back to its file. Table calls this with its internal mutex
// held, matching spec.md §4.G's "acquire the eviction lock" step.
//
// Implemented by package fault, which has access to both the
// supplemental page table (to look up page kind and backing file) and
// the swap area — frame itself imports neither, avoiding a dependency
// cycle between frame and spt/swap/fault.
type Evictor interface {
	Replace(f *Frame, everDirty bool) (swapSlot int, err error)
}

// NotSwapped is the swapSlot Evictor.Replace returns for a dropped or
// written-back page.
const NotSwapped = -1

// Frame is one physical page frame. Pintos's hardware accessed/dirty
// PTE bits are modeled directly on the Frame rather than in a separate
// simulated page-table structure, since this kernel gives each frame
// exactly one (owner, user address) mapping at a time — Touch stands
// in for the MMU setting those bits on a real memory access.
type Frame struct {
	mem       []byte
	owner     sched.TID
	userAddr  vm.Page
	pinned    bool
	accessed  bool
	dirty     bool
	everDirty bool
}

// Mem is the frame's backing storage, exactly vm.PageSize bytes.
func (f *Frame) Mem() []byte { return f.mem }

// Owner is the thread this frame is mapped into.
func (f *Frame) Owner() sched.TID { return f.owner }

// UserAddr is the page-aligned user virtual address this frame backs.
func (f *Frame) UserAddr() vm.Page { return f.userAddr }

// Touch simulates a hardware memory access to this frame's page,
// setting the accessed bit (and the dirty bit, for a write) exactly as
// a real MMU would on an access through the corresponding PTE.
func (f *Frame) Touch(write bool) {
	f.accessed = true
	if write {
		f.dirty = true
	}
}

// Table is the single global list of live frames.
type Table struct {
	mu      sync.Mutex
	frames  []*Frame
	free    [][]byte // recycled PageSize buffers, teacher's BufferPoolImpl idiom
	cap     int
	threads ThreadSource
	evictor Evictor
	log     klog.Logger
}

// Options configures a Table.
type Options struct {
	// Capacity is the total number of physical frames available. Tests
	// set this low to force eviction deterministically (spec.md §8's
	// "physical memory smaller than 2MB so swap is exercised").
	Capacity int
	Threads  ThreadSource
	// Evictor may be left nil here and supplied later via SetEvictor:
	// the package implementing Evictor (fault.Handler) needs a *Table
	// to construct itself, so the two are wired together after both
	// exist rather than in a single constructor call. See cmd/kerneld.
	Evictor Evictor
	Logger  klog.Logger
}

// New creates an empty Table.
func New(opts Options) *Table {
	klog.Assert(opts.Capacity > 0, "frame: capacity must be positive, got %d", opts.Capacity)
	return &Table{
		cap:     opts.Capacity,
		threads: opts.Threads,
		evictor: opts.Evictor,
		log:     klog.OrNop(opts.Logger),
	}
}

// SetEvictor wires the Evictor after both Table and Evictor have been
// constructed, breaking the construction cycle between frame.Table and
// fault.Handler (each needs a reference to the other).
func (t *Table) SetEvictor(e Evictor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictor = e
}

// Allocate returns a pinned frame newly mapped to (owner, addr),
// evicting a victim first if the table is at capacity. The returned
// frame's contents are unspecified (the caller is expected to load or
// zero it immediately, per spec.md §4.I).
func (t *Table) Allocate(owner sched.TID, addr vm.Page) (*Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.frames) >= t.cap {
		if err := t.evictOneLocked(); err != nil {
			return nil, err
		}
	}

	mem := t.getBufLocked()
	f := &Frame{mem: mem, owner: owner, userAddr: addr, pinned: true}
	t.frames = append(t.frames, f)
	return f, nil
}

// Pin marks f pinned, excluding it from eviction.
func (t *Table) Pin(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.pinned = true
}

// Unpin clears f's pinned flag.
func (t *Table) Unpin(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.pinned = false
}

// Free removes f from the table and returns its buffer to the pool,
// without running eviction policy on it — used when a frame's owner
// exits or explicitly unmaps the page, not when it's being paged out.
func (t *Table) Free(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(f)
	t.putBufLocked(f.mem)
}

func (t *Table) removeLocked(f *Frame) {
	for i, c := range t.frames {
		if c == f {
			t.frames = append(t.frames[:i], t.frames[i+1:]...)
			return
		}
	}
}

func (t *Table) getBufLocked() []byte {
	if n := len(t.free); n > 0 {
		b := t.free[n-1]
		t.free = t.free[:n-1]
		return b
	}
	return make([]byte, vm.PageSize)
}

func (t *Table) putBufLocked(b []byte) {
	t.free = append(t.free, b)
}

// evictOneLocked runs the second-chance scan of spec.md §4.G until it
// finds and evicts one victim. Must be called with t.mu held.
func (t *Table) evictOneLocked() error {
	for {
		klog.Assert(len(t.frames) > 0, "frame: eviction scan found no frames to consider")
		f := t.frames[0]
		t.frames = t.frames[1:]

		if f.pinned || t.threads.IsDying(f.owner) {
			t.frames = append(t.frames, f)
			continue
		}
		if f.accessed {
			f.accessed = false
			t.frames = append(t.frames, f)
			continue
		}
		if f.dirty {
			f.dirty = false
			f.everDirty = true
			t.frames = append(t.frames, f)
			continue
		}

		klog.Assert(t.evictor != nil, "frame: eviction needed before an Evictor was wired via SetEvictor")
		f.pinned = true
		_, err := t.evictor.Replace(f, f.everDirty)
		if err != nil {
			// Put it back; the caller can retry allocation later.
			f.pinned = false
			t.frames = append(t.frames, f)
			return err
		}
		t.putBufLocked(f.mem)
		return nil
	}
}

// FreeAll frees every frame owned by owner without writeback or
// eviction policy, for process-exit cleanup: the owner's address space
// is being torn down anyway, matching spec.md §5's "frames are freed
// lazily by the evictor on the next encounter with a null page
// directory" made immediate rather than deferred to the next scan.
func (t *Table) FreeAll(owner sched.TID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.frames[:0]
	for _, f := range t.frames {
		if f.owner == owner {
			t.putBufLocked(f.mem)
		} else {
			kept = append(kept, f)
		}
	}
	t.frames = kept
}

// Evict forces f through the wired Evictor unconditionally, bypassing
// the second-chance scan and the pinned/accessed checks — used by
// munmap to flush one specific mmap page while its owner is still
// alive, rather than waiting for f to be chosen by ordinary eviction.
func (t *Table) Evict(f *Frame) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	klog.Assert(t.evictor != nil, "frame: Evict called before an Evictor was wired via SetEvictor")
	t.removeLocked(f)
	slot, err := t.evictor.Replace(f, f.dirty || f.everDirty)
	if err != nil {
		t.frames = append(t.frames, f)
		return 0, err
	}
	t.putBufLocked(f.mem)
	return slot, nil
}

// Find returns the frame currently mapped to (owner, addr), if any —
// the frame-table equivalent of "is there a present PTE for this
// address", used by the page-fault handler's rights-violation check.
func (t *Table) Find(owner sched.TID, addr vm.Page) (*Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.frames {
		if f.owner == owner && f.userAddr == addr {
			return f, true
		}
	}
	return nil, false
}
