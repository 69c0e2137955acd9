package fault

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/sched"
	"github.com/jik8191/gopintos/vm"
	"github.com/jik8191/gopintos/vm/frame"
	"github.com/jik8191/gopintos/vm/spt"
	"github.com/jik8191/gopintos/vm/swap"
)

// memBacking is an in-memory spt.Backing used to load Code/Data pages
// in tests without a real file.
type memBacking struct{ data []byte }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}
func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func newHarness(t *testing.T, capacity int) (*frame.Table, *Handler) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.img")
	sectorsPerPage := vm.PageSize / devices.SectorSize
	dev, err := devices.Open(path, "swap", devices.Sector(4*sectorsPerPage))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	sw := swap.New(dev, swap.Options{})

	threads := &fakeThreads{}
	frames := frame.New(frame.Options{Capacity: capacity, Threads: threads})
	h := New(Options{Frames: frames, Swap: sw, StackFloor: 0x1000, UserTop: 0xC0000000})
	frames.SetEvictor(h)
	return frames, h
}

type fakeThreads struct{}

func (fakeThreads) IsDying(sched.TID) bool { return false }

func TestStackGrowthLegitimate(t *testing.T) {
	frames, h := newHarness(t, 4)
	const tid sched.TID = 1
	addr := uint64(0x2000000)
	esp := addr

	if err := h.Handle(tid, addr, esp, true); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	f, ok := frames.Find(tid, vm.PageOf(addr))
	if !ok {
		t.Fatal("expected a frame to be installed")
	}
	for _, b := range f.Mem() {
		if b != 0 {
			t.Fatal("expected a freshly grown stack page to be zero-filled")
		}
	}
}

func TestStackGrowthIllegitimateBelowFloor(t *testing.T) {
	_, h := newHarness(t, 4)
	if err := h.Handle(1, 0x500, 0x2000000, true); err != ErrSegFault {
		t.Fatalf("Handle() = %v, want ErrSegFault", err)
	}
}

func TestStackGrowthIllegitimateTooFarBelowEsp(t *testing.T) {
	_, h := newHarness(t, 4)
	esp := uint64(0x2000000)
	if err := h.Handle(1, esp-1000, esp, true); err != ErrSegFault {
		t.Fatalf("Handle() = %v, want ErrSegFault", err)
	}
}

// TestStackGrowthPushFault covers a plain PUSH faulting exactly 4 bytes
// below esp, the narrower of the two recognized offsets.
func TestStackGrowthPushFault(t *testing.T) {
	_, h := newHarness(t, 4)
	esp := uint64(0x2000000)
	if err := h.Handle(1, esp-pushOffset, esp, true); err != nil {
		t.Fatalf("Handle() = %v, want nil (PUSH growth)", err)
	}
}

// TestStackGrowthPushaFault covers a PUSHA faulting exactly 32 bytes
// below esp, the wider of the two recognized offsets.
func TestStackGrowthPushaFault(t *testing.T) {
	_, h := newHarness(t, 4)
	esp := uint64(0x2000000)
	if err := h.Handle(1, esp-pushaOffset, esp, true); err != nil {
		t.Fatalf("Handle() = %v, want nil (PUSHA growth)", err)
	}
}

// TestStackGrowthIllegitimateBetweenOffsets covers an address strictly
// between the PUSH and PUSHA offsets, which matches neither recognized
// instruction shape and is not already at or above esp.
func TestStackGrowthIllegitimateBetweenOffsets(t *testing.T) {
	_, h := newHarness(t, 4)
	esp := uint64(0x2000000)
	if err := h.Handle(1, esp-16, esp, true); err != ErrSegFault {
		t.Fatalf("Handle() = %v, want ErrSegFault", err)
	}
}

func TestLoadFromFileBacking(t *testing.T) {
	frames, h := newHarness(t, 4)
	const tid sched.TID = 1
	addr := vm.PageOf(0x8000000)

	backing := &memBacking{data: bytes.Repeat([]byte{0x42}, vm.PageSize)}
	table := h.SPTFor(tid)
	table.Insert(addr, &spt.Entry{
		Kind:      spt.Code,
		File:      backing,
		ReadBytes: vm.PageSize,
		SwapSlot:  spt.NoSwap,
	})

	if err := h.Handle(tid, uint64(addr), uint64(addr), false); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	f, ok := frames.Find(tid, addr)
	if !ok {
		t.Fatal("expected frame to be installed from backing file")
	}
	if f.Mem()[0] != 0x42 {
		t.Fatalf("loaded byte = %#x, want 0x42", f.Mem()[0])
	}
	e, _ := table.Lookup(addr)
	if !e.Loaded {
		t.Fatal("expected SPTE to be marked loaded")
	}
}

func TestLoadFromSwap(t *testing.T) {
	frames, h := newHarness(t, 4)
	const tid sched.TID = 1
	addr := vm.PageOf(0x9000000)

	want := bytes.Repeat([]byte{0x7e}, vm.PageSize)
	// Out-of-band: push a page into the handler's own swap device the
	// same way an eviction would, to set up a resident-in-swap SPTE.
	slot := h.sw.PageOut(want)
	table := h.SPTFor(tid)
	table.Insert(addr, &spt.Entry{Kind: spt.Data, SwapSlot: slot})

	if err := h.Handle(tid, uint64(addr), uint64(addr), false); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	f, ok := frames.Find(tid, addr)
	if !ok {
		t.Fatal("expected frame to be installed from swap")
	}
	if !bytes.Equal(f.Mem(), want) {
		t.Fatal("loaded page contents did not match what was swapped out")
	}
	e, _ := table.Lookup(addr)
	if e.SwapSlot != spt.NoSwap {
		t.Fatalf("SwapSlot after load = %d, want NoSwap", e.SwapSlot)
	}
}

func TestEvictionWritesDirtyDataToSwap(t *testing.T) {
	frames, h := newHarness(t, 1)
	const tid sched.TID = 1
	a, b := vm.PageOf(0x1000000), vm.PageOf(0x2000000)

	table := h.SPTFor(tid)
	table.Insert(a, &spt.Entry{Kind: spt.Data, SwapSlot: spt.NoSwap})
	if err := h.Handle(tid, uint64(a), uint64(a), false); err != nil {
		t.Fatal(err)
	}
	fa, _ := frames.Find(tid, a)
	for i := range fa.Mem() {
		fa.Mem()[i] = 0x99
	}
	fa.Touch(true)
	frames.Unpin(fa)

	table.Insert(b, &spt.Entry{Kind: spt.Data, SwapSlot: spt.NoSwap})
	if err := h.Handle(tid, uint64(b), uint64(b), false); err != nil {
		t.Fatal(err)
	}

	ea, _ := table.Lookup(a)
	if ea.Loaded {
		t.Fatal("expected page a to have been evicted")
	}
	if ea.SwapSlot == spt.NoSwap {
		t.Fatal("expected dirty Data page to be written to swap, not dropped")
	}
}

func TestRightsViolation(t *testing.T) {
	_, h := newHarness(t, 4)
	const tid sched.TID = 1
	addr := vm.PageOf(0x3000000)

	table := h.SPTFor(tid)
	table.Insert(addr, &spt.Entry{Kind: spt.Code, Writable: false, SwapSlot: spt.NoSwap})
	if err := h.Handle(tid, uint64(addr), uint64(addr), false); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := h.Handle(tid, uint64(addr), uint64(addr), true); err != ErrRightsViolation {
		t.Fatalf("Handle() on present read-only page write = %v, want ErrRightsViolation", err)
	}
}
