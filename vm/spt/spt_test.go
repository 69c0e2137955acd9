package spt

import (
	"path/filepath"
	"testing"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/vm"
	"github.com/jik8191/gopintos/vm/swap"
)

func newTestSwap(t *testing.T) *swap.Swap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.img")
	sectorsPerPage := vm.PageSize / devices.SectorSize
	dev, err := devices.Open(path, "swap", devices.Sector(2*sectorsPerPage))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return swap.New(dev, swap.Options{})
}

func TestInsertLookup(t *testing.T) {
	tbl := New()
	addr := vm.PageOf(0x1000)
	tbl.Insert(addr, &Entry{Kind: Data, Writable: true, SwapSlot: NoSwap})

	e, ok := tbl.Lookup(addr)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if e.Kind != Data || !e.Writable {
		t.Fatalf("entry = %+v, want Kind=Data Writable=true", e)
	}
	if e.SwapSlot != NoSwap {
		t.Fatalf("SwapSlot = %d, want NoSwap", e.SwapSlot)
	}

	if _, ok := tbl.Lookup(vm.PageOf(0x2000)); ok {
		t.Fatal("expected lookup of unknown address to fail")
	}
}

func TestRemoveFreesSwapSlot(t *testing.T) {
	sw := newTestSwap(t)
	tbl := New()
	addr := vm.PageOf(0x1000)

	slot := sw.PageOut(make([]byte, vm.PageSize))
	tbl.Insert(addr, &Entry{Kind: Stack, SwapSlot: slot})

	tbl.Remove(addr, sw)

	if _, ok := tbl.Lookup(addr); ok {
		t.Fatal("expected entry to be removed")
	}
	// The freed slot must be reusable.
	sw.PageOut(make([]byte, vm.PageSize))
}

func TestDestroyAllFreesEverySwapSlot(t *testing.T) {
	sw := newTestSwap(t)
	tbl := New()

	a, b := vm.PageOf(0x1000), vm.PageOf(0x2000)
	slotA := sw.PageOut(make([]byte, vm.PageSize))
	tbl.Insert(a, &Entry{Kind: Data, SwapSlot: slotA})
	tbl.Insert(b, &Entry{Kind: Code, SwapSlot: NoSwap})

	tbl.DestroyAll(sw)

	if _, ok := tbl.Lookup(a); ok {
		t.Fatal("expected all entries removed")
	}
	// Both swap slots (the 2-page device) must now be free.
	sw.PageOut(make([]byte, vm.PageSize))
	sw.PageOut(make([]byte, vm.PageSize))
}

func TestMarkLoadedAndEvicted(t *testing.T) {
	tbl := New()
	addr := vm.PageOf(0x1000)
	tbl.Insert(addr, &Entry{Kind: Data})

	tbl.MarkEvicted(addr, 7)
	e, _ := tbl.Lookup(addr)
	if e.Loaded || e.SwapSlot != 7 {
		t.Fatalf("after MarkEvicted: Loaded=%v SwapSlot=%d, want false 7", e.Loaded, e.SwapSlot)
	}

	tbl.MarkLoaded(addr)
	e, _ = tbl.Lookup(addr)
	if !e.Loaded || e.SwapSlot != NoSwap {
		t.Fatalf("after MarkLoaded: Loaded=%v SwapSlot=%d, want true NoSwap", e.Loaded, e.SwapSlot)
	}
}
