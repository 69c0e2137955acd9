package frame

import (
	"testing"

	"github.com/jik8191/gopintos/sched"
	"github.com/jik8191/gopintos/vm"
)

type fakeThreads struct{ dying map[sched.TID]bool }

func (f *fakeThreads) IsDying(tid sched.TID) bool { return f.dying[tid] }

type fakeEvictor struct {
	replaced []*Frame
}

func (e *fakeEvictor) Replace(f *Frame, everDirty bool) (int, error) {
	e.replaced = append(e.replaced, f)
	return NotSwapped, nil
}

func TestAllocatePinsAndRecordsOwner(t *testing.T) {
	threads := &fakeThreads{dying: map[sched.TID]bool{}}
	tbl := New(Options{Capacity: 4, Threads: threads})
	tbl.SetEvictor(&fakeEvictor{})

	f, err := tbl.Allocate(1, vm.PageOf(0x1000))
	if err != nil {
		t.Fatal(err)
	}
	if f.Owner() != 1 || f.UserAddr() != vm.PageOf(0x1000) {
		t.Fatalf("frame = %+v, want owner 1 addr 0x1000", f)
	}
	if _, present := tbl.Find(1, vm.PageOf(0x1000)); !present {
		t.Fatal("expected Find to locate the new frame")
	}
}

func TestEvictionTakesUnpinnedFrame(t *testing.T) {
	threads := &fakeThreads{dying: map[sched.TID]bool{}}
	ev := &fakeEvictor{}
	tbl := New(Options{Capacity: 1, Threads: threads})
	tbl.SetEvictor(ev)

	f1, err := tbl.Allocate(1, vm.PageOf(0x1000))
	if err != nil {
		t.Fatal(err)
	}
	// Allocate returns f1 pinned. Once it is unpinned it is the only
	// frame in a table of capacity 1, so a second allocation from a live
	// owner must evict it.
	tbl.Unpin(f1)

	_, err = tbl.Allocate(2, vm.PageOf(0x2000))
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.replaced) != 1 || ev.replaced[0] != f1 {
		t.Fatalf("expected f1 to be the sole eviction victim, got %v", ev.replaced)
	}
	if _, present := tbl.Find(1, vm.PageOf(0x1000)); present {
		t.Fatal("expected f1 to have been evicted")
	}
	if _, present := tbl.Find(2, vm.PageOf(0x2000)); !present {
		t.Fatal("expected f2 to be present")
	}
}

func TestSecondChanceClearsAccessedBeforeEviction(t *testing.T) {
	threads := &fakeThreads{dying: map[sched.TID]bool{}}
	ev := &fakeEvictor{}
	tbl := New(Options{Capacity: 1, Threads: threads})
	tbl.SetEvictor(ev)

	f1, _ := tbl.Allocate(1, vm.PageOf(0x1000))
	tbl.Unpin(f1)
	f1.Touch(false) // sets accessed

	f2, err := tbl.Allocate(2, vm.PageOf(0x2000))
	if err != nil {
		t.Fatal(err)
	}
	_ = f2
	if len(ev.replaced) != 1 {
		t.Fatalf("expected exactly one eviction after the accessed bit was cleared, got %d", len(ev.replaced))
	}
}

func TestFreeRemovesWithoutEviction(t *testing.T) {
	threads := &fakeThreads{dying: map[sched.TID]bool{}}
	ev := &fakeEvictor{}
	tbl := New(Options{Capacity: 2, Threads: threads})
	tbl.SetEvictor(ev)

	f, _ := tbl.Allocate(1, vm.PageOf(0x1000))
	tbl.Free(f)

	if _, present := tbl.Find(1, vm.PageOf(0x1000)); present {
		t.Fatal("expected frame to be gone after Free")
	}
	if len(ev.replaced) != 0 {
		t.Fatal("Free must not invoke the evictor")
	}
}
