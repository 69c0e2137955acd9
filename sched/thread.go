// Package sched implements a priority-scheduled, cooperatively-yielding
// thread model and the synchronization primitives that interlock with
// it: counting semaphores, locks with priority donation, condition
// variables, and reader/writer locks.
//
// Each kernel Thread is backed by a host goroutine plus a private wake
// semaphore, per the "map each kernel thread onto a host thread plus a
// single binary wake semaphore" substitution for Pintos's cooperative
// coroutine model. There is no implicit goroutine-local "current
// thread" lookup: every blocking call takes the caller's *Thread
// explicitly, the same way a context.Context is threaded through Go
// APIs that need ambient call-scoped state.
package sched

import "github.com/jik8191/gopintos/fixedpoint"

// TID identifies a thread across its lifetime. Zero is never a valid TID.
type TID uint64

// State is a thread's scheduling state.
type State int

const (
	// Running is the single thread the scheduler has selected to execute.
	Running State = iota
	// Ready means the thread sits on a priority ready queue.
	Ready
	// Blocked means the thread is parked on a semaphore, lock, condition
	// variable, or the sleep list.
	Blocked
	// Dying means the thread has exited and awaits reclamation on the
	// next thread switch.
	Dying
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// Priority bounds, matching PRI_MIN/PRI_MAX.
const (
	PriMin = 0
	PriMax = 63
)

// Nice bounds.
const (
	NiceMin = -20
	NiceMax = 20
)

// NameMax is the longest thread name this scheduler keeps (excluding a
// terminating marker); names are simply truncated, never rejected.
const NameMax = 15

// Thread is a schedulable entity: one goroutine, one wake semaphore,
// and the bookkeeping the scheduler and the synchronization
// primitives in this package need to make priority donation and
// wakeup ordering correct.
//
// A Thread is on exactly one of: a ready queue, the sleep list, a
// semaphore/condvar wait list, or nowhere (Running or Dying). Callers
// outside this package never mutate Thread fields directly; they go
// through Scheduler and the synchronization primitives.
type Thread struct {
	id       TID
	name     string
	state    State
	basePrio int
	nice     int
	recentCPU fixedpoint.Value

	// wakeAt is the tick at which a sleeping thread should be moved to
	// Ready. Valid only while the thread is on the sleep list.
	wakeAt uint64

	// batonCh is this thread's private wake channel: the scheduler
	// sends on it to release the thread's goroutine once dispatched,
	// and every blocking operation in this package parks by receiving
	// from it. This is the Go-native form of the "per-thread
	// wait-semaphore" the data model calls for.
	batonCh chan struct{}

	// locksHeld is every lock currently held by this thread, used to
	// compute EffectivePriority. Order is acquisition order.
	locksHeld []*Lock

	// waitingOn is the lock this thread is currently blocked acquiring,
	// or nil. Used to walk the donation chain L -> L.holder ->
	// L.holder.waitingOn -> ...
	waitingOn *Lock

	// quantumUsed counts ticks the thread has run since it was last
	// scheduled, reset on every context switch; the scheduler requests
	// a yield once it reaches the time slice.
	quantumUsed int
}

// NewThread creates a Blocked thread. The scheduler's Spawn is the
// usual entry point; this constructor is exported so tests can build
// threads without a running Scheduler.
func NewThread(id TID, name string, basePrio int) *Thread {
	if len(name) > NameMax {
		name = name[:NameMax]
	}
	return &Thread{
		id:       id,
		name:     name,
		state:    Blocked,
		basePrio: basePrio,
		nice:     0,
		batonCh:  make(chan struct{}, 1),
	}
}

// baton is the channel the scheduler uses to release this thread's
// goroutine once it has been picked to run.
func (t *Thread) baton() chan struct{} { return t.batonCh }

// ID returns the thread's identity.
func (t *Thread) ID() TID { return t.id }

// Name returns the thread's (possibly truncated) name.
func (t *Thread) Name() string { return t.name }

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// BasePriority returns the thread's base (undonated) priority.
func (t *Thread) BasePriority() int { return t.basePrio }

// Nice returns the thread's nice value, used only in MLFQ mode.
func (t *Thread) Nice() int { return t.nice }

// RecentCPU returns the thread's recent-CPU accounting value, used
// only in MLFQ mode.
func (t *Thread) RecentCPU() fixedpoint.Value { return t.recentCPU }

// EffectivePriority is max(base priority, max donated priority over
// every lock currently held by this thread).
func (t *Thread) EffectivePriority() int {
	eff := t.basePrio
	for _, l := range t.locksHeld {
		if d := l.donatedPriority(); d > eff {
			eff = d
		}
	}
	return eff
}

// WaitingOn returns the lock this thread is blocked trying to
// acquire, or nil.
func (t *Thread) WaitingOn() *Lock { return t.waitingOn }

// HoldsLock reports whether t currently holds l.
func (t *Thread) HoldsLock(l *Lock) bool {
	for _, h := range t.locksHeld {
		if h == l {
			return true
		}
	}
	return false
}

func (t *Thread) addLock(l *Lock) {
	t.locksHeld = append(t.locksHeld, l)
}

func (t *Thread) removeLock(l *Lock) {
	for i, h := range t.locksHeld {
		if h == l {
			t.locksHeld = append(t.locksHeld[:i], t.locksHeld[i+1:]...)
			return
		}
	}
}
