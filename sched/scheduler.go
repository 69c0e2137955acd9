package sched

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jik8191/gopintos/fixedpoint"
	"github.com/jik8191/gopintos/klog"
)

// Policy selects the scheduling discipline.
type Policy int

const (
	// RoundRobin schedules strictly by priority, FIFO within a level,
	// with priorities changed only by explicit SetPriority calls and
	// donation.
	RoundRobin Policy = iota
	// MLFQ enables the multilevel-feedback-queue accounting: recent-CPU,
	// nice, load average, and the periodic priority recomputation.
	MLFQ
)

// TimeSlice is the number of ticks a thread may run before the
// scheduler requests a voluntary yield, matching Pintos's TIME_SLICE.
const TimeSlice = 4

// TimerFreq is the assumed timer interrupt frequency in Hz, matching
// Pintos's TIMER_FREQ. 19 <= TimerFreq <= 1000 per the timer device
// contract.
const TimerFreq = 100

// Options configures a Scheduler.
type Options struct {
	Policy Policy
	Logger klog.Logger
}

// Scheduler holds every piece of scheduler-internal global state: the
// 64 priority ready queues, the all-threads table, the sleep list, and
// (in MLFQ mode) the load average. A single mutex stands in for
// Pintos's "disable interrupts", per SPEC_FULL.md's re-expression
// decision: every operation that would run with interrupts off in the
// original kernel holds mu for its whole duration here.
type Scheduler struct {
	mu sync.Mutex

	policy  Policy
	log     klog.Logger
	ticks   uint64
	loadAvg fixedpoint.Value

	ready      [PriMax + 1][]*Thread
	sleeping   []*Thread // sorted by wakeAt ascending, ties by priority descending
	allThreads map[TID]*Thread
	nextTID    TID

	current *Thread
	idle    *Thread
}

// New creates a Scheduler with a bootstrap "main" thread already
// Running, and an idle thread that runs whenever every ready queue is
// empty.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		policy:     opts.Policy,
		log:        klog.OrNop(opts.Logger),
		allThreads: make(map[TID]*Thread),
	}
	main := s.newThreadLocked("main", PriMax)
	main.state = Running
	s.current = main

	// The idle thread is a bookkeeping sentinel, not a goroutine: on a
	// single-CPU cooperative model, "idle is current" simply means no
	// thread goroutine is presently executing. See maybeWakeFromIdleLocked.
	s.idle = s.newThreadLocked("idle", PriMin)

	return s
}

// Current returns the thread the Scheduler currently considers to be
// running. Only meaningful when called from the thread that is
// actually executing.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ticks returns the number of timer ticks delivered so far.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// LoadAvg returns the current MLFQ load average.
func (s *Scheduler) LoadAvg() fixedpoint.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg
}

func (s *Scheduler) newThreadLocked(name string, prio int) *Thread {
	s.nextTID++
	t := NewThread(s.nextTID, name, prio)
	s.allThreads[t.id] = t
	return t
}

// Spawn creates a new thread in the Blocked state, starts its
// goroutine (parked until dispatched), and makes it Ready — thread
// creation in Pintos is thread_create() immediately followed by
// thread_unblock(). If the new thread's priority exceeds the caller's
// effective priority, the caller yields before Spawn returns, matching
// Pintos's thread_create behavior.
func (s *Scheduler) Spawn(self *Thread, name string, prio int, fn func(t *Thread)) *Thread {
	s.mu.Lock()
	t := s.newThreadLocked(name, prio)
	go func() {
		<-t.baton()
		fn(t)
		s.exit(t)
	}()
	s.unblockLocked(t)
	shouldYield := self != nil && t.EffectivePriority() > self.EffectivePriority()
	s.mu.Unlock()
	if shouldYield {
		s.Yield(self)
	}
	return t
}

// unblockLocked transitions t from Blocked to Ready and enqueues it on
// its priority's FIFO queue. Must be called with mu held. If nothing
// was running (the idle sentinel was current), t is dispatched
// immediately: idle has no goroutine of its own to voluntarily yield,
// so whoever makes a thread Ready while idle is current must hand off
// the CPU on its behalf.
func (s *Scheduler) unblockLocked(t *Thread) {
	t.state = Ready
	p := t.EffectivePriority()
	s.ready[p] = append(s.ready[p], t)
	s.maybeWakeFromIdleLocked()
}

// maybeWakeFromIdleLocked dispatches the best ready thread if the
// scheduler currently has nothing running. Must be called with mu held.
func (s *Scheduler) maybeWakeFromIdleLocked() {
	if s.current != s.idle {
		return
	}
	next := s.pickNextLocked()
	if next != s.idle {
		s.dispatchLocked(next)
	}
}

// removeFromReadyLocked removes t from whichever ready queue it is on,
// used when donation changes its effective priority and it must move
// to a different queue.
func (s *Scheduler) removeFromReadyLocked(t *Thread) bool {
	for p := range s.ready {
		q := s.ready[p]
		for i, c := range q {
			if c == t {
				s.ready[p] = append(q[:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}

// requeueLocked moves a Ready thread to the queue matching its current
// effective priority, preserving it if already correctly placed.
func (s *Scheduler) requeueLocked(t *Thread) {
	if t.state != Ready {
		return
	}
	s.removeFromReadyLocked(t)
	p := t.EffectivePriority()
	s.ready[p] = append(s.ready[p], t)
}

// pickNextLocked returns the next thread to run: the front of the
// highest non-empty priority queue, or idle if every queue is empty.
func (s *Scheduler) pickNextLocked() *Thread {
	for p := PriMax; p >= PriMin; p-- {
		q := s.ready[p]
		if len(q) > 0 {
			next := q[0]
			s.ready[p] = q[1:]
			return next
		}
	}
	return s.idle
}

// dispatchLocked makes next the running thread and releases its
// goroutine. Must be called with mu held; the caller is responsible
// for parking its own goroutine (if it is not next) after unlocking.
// The idle sentinel has no goroutine, so dispatching it is pure
// bookkeeping: nothing runs until maybeWakeFromIdleLocked hands off
// again.
func (s *Scheduler) dispatchLocked(next *Thread) {
	next.state = Running
	next.quantumUsed = 0
	s.current = next
	if next == s.idle {
		return
	}
	select {
	case next.baton() <- struct{}{}:
	default:
		// Buffered capacity 1: a wake is already queued. This should
		// not happen in normal operation (a thread is dispatched only
		// once per block/yield cycle) but a non-blocking send keeps a
		// bug here from deadlocking the scheduler mutex.
	}
}

// blockAndSwitchLocked transitions self out of Running (caller has
// already set self.state and recorded self on whatever wait list is
// appropriate), picks the next thread to run, dispatches it, and
// returns a park function the caller must invoke after unlocking mu.
func (s *Scheduler) blockAndSwitchLocked(self *Thread) func() {
	next := s.pickNextLocked()
	s.dispatchLocked(next)
	return func() {
		<-self.baton()
	}
}

// Yield voluntarily gives up the CPU: self goes back to Ready at the
// tail of its queue and the scheduler picks a (possibly different)
// thread to run next.
func (s *Scheduler) Yield(self *Thread) {
	s.mu.Lock()
	self.state = Ready
	p := self.EffectivePriority()
	s.ready[p] = append(s.ready[p], self)
	next := s.pickNextLocked()
	if next == self {
		// Nothing else runnable; stay current without a round trip.
		s.removeFromReadyLocked(self)
		self.state = Running
		s.mu.Unlock()
		return
	}
	s.dispatchLocked(next)
	s.mu.Unlock()
	<-self.baton()
}

// exit marks self Dying, wakes nobody directly (callers waiting on
// this thread's exit do so through a process-level mechanism layered
// above sched, such as package proc's Wait), and switches away
// permanently. The goroutine that calls exit never runs again.
func (s *Scheduler) exit(self *Thread) {
	s.mu.Lock()
	self.state = Dying
	delete(s.allThreads, self.id)
	next := s.pickNextLocked()
	s.dispatchLocked(next)
	s.mu.Unlock()
	// This goroutine returns to its caller (the go func() wrapper in
	// Spawn) and terminates; it never parks on its own baton again.
}

// SetPriority changes self's base priority. If donation currently
// holds self's effective priority above the new base, the change is
// recorded but has no visible effect until every donation is released.
// If the change causes a higher-priority ready thread to exist, self
// yields.
func (s *Scheduler) SetPriority(self *Thread, prio int) {
	s.mu.Lock()
	self.basePrio = prio
	s.requeueLocked(self)
	yield := s.higherPriorityReadyLocked(self.EffectivePriority())
	s.mu.Unlock()
	if yield {
		s.Yield(self)
	}
}

// SetNice changes self's nice value (MLFQ mode only) and recomputes
// its priority immediately, yielding if a higher-priority thread
// becomes ready.
func (s *Scheduler) SetNice(self *Thread, nice int) {
	s.mu.Lock()
	self.nice = clamp(nice, NiceMin, NiceMax)
	recomputePriorityLocked(self)
	s.requeueLocked(self)
	yield := s.higherPriorityReadyLocked(self.EffectivePriority())
	s.mu.Unlock()
	if yield {
		s.Yield(self)
	}
}

func (s *Scheduler) higherPriorityReadyLocked(prio int) bool {
	for p := PriMax; p > prio; p-- {
		if len(s.ready[p]) > 0 {
			return true
		}
	}
	return false
}

// Sleep parks self until at least n ticks have elapsed, inserting it
// into the sleep list ordered by wake-at ascending (ties broken by
// higher priority first).
func (s *Scheduler) Sleep(self *Thread, n uint64) {
	if n == 0 {
		s.Yield(self)
		return
	}
	s.mu.Lock()
	self.wakeAt = s.ticks + n
	self.state = Blocked
	s.insertSleepingLocked(self)
	park := s.blockAndSwitchLocked(self)
	s.mu.Unlock()
	park()
}

func (s *Scheduler) insertSleepingLocked(t *Thread) {
	i := sort.Search(len(s.sleeping), func(i int) bool {
		o := s.sleeping[i]
		if o.wakeAt != t.wakeAt {
			return o.wakeAt > t.wakeAt
		}
		return o.EffectivePriority() < t.EffectivePriority()
	})
	s.sleeping = append(s.sleeping, nil)
	copy(s.sleeping[i+1:], s.sleeping[i:])
	s.sleeping[i] = t
}

// Tick is invoked by the timer device once per interrupt. It advances
// the tick counter, runs MLFQ accounting, wakes every thread whose
// wake-at has arrived, and flags a yield if the running thread's
// quantum has expired. The actual yield (on "interrupt return") is
// performed once, at the end of Tick after mu is released, to avoid
// yielding mid accounting pass.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++
	now := s.ticks

	if s.policy == MLFQ {
		s.mlfqTickAccountingLocked()
	}

	var woken []*Thread
	for len(s.sleeping) > 0 && s.sleeping[0].wakeAt <= now {
		t := s.sleeping[0]
		s.sleeping = s.sleeping[1:]
		woken = append(woken, t)
	}
	for _, t := range woken {
		s.unblockLocked(t)
	}

	yieldNeeded := false
	if s.current != s.idle {
		s.current.quantumUsed++
		if s.current.quantumUsed >= TimeSlice {
			yieldNeeded = true
		}
	}
	if !yieldNeeded && woken != nil {
		yieldNeeded = s.higherPriorityReadyLocked(s.current.EffectivePriority())
	}
	self := s.current
	s.mu.Unlock()

	if yieldNeeded {
		s.Yield(self)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// String renders a snapshot of ready-queue occupancy, for debugging
// and for tests that want a quick structural dump.
func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := fmt.Sprintf("ticks=%d current=%s sleeping=%d", s.ticks, s.current.name, len(s.sleeping))
	for p := PriMax; p >= PriMin; p-- {
		if len(s.ready[p]) == 0 {
			continue
		}
		names := make([]string, len(s.ready[p]))
		for i, t := range s.ready[p] {
			names[i] = t.name
		}
		out += fmt.Sprintf(" [%d:%v]", p, names)
	}
	return out
}

// NewSemaphore creates a counting Semaphore bound to s.
func (s *Scheduler) NewSemaphore(value int) *Semaphore { return NewSemaphoreIn(s, value) }

// NewLock creates a free Lock bound to s.
func (s *Scheduler) NewLock() *Lock { return NewLockIn(s) }

// NewCondVar creates an empty CondVar bound to s.
func (s *Scheduler) NewCondVar() *CondVar { return NewCondVarIn(s) }

// NewRWLock creates a free RWLock bound to s.
func (s *Scheduler) NewRWLock() *RWLock { return NewRWLockIn(s) }

// EffectivePriorityOf safely reads t's effective priority from outside
// any scheduler-internal call path (tests, diagnostics).
func (s *Scheduler) EffectivePriorityOf(t *Thread) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.EffectivePriority()
}

// Idle returns the scheduler's idle sentinel thread.
func (s *Scheduler) Idle() *Thread {
	return s.idle
}

// IsDying reports whether tid's thread has exited (or never existed).
// Satisfies vm/frame.ThreadSource: a frame whose owner is dying must
// not be evicted through its normal SPTE-writeback path, since the
// owner's address space is being torn down anyway.
func (s *Scheduler) IsDying(tid TID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.allThreads[tid]
	return !ok || t.state == Dying
}

// ReadySnapshot returns, for testing, the names of threads on each
// priority's ready queue in FIFO order.
func (s *Scheduler) ReadySnapshot(prio int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ready[prio]))
	for i, t := range s.ready[prio] {
		out[i] = t.name
	}
	return out
}
