package sched

import "github.com/jik8191/gopintos/klog"

// Lock is a mutex with priority donation: while a higher-priority
// thread waits on a Lock, its priority is donated to the holder (and
// transitively along the holder's own lock_waiton chain), so a
// low-priority holder cannot be starved of the CPU by medium-priority
// threads that have nothing to do with the lock.
//
// Lock is not recursive: acquiring a Lock the calling thread already
// holds is an AssertionViolation (kernel panic), matching the original
// kernel's lock_acquire assertion.
type Lock struct {
	sch    *Scheduler
	sem    *Semaphore // binary semaphore: 1 = free, 0 = held
	holder *Thread
	// donated is the donated priority: the maximum effective priority
	// among threads currently blocked acquiring this lock, or PriMin
	// if none are waiting.
	donated int
}

// NewLockIn creates a free Lock bound to sch.
func NewLockIn(sch *Scheduler) *Lock {
	return &Lock{sch: sch, sem: NewSemaphoreIn(sch, 1), donated: PriMin}
}

// donatedPriority returns the lock's current donated priority. Callers
// must hold sch.mu; it performs no locking of its own so it can be
// called from within Thread.EffectivePriority(), which is itself
// always invoked under sch.mu.
func (l *Lock) donatedPriority() int { return l.donated }

// Holder returns the thread currently holding l, or nil.
func (l *Lock) Holder() *Thread {
	l.sch.mu.Lock()
	defer l.sch.mu.Unlock()
	return l.holder
}

// Acquire blocks self until l is free, donating self's effective
// priority along the chain L -> L.holder -> L.holder.waitingOn -> ...
// while it waits.
func (l *Lock) Acquire(self *Thread) {
	s := l.sch

	s.mu.Lock()
	klog.Assert(l.holder != self, "thread %q acquired a lock it already holds", self.Name())
	if l.holder != nil {
		self.waitingOn = l
		l.donateChainLocked(self.EffectivePriority())
	}
	s.mu.Unlock()

	l.sem.Down(self)

	s.mu.Lock()
	self.waitingOn = nil
	l.holder = self
	self.addLock(l)
	s.mu.Unlock()
}

// donateChainLocked raises l's donated priority to at least priority
// and propagates the same donation to l's holder's own waitingOn lock,
// transitively. Must be called with sch.mu held.
func (l *Lock) donateChainLocked(priority int) {
	if priority <= l.donated {
		return
	}
	l.donated = priority
	holder := l.holder
	if holder == nil {
		return
	}
	l.sch.requeueLocked(holder)
	if holder.waitingOn != nil {
		holder.waitingOn.donateChainLocked(priority)
	}
}

// Release releases l, which self must currently hold. The donated
// priority shrinks back to the maximum effective priority among the
// threads still waiting (or PriMin if none), and the highest-priority
// waiter (if any) is woken to attempt acquisition.
func (l *Lock) Release(self *Thread) {
	s := l.sch
	s.mu.Lock()
	klog.Assert(l.holder == self, "thread %q released a lock it does not hold", self.Name())
	l.holder = nil
	self.removeLock(l)
	l.donated = l.remainingWaiterPriorityLocked()
	s.mu.Unlock()

	l.sem.Up(self, false)
}

// remainingWaiterPriorityLocked computes what l's donated priority
// should become once Release's subsequent sem.Up grants the lock to
// the highest-priority current waiter: the maximum effective priority
// among every *other* waiter (the one about to be granted the lock is
// no longer waiting on it).
func (l *Lock) remainingWaiterPriorityLocked() int {
	if len(l.sem.waiters) == 0 {
		return PriMin
	}
	sortWaitersByEffectivePriority(l.sem.waiters)
	max := PriMin
	for _, w := range l.sem.waiters[1:] {
		if p := w.EffectivePriority(); p > max {
			max = p
		}
	}
	return max
}
