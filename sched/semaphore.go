package sched

import "sort"

// Semaphore is a classic counting semaphore. Its wait list is sorted
// by the blocked threads' effective priority immediately before a
// waiter is popped in Up, not merely at insertion time — a donation
// that changes a waiter's priority after it blocked must still be
// honored, matching the original kernel's sema_up, which re-scans the
// waiter list for the maximum-priority thread rather than trusting
// insertion order.
type Semaphore struct {
	sch     *Scheduler
	value   int
	waiters []*Thread
}

// NewSemaphoreIn creates a Semaphore bound to sch with the given
// initial value.
func NewSemaphoreIn(sch *Scheduler, value int) *Semaphore {
	return &Semaphore{sch: sch, value: value}
}

// Value returns the current counter value, for tests and diagnostics.
func (sem *Semaphore) Value() int {
	sem.sch.mu.Lock()
	defer sem.sch.mu.Unlock()
	return sem.value
}

// Down blocks self while the counter is zero, then atomically
// decrements it.
func (sem *Semaphore) Down(self *Thread) {
	s := sem.sch
	s.mu.Lock()
	for sem.value == 0 {
		sem.waiters = append(sem.waiters, self)
		self.state = Blocked
		park := s.blockAndSwitchLocked(self)
		s.mu.Unlock()
		park()
		s.mu.Lock()
	}
	sem.value--
	s.mu.Unlock()
}

// Up increments the counter and, if any thread is waiting, wakes the
// one with the highest effective priority (FIFO among ties).
//
// self is the thread performing the Up (nil only when called from a
// context with no associated thread). If waking a thread raises its
// effective priority above self's, self yields before Up returns —
// unless fromInterrupt is set, in which case the caller is expected to
// perform that yield itself at a safe point (Scheduler.Tick does this
// once, after all of its own accounting, matching "yield happens on
// interrupt return").
func (sem *Semaphore) Up(self *Thread, fromInterrupt bool) {
	s := sem.sch
	s.mu.Lock()
	sem.value++

	var woken *Thread
	if len(sem.waiters) > 0 {
		sortWaitersByEffectivePriority(sem.waiters)
		woken = sem.waiters[0]
		sem.waiters = sem.waiters[1:]
		s.unblockLocked(woken)
	}

	yieldNeeded := !fromInterrupt && self != nil && woken != nil &&
		woken.EffectivePriority() > self.EffectivePriority()
	s.mu.Unlock()

	if yieldNeeded {
		s.Yield(self)
	}
}

// sortWaitersByEffectivePriority stable-sorts waiters highest priority
// first; sort.SliceStable preserves arrival order among equal
// priorities, giving FIFO tie-breaking.
func sortWaitersByEffectivePriority(waiters []*Thread) {
	sort.SliceStable(waiters, func(i, j int) bool {
		return waiters[i].EffectivePriority() > waiters[j].EffectivePriority()
	})
}
