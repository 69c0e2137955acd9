package sched

// condWaiter is one thread's place in a CondVar's wait list: a
// private one-shot semaphore the waiting thread parks on, paired with
// the thread itself so Signal can find the highest-effective-priority
// waiter.
type condWaiter struct {
	thread *Thread
	sem    *Semaphore
}

// CondVar is a Mesa-style condition variable: Signal/Broadcast make a
// waiter runnable but do not hand it the monitor lock atomically, so a
// woken thread always re-checks its condition after Wait returns (the
// same contract as sync.Cond).
type CondVar struct {
	sch     *Scheduler
	waiters []*condWaiter
}

// NewCondVarIn creates an empty CondVar bound to sch.
func NewCondVarIn(sch *Scheduler) *CondVar {
	return &CondVar{sch: sch}
}

// Wait releases l, blocks self until signaled, then reacquires l
// before returning.
func (cv *CondVar) Wait(self *Thread, l *Lock) {
	w := &condWaiter{thread: self, sem: NewSemaphoreIn(cv.sch, 0)}
	cv.sch.mu.Lock()
	cv.waiters = append(cv.waiters, w)
	cv.sch.mu.Unlock()

	l.Release(self)
	w.sem.Down(self)
	l.Acquire(self)
}

// Signal wakes the waiter with the highest effective priority, if any.
// l must be the lock currently held by self (the monitor lock guarding
// the condition); it is passed for symmetry with Wait and is not
// itself touched.
func (cv *CondVar) Signal(self *Thread, l *Lock) {
	cv.sch.mu.Lock()
	if len(cv.waiters) == 0 {
		cv.sch.mu.Unlock()
		return
	}
	best := 0
	for i, w := range cv.waiters {
		if w.thread.EffectivePriority() > cv.waiters[best].thread.EffectivePriority() {
			best = i
		}
	}
	w := cv.waiters[best]
	cv.waiters = append(cv.waiters[:best], cv.waiters[best+1:]...)
	cv.sch.mu.Unlock()

	w.sem.Up(self, false)
}

// Broadcast wakes every waiter, highest priority first.
func (cv *CondVar) Broadcast(self *Thread, l *Lock) {
	for {
		cv.sch.mu.Lock()
		empty := len(cv.waiters) == 0
		cv.sch.mu.Unlock()
		if empty {
			return
		}
		cv.Signal(self, l)
	}
}
