package sched

import "github.com/jik8191/gopintos/fixedpoint"

// loadAvgDecay and loadAvgGain implement load_avg = (59/60)*load_avg +
// (1/60)*ready_threads.
var (
	loadAvgDecay = fixedpoint.FromInt(59).Div(fixedpoint.FromInt(60))
	loadAvgGain  = fixedpoint.FromInt(1).Div(fixedpoint.FromInt(60))
)

// mlfqTickAccountingLocked runs once per tick in MLFQ mode. Must be
// called with mu held, before the sleep-list wakeup pass, matching the
// original timer_interrupt's ordering: thread_tick() does the MLFQ
// accounting for the running thread first, then (via thread_foreach)
// the once-a-second and once-per-4-ticks global recomputations.
func (s *Scheduler) mlfqTickAccountingLocked() {
	// Recent-CPU increments by exactly 1 per tick on the running
	// non-idle thread, with no separate user-program tick charge.
	if s.current != s.idle {
		s.current.recentCPU = s.current.recentCPU.AddInt(1)
	}

	if s.ticks%TimerFreq == 0 {
		s.recomputeLoadAvgLocked()
		for _, t := range s.allThreads {
			if t == s.idle {
				continue
			}
			t.recentCPU = recomputeRecentCPU(t.recentCPU, s.loadAvg, t.nice)
		}
	}

	if s.ticks%4 == 0 {
		for _, t := range s.allThreads {
			if t == s.idle {
				continue
			}
			recomputePriorityLocked(t)
			s.requeueLocked(t)
		}
	}
}

func (s *Scheduler) recomputeLoadAvgLocked() {
	ready := 0
	if s.current != s.idle {
		ready++
	}
	for p := range s.ready {
		ready += len(s.ready[p])
	}
	s.loadAvg = loadAvgDecay.Mul(s.loadAvg).Add(loadAvgGain.MulInt(ready))
}

// recomputeRecentCPU applies recent_cpu = (2*load_avg)/(2*load_avg+1) * recent_cpu + nice.
func recomputeRecentCPU(recentCPU, loadAvg fixedpoint.Value, nice int) fixedpoint.Value {
	twoLoad := loadAvg.MulInt(2)
	coeff := twoLoad.Div(twoLoad.AddInt(1))
	return coeff.Mul(recentCPU).AddInt(nice)
}

// recomputePriorityLocked applies priority = PRI_MAX - recent_cpu/4 - 2*nice,
// clamped to [PriMin, PriMax]. Must be called with mu held; it does not
// itself move t between ready queues (the caller does that via
// requeueLocked so the move happens atomically with every other
// priority change in the same accounting pass).
func recomputePriorityLocked(t *Thread) {
	p := PriMax - t.recentCPU.DivInt(4).ToIntRound() - 2*t.nice
	t.basePrio = clamp(p, PriMin, PriMax)
}
