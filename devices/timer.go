package devices

import (
	"context"
	"fmt"
	"time"
)

// Ticker is the minimal surface Timer needs from a scheduler: deliver
// one interrupt. sched.Scheduler satisfies this directly via its Tick
// method.
type Ticker interface {
	Tick()
}

// TimerOptions configures a Timer.
type TimerOptions struct {
	// FreqHz is the interrupt frequency. Must satisfy 19 <= FreqHz <=
	// 1000 per spec.md §6.
	FreqHz int
}

// Timer delivers interrupts to a Ticker at a fixed frequency. It is
// started as a goroutine managed by an errgroup.Group (see
// cmd/kerneld), not a bare `go func(){ for {} }()`, so the caller can
// cancel it deterministically via context and join it with Wait,
// matching the teacher's errgroup-based concurrency-test idiom
// (fuse/test/node_parallel_lookup_test.go) promoted here to a
// production daemon per SPEC_FULL.md §4.
type Timer struct {
	period time.Duration
	target Ticker
}

// NewTimer validates opts and returns a Timer that will call
// target.Tick() once per period when Run is invoked.
func NewTimer(target Ticker, opts TimerOptions) (*Timer, error) {
	if opts.FreqHz < 19 || opts.FreqHz > 1000 {
		return nil, fmt.Errorf("devices: timer frequency %d Hz out of range [19, 1000]", opts.FreqHz)
	}
	return &Timer{period: time.Second / time.Duration(opts.FreqHz), target: target}, nil
}

// Run delivers ticks until ctx is canceled. Intended to be launched as
// one of an errgroup.Group's goroutines: `g.Go(func() error { return
// timer.Run(ctx) })`.
func (t *Timer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.target.Tick()
		}
	}
}
