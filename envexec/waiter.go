package envexec

import (
	"context"
	"time"
)

const defaultTickInterval = 50 * time.Millisecond

// Exceeded is the limit a waiter enforced by ending the run
type Exceeded int

// Limits enforced by a waiter
const (
	ExceededNone Exceeded = iota
	ExceededTime
	ExceededMemory
)

// Waiter watches a running process and reports whether it exceeded its CPU
// time limit, its wall clock limit or its memory limit. The limits are
// independent, zero disables one.
type Waiter struct {
	TickInterval time.Duration
	TimeLimit    time.Duration
	ClockLimit   time.Duration
	MemoryLimit  Size
}

// Wait blocks until the process exits, ctx is done or a limit is exceeded
func (w *Waiter) Wait(ctx context.Context, p Process) Exceeded {
	tick := w.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}

	var timerC <-chan time.Time
	if w.ClockLimit > 0 {
		timer := time.NewTimer(w.ClockLimit)
		defer timer.Stop()
		timerC = timer.C
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExceededNone

		case <-p.Done():
			return ExceededNone

		case <-timerC:
			return ExceededTime

		case <-ticker.C:
			u := p.Usage()
			if w.TimeLimit > 0 && u.Time > w.TimeLimit {
				return ExceededTime
			}
			if w.MemoryLimit > 0 && u.Memory > w.MemoryLimit {
				return ExceededMemory
			}
		}
	}
}
