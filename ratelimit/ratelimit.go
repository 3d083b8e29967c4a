// Package ratelimit paces frame injection to a target frames-per-second rate.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits callers to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	interval   time.Duration
	admitted   uint64
	start      time.Time
	checkEvery uint64
	waited     time.Duration
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled and New returns nil; a nil Throttle
// admits everything.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(fps),
		start:    time.Now(),

		// Consult the clock roughly every 10ms worth of frames,
		// bounded to [1, 256] frames.
		checkEvery: min(max(fps/100, 1), 256),
	}
}

// Wait blocks until n more frames are allowed or ctx is done.
// A caller that fell behind schedule is not allowed to burst to catch up
// beyond the schedule itself.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	prev := l.admitted
	l.admitted += n
	if prev/l.checkEvery == l.admitted/l.checkEvery {
		return ctx.Err()
	}

	due := l.start.Add(time.Duration(l.admitted) * l.interval)
	d := time.Until(due)
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		l.waited += d
		return nil
	}
}

// Waited returns the total time Wait spent blocked.
func (l *Throttle) Waited() time.Duration {
	if l == nil {
		return 0
	}
	return l.waited
}
