// Package keepalive holds the host awake while a campaign is being drained.
package keepalive

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single lock; the dispatch loop re-acquires per run.
const DefaultTimeout = 10 * time.Minute

// Locker acquires a wake-preventing lock that is released by calling the
// returned func or automatically after d, whichever comes first.
type Locker interface {
	Acquire(ctx context.Context, d time.Duration) (release func(), err error)
}

// Nop never blocks anything. Used where the platform has no inhibitor.
type Nop struct{}

func (Nop) Acquire(context.Context, time.Duration) (func(), error) { return func() {}, nil }

// bounded wraps free so it runs exactly once: on release or when d elapses.
func bounded(d time.Duration, free func()) func() {
	var once sync.Once
	run := func() { once.Do(free) }
	if d <= 0 {
		d = DefaultTimeout
	}
	t := time.AfterFunc(d, run)
	return func() {
		t.Stop()
		run()
	}
}
