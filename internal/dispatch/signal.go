package dispatch

import (
	"sync"
	"sync/atomic"
)

// StopSignal is the cooperative cancellation flag for one loop run.
// The loop checks it once per iteration; an in-flight send is never interrupted.
type StopSignal struct {
	once sync.Once
	flag atomic.Bool
	ch   chan struct{}
}

func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Request asks the loop to stop. Safe to call more than once.
func (s *StopSignal) Request() {
	s.once.Do(func() {
		s.flag.Store(true)
		close(s.ch)
	})
}

func (s *StopSignal) Requested() bool { return s.flag.Load() }

// Done is closed once Request was called. It lets the pacing wait end early.
func (s *StopSignal) Done() <-chan struct{} { return s.ch }
