package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "bulksms/pkg/logx"
)

// heartbeat republishes the campaign status on a fixed "@every" schedule so
// late subscribers and the systemd STATUS line stay fresh while nothing moves.
type heartbeat struct {
	log logx.Logger
	fn  func()

	mu    sync.Mutex
	every time.Duration
	c     *cron.Cron
}

func newHeartbeat(fn func(), log logx.Logger) *heartbeat {
	return &heartbeat{fn: fn, log: log.With(logx.String("comp", "heartbeat"))}
}

// Apply (re)schedules the job; every <= 0 disables it.
func (h *heartbeat) Apply(every time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if every == h.every && (h.c != nil) == (every > 0) {
		return
	}
	h.stopLocked(context.Background())
	h.every = every
	if every <= 0 {
		return
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+every.String(), h.fn); err != nil {
		h.log.Warn("heartbeat schedule rejected", logx.Duration("every", every), logx.Err(err))
		return
	}
	c.Start()
	h.c = c
	h.log.Debug("heartbeat scheduled", logx.Duration("every", every))
}

func (h *heartbeat) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked(ctx)
	h.every = 0
}

func (h *heartbeat) stopLocked(ctx context.Context) {
	if h.c == nil {
		return
	}
	done := h.c.Stop()
	h.c = nil
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
