//go:build linux

package keepalive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/login1"

	logx "bulksms/pkg/logx"
)

// Inhibitor takes a logind "sleep:idle" block lock. Closing the returned
// file descriptor releases it.
type Inhibitor struct {
	who string
	log logx.Logger

	mu   sync.Mutex
	conn *login1.Conn
}

func NewInhibitor(who string, log logx.Logger) *Inhibitor {
	if who == "" {
		who = "bulksms"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Inhibitor{who: who, log: log.With(logx.String("comp", "keepalive"))}
}

func (i *Inhibitor) Acquire(ctx context.Context, d time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.conn == nil {
		c, err := login1.New()
		if err != nil {
			return nil, fmt.Errorf("logind connect: %w", err)
		}
		i.conn = c
	}
	f, err := i.conn.Inhibit("sleep:idle", i.who, "bulk send in progress", "block")
	if err != nil {
		// The bus may have gone away; reconnect next time.
		i.conn.Close()
		i.conn = nil
		return nil, fmt.Errorf("logind inhibit: %w", err)
	}
	i.log.Debug("inhibitor lock taken", logx.Duration("timeout", d))
	return bounded(d, func() {
		_ = f.Close()
		i.log.Debug("inhibitor lock released")
	}), nil
}

func (i *Inhibitor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn != nil {
		i.conn.Close()
		i.conn = nil
	}
	return nil
}

// New returns the logind inhibitor when enabled, Nop otherwise.
func New(enabled bool, log logx.Logger) Locker {
	if !enabled {
		return Nop{}
	}
	return NewInhibitor("bulksms", log)
}
