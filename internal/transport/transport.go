// Package transport defines the "send one message to one address" capability
// the dispatch loop drives, plus helpers shared by the concrete senders.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "bulksms/pkg/logx"
)

// DefaultFailure is recorded when a sender fails without saying why.
const DefaultFailure = "send_failed"

// Sender submits one message to one recipient. A nil error means the
// transport accepted it; the error text is stored as the entry's failure.
// Long messages may be split into parts internally, but the outcome is
// all-or-nothing.
type Sender interface {
	Send(ctx context.Context, number, message string) error
}

type SenderFunc func(ctx context.Context, number, message string) error

func (f SenderFunc) Send(ctx context.Context, number, message string) error {
	return f(ctx, number, message)
}

// Describe turns a send error into the stored failure text.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return DefaultFailure
	}
	return msg
}

// ErrTimeout is returned by WithTimeout when the underlying send overruns.
var ErrTimeout = errors.New("send timed out")

// WithTimeout bounds each send. A zero or negative d returns s unchanged.
func WithTimeout(s Sender, d time.Duration) Sender {
	if d <= 0 || s == nil {
		return s
	}
	return SenderFunc(func(ctx context.Context, number, message string) error {
		cctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		err := s.Send(cctx, number, message)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return err
	})
}

// LogSender accepts every message and only logs it. It backs the "log"
// driver, useful for dry runs.
type LogSender struct {
	log   logx.Logger
	limit int
}

func NewLogSender(log logx.Logger, partLimit int) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "transport.log")), limit: partLimit}
}

func (s *LogSender) Send(ctx context.Context, number, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parts := SplitParts(message, s.limit)
	s.log.Info("dry-run send",
		logx.String("number", number),
		logx.Int("parts", len(parts)),
		logx.Int("runes", len([]rune(message))),
	)
	return nil
}
