// Package dispatch drains the campaign queue: one recipient at a time,
// paced, cancellable between sends, and safe to kill at any point.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"bulksms/internal/campaign"
	"bulksms/internal/keepalive"
	"bulksms/internal/transport"
	logx "bulksms/pkg/logx"
)

const DefaultSendDelay = 2000 * time.Millisecond

var ErrNoSender = errors.New("dispatch: no transport configured")

// Repository is what the loop needs from campaign.Repository.
type Repository interface {
	SetState(ctx context.Context, state campaign.State) error
	NextPending(ctx context.Context) (*campaign.Entry, error)
	MarkSending(ctx context.Context, position int, number string) error
	MarkSent(ctx context.Context, entryID int64, position int, number string) error
	MarkFailed(ctx context.Context, entryID int64, position int, number, errMsg string) error
	Status(ctx context.Context) (campaign.Status, error)
}

// Publisher receives the snapshot after every state-affecting step.
type Publisher interface {
	PublishStatus(st campaign.Status)
}

type nopPublisher struct{}

func (nopPublisher) PublishStatus(campaign.Status) {}

type Runner struct {
	repo      Repository
	sender    transport.Sender
	pub       Publisher
	locker    keepalive.Locker
	log       logx.Logger
	keepAwake time.Duration
	delay     atomic.Int64 // time.Duration
}

type Option func(*Runner)

func WithPublisher(p Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.pub = p
		}
	}
}

func WithLocker(l keepalive.Locker) Option {
	return func(r *Runner) {
		if l != nil {
			r.locker = l
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithSendDelay sets the pause between sends. Zero disables pacing.
func WithSendDelay(d time.Duration) Option {
	return func(r *Runner) { r.SetSendDelay(d) }
}

// WithKeepAwake bounds the keep-awake lock taken per run.
func WithKeepAwake(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.keepAwake = d
		}
	}
}

func NewRunner(repo Repository, sender transport.Sender, opts ...Option) *Runner {
	r := &Runner{
		repo:      repo,
		sender:    sender,
		pub:       nopPublisher{},
		locker:    keepalive.Nop{},
		log:       logx.Nop(),
		keepAwake: keepalive.DefaultTimeout,
	}
	r.delay.Store(int64(DefaultSendDelay))
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "dispatch"))
	return r
}

// SetSendDelay changes pacing for the next wait; used on config reload.
func (r *Runner) SetSendDelay(d time.Duration) {
	r.delay.Store(int64(max(d, 0)))
}

func (r *Runner) SendDelay() time.Duration { return time.Duration(r.delay.Load()) }

// Run drains the queue until it is empty, sig is requested or ctx is done.
//
// Exit states: completed when nothing is pending; stopped on a stop request;
// stopped on any error or panic. A cancelled ctx (process shutdown) leaves
// the state untouched so a restart resumes the campaign. Store writes use a
// context detached from ctx so an in-flight outcome is still recorded.
func (r *Runner) Run(ctx context.Context, sig *StopSignal) (err error) {
	if sig == nil {
		sig = NewStopSignal()
	}
	wctx := context.WithoutCancel(ctx)

	release, lerr := r.locker.Acquire(ctx, r.keepAwake)
	if lerr != nil {
		r.log.Warn("keep-awake lock unavailable; continuing without it", logx.Err(lerr))
		release = func() {}
	}
	defer release()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("dispatch loop panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("dispatch panic: %v", p)
		}
		if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return
		}
		r.log.Error("dispatch loop failed; stopping campaign", logx.Err(err))
		if serr := r.repo.SetState(wctx, campaign.StateStopped); serr != nil {
			r.log.Error("could not mark campaign stopped", logx.Err(serr))
		}
		r.publish(wctx)
	}()

	if r.sender == nil {
		return ErrNoSender
	}
	// A stop requested before the first iteration must not repaint the
	// campaign as sending.
	if !sig.Requested() {
		if err := r.repo.SetState(wctx, campaign.StateSending); err != nil {
			return fmt.Errorf("set sending: %w", err)
		}
		r.publish(wctx)
		r.log.Info("dispatch loop started", logx.Duration("send_delay", r.SendDelay()))
	}

	for !sig.Requested() {
		if err := ctx.Err(); err != nil {
			r.log.Info("dispatch loop interrupted by shutdown")
			return err
		}
		done, err := r.step(ctx, wctx)
		if err != nil {
			return err
		}
		if done {
			break
		}
		r.pace(ctx, sig)
	}

	st, err := r.repo.Status(wctx)
	if err != nil {
		return fmt.Errorf("final status: %w", err)
	}
	switch {
	case st.Pending == 0:
		err = r.repo.SetState(wctx, campaign.StateCompleted)
	case sig.Requested():
		err = r.repo.SetState(wctx, campaign.StateStopped)
	}
	if err != nil {
		return fmt.Errorf("final state: %w", err)
	}
	final := r.publish(wctx)
	r.log.Info("dispatch loop finished",
		logx.String("state", string(final.State)),
		logx.Int("sent", final.Sent),
		logx.Int("failed", final.Failed),
		logx.Int("pending", final.Pending),
	)
	return nil
}

// step sends to the next pending entry. done reports a drained queue.
func (r *Runner) step(ctx, wctx context.Context) (done bool, err error) {
	e, err := r.repo.NextPending(wctx)
	if err != nil {
		return false, fmt.Errorf("next pending: %w", err)
	}
	if e == nil {
		return true, nil
	}
	if err := r.repo.MarkSending(wctx, e.Position, e.Number); err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	st, err := r.repo.Status(wctx)
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	r.pub.PublishStatus(st)

	sendErr := r.sender.Send(wctx, e.Number, st.Message)
	if sendErr == nil {
		err = r.repo.MarkSent(wctx, e.ID, e.Position, e.Number)
	} else {
		reason := transport.Describe(sendErr)
		r.log.Warn("send failed",
			logx.Int("position", e.Position),
			logx.String("number", e.Number),
			logx.String("reason", reason),
		)
		err = r.repo.MarkFailed(wctx, e.ID, e.Position, e.Number, reason)
	}
	if err != nil {
		return false, err
	}
	r.publish(wctx)
	return false, nil
}

// pace waits the send delay; a stop request or shutdown cuts it short.
func (r *Runner) pace(ctx context.Context, sig *StopSignal) {
	d := r.SendDelay()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-sig.Done():
	case <-ctx.Done():
	}
}

func (r *Runner) publish(ctx context.Context) campaign.Status {
	st, err := r.repo.Status(ctx)
	if err != nil {
		r.log.Warn("status read failed", logx.Err(err))
		return st
	}
	r.pub.PublishStatus(st)
	return st
}
