// Package control exposes the start, stop, resume and status entry points
// and owns the single dispatch worker slot.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"bulksms/internal/campaign"
	"bulksms/internal/dispatch"
	logx "bulksms/pkg/logx"
)

// ErrInvalidArgs rejects a start request before anything is persisted.
var ErrInvalidArgs = errors.New("INVALID_ARGS")

// ValidationError names the offending field; it matches ErrInvalidArgs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidArgs, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgs }

// Repository is the subset of campaign.Repository the controller uses.
type Repository interface {
	CreateNewCampaign(ctx context.Context, numbers []string, message string) error
	Status(ctx context.Context) (campaign.Status, error)
	HasUnfinishedCampaign(ctx context.Context) (bool, error)
	StopIfSending(ctx context.Context) (bool, error)
	SetState(ctx context.Context, state campaign.State) error
	Entries(ctx context.Context) ([]campaign.Entry, error)
}

// Loop runs one dispatch pass. *dispatch.Runner implements it.
type Loop interface {
	Run(ctx context.Context, sig *dispatch.StopSignal) error
}

// Launcher runs fn on a named background goroutine. The app passes its
// supervisor; tests may pass GoLauncher.
type Launcher interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Publisher receives status snapshots and campaign-start notices.
type Publisher interface {
	PublishStatus(st campaign.Status)
	PublishStarted(st campaign.Status)
}

type run struct {
	sig  *dispatch.StopSignal
	done chan struct{}
}

type Controller struct {
	repo   Repository
	loop   Loop
	launch Launcher
	pub    Publisher
	log    logx.Logger

	// slot serializes start and resume end to end.
	slot sync.Mutex
	// mu guards cur.
	mu  sync.Mutex
	cur *run
}

func New(repo Repository, loop Loop, launch Launcher, pub Publisher, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		repo:   repo,
		loop:   loop,
		launch: launch,
		pub:    pub,
		log:    log.With(logx.String("comp", "control")),
	}
}

// Validate trims and checks start arguments.
func Validate(numbers []string, message string) ([]string, string, error) {
	if strings.TrimSpace(message) == "" {
		return nil, "", &ValidationError{Field: "message", Reason: "is blank"}
	}
	if len(numbers) == 0 {
		return nil, "", &ValidationError{Field: "numbers", Reason: "is empty"}
	}
	out := make([]string, 0, len(numbers))
	for i, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, "", &ValidationError{Field: fmt.Sprintf("numbers[%d]", i), Reason: "is blank"}
		}
		out = append(out, n)
	}
	return out, message, nil
}

// Start replaces any campaign with a new one and launches the loop.
// A loop that is still running is stopped and awaited first.
func (c *Controller) Start(ctx context.Context, numbers []string, message string) error {
	numbers, message, err := Validate(numbers, message)
	if err != nil {
		return err
	}

	c.slot.Lock()
	defer c.slot.Unlock()

	if err := c.halt(ctx); err != nil {
		return err
	}
	// The run is visible to Stop before the campaign exists, so a stop that
	// lands in between is seen by the loop at its first check.
	r := c.claim()
	if err := c.repo.CreateNewCampaign(ctx, numbers, message); err != nil {
		c.unclaim(r)
		c.log.Error("create campaign failed", logx.Err(err))
		return err
	}
	st, err := c.repo.Status(ctx)
	if err != nil {
		c.unclaim(r)
		return err
	}
	c.pub.PublishStarted(st)
	c.log.Info("campaign created", logx.Int("total", st.Total), logx.Int("message_runes", len([]rune(message))))

	c.spawn(r)
	return nil
}

// Resume continues an unfinished campaign. It reports whether a loop is
// running afterwards. With nothing to resume it publishes the current
// status so observers drop any "in progress" indicator.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	c.slot.Lock()
	defer c.slot.Unlock()

	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur != nil {
		if !cur.sig.Requested() {
			return true, nil
		}
		// a stopped loop may still be finishing its last send
		if err := c.halt(ctx); err != nil {
			return false, err
		}
	}
	r := c.claim()
	ok, err := c.repo.HasUnfinishedCampaign(ctx)
	if err != nil {
		c.unclaim(r)
		return false, err
	}
	if ok {
		c.log.Info("resuming campaign")
		c.spawn(r)
		return true, nil
	}
	c.unclaim(r)

	st, err := c.repo.Status(ctx)
	if err != nil {
		return false, err
	}
	// A sending campaign with nothing left only happens if a run died
	// between its last outcome and the final state write.
	if st.State == campaign.StateSending && st.Pending == 0 && st.Exists() {
		if err := c.repo.SetState(ctx, campaign.StateCompleted); err != nil {
			return false, err
		}
		st.State = campaign.StateCompleted
	}
	c.pub.PublishStatus(st)
	c.log.Info("nothing to resume", logx.String("state", string(st.State)))
	return false, nil
}

// Stop requests the running loop to stop and marks the campaign stopped at
// once. It does not wait for an in-flight send.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cur != nil {
		c.cur.sig.Request()
	}
	c.mu.Unlock()

	changed, err := c.repo.StopIfSending(ctx)
	if err != nil {
		return err
	}
	st, err := c.repo.Status(ctx)
	if err != nil {
		return err
	}
	c.pub.PublishStatus(st)
	if changed {
		c.log.Info("campaign stopped", logx.Int("pending", st.Pending))
	}
	return nil
}

func (c *Controller) Status(ctx context.Context) (campaign.Status, error) {
	return c.repo.Status(ctx)
}

func (c *Controller) Entries(ctx context.Context) ([]campaign.Entry, error) {
	return c.repo.Entries(ctx)
}

// Running reports whether a dispatch loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Wait blocks until the current loop (if any) returns or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverOnStart is the process start hook: resume unfinished work.
func (c *Controller) RecoverOnStart(ctx context.Context) (bool, error) {
	ok, err := c.repo.HasUnfinishedCampaign(ctx)
	if err != nil || !ok {
		return false, err
	}
	c.log.Info("unfinished campaign found at startup")
	return c.Resume(ctx)
}

// halt stops the current loop and waits for it. Caller holds slot.
func (c *Controller) halt(ctx context.Context) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	c.log.Info("stopping running loop before replacing campaign")
	cur.sig.Request()
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim publishes a fresh run in the worker slot. Caller holds slot and has
// checked the slot is free.
func (c *Controller) claim() *run {
	r := &run{sig: dispatch.NewStopSignal(), done: make(chan struct{})}
	c.mu.Lock()
	c.cur = r
	c.mu.Unlock()
	return r
}

// unclaim frees a run that was never launched.
func (c *Controller) unclaim(r *run) {
	c.mu.Lock()
	if c.cur == r {
		c.cur = nil
	}
	c.mu.Unlock()
	close(r.done)
}

// spawn launches the loop for a claimed run.
func (c *Controller) spawn(r *run) {
	c.launch.Go("dispatch.loop", func(ctx context.Context) error {
		defer func() {
			c.mu.Lock()
			if c.cur == r {
				c.cur = nil
			}
			c.mu.Unlock()
			close(r.done)
		}()
		if err := c.loop.Run(ctx, r.sig); err != nil && !errors.Is(err, context.Canceled) {
			// Already reflected in the campaign state; keep the supervisor healthy.
			c.log.Warn("dispatch loop ended with error", logx.Err(err))
		}
		return nil
	})
}

// GoLauncher runs fn on a plain goroutine with ctx.
type GoLauncher struct{ Ctx context.Context }

func (g GoLauncher) Go(_ string, fn func(ctx context.Context) error) {
	ctx := g.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() { _ = fn(ctx) }()
}
