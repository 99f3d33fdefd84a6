package control_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bulksms/internal/campaign"
	"bulksms/internal/control"
	"bulksms/internal/dispatch"
	"bulksms/internal/notify"
	"bulksms/internal/storage"
	"bulksms/internal/transport"
	logx "bulksms/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type gate struct {
	mu      sync.Mutex
	sent    []string
	block   chan struct{}
	entered chan string
}

func newGate() *gate {
	return &gate{block: make(chan struct{}), entered: make(chan string, 64)}
}

func (g *gate) Send(_ context.Context, number, _ string) error {
	g.entered <- number
	<-g.block
	g.mu.Lock()
	g.sent = append(g.sent, number)
	g.mu.Unlock()
	return nil
}

type harness struct {
	repo *campaign.Repository
	bus  *notify.Bus
	ctl  *control.Controller
}

func setup(t *testing.T, sender transport.Sender) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	require.NoError(t, err)

	repo := campaign.NewRepository(st)
	bus := notify.NewBus()
	runner := dispatch.NewRunner(repo, sender, dispatch.WithSendDelay(0), dispatch.WithPublisher(bus))
	ctl := control.New(repo, runner, control.GoLauncher{}, bus, logx.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctl.Stop(ctx)
		_ = ctl.Wait(ctx)
		_ = st.Close()
	})
	return &harness{repo: repo, bus: bus, ctl: ctl}
}

func waitIdle(t *testing.T, ctl *control.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.Wait(ctx))
	require.Eventually(t, func() bool { return !ctl.Running() }, time.Second, 5*time.Millisecond)
}

func TestStartRejectsInvalidArgs(t *testing.T) {
	h := setup(t, transport.SenderFunc(func(context.Context, string, string) error { return nil }))
	ctx := context.Background()

	cases := []struct {
		name    string
		numbers []string
		message string
		field   string
	}{
		{"blank message", []string{"+1"}, "   ", "message"},
		{"no numbers", nil, "hi", "numbers"},
		{"blank number", []string{"+1", " "}, "hi", "numbers[1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.ctl.Start(ctx, tc.numbers, tc.message)
			require.ErrorIs(t, err, control.ErrInvalidArgs)
			var ve *control.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Exists())
	assert.Equal(t, campaign.StateIdle, st.State)
	assert.False(t, h.ctl.Running())
}

func TestStartRunsToCompletion(t *testing.T) {
	var mu sync.Mutex
	var got []string
	h := setup(t, transport.SenderFunc(func(_ context.Context, number, _ string) error {
		mu.Lock()
		got = append(got, number)
		mu.Unlock()
		return nil
	}))
	ctx := context.Background()

	events, unsub := h.bus.Subscribe(64)
	defer unsub()

	require.NoError(t, h.ctl.Start(ctx, []string{" +1 ", "+2", "+3"}, "hello"))
	waitIdle(t, h.ctl)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 3, st.Sent)
	mu.Lock()
	assert.Equal(t, []string{"+1", "+2", "+3"}, got)
	mu.Unlock()

	first := <-events
	assert.Equal(t, notify.KindStarted, first.Kind)
	assert.Equal(t, 3, first.Status.Total)
}

func TestStopReturnsWithoutWaitingForSend(t *testing.T) {
	g := newGate()
	h := setup(t, g)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx, []string{"+1", "+2", "+3"}, "m"))
	<-g.entered

	require.NoError(t, h.ctl.Stop(ctx))
	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)

	close(g.block)
	waitIdle(t, h.ctl)

	st, err = h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 2, st.Pending)
}

func TestResumeContinuesStoppedCampaign(t *testing.T) {
	g := newGate()
	h := setup(t, g)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx, []string{"+1", "+2", "+3"}, "m"))
	<-g.entered
	require.NoError(t, h.ctl.Stop(ctx))
	close(g.block)
	waitIdle(t, h.ctl)

	running, err := h.ctl.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, running)
	waitIdle(t, h.ctl)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 3, st.Sent)
	g.mu.Lock()
	assert.Equal(t, []string{"+1", "+2", "+3"}, g.sent)
	g.mu.Unlock()
}

func TestResumeWithNothingToDo(t *testing.T) {
	h := setup(t, transport.SenderFunc(func(context.Context, string, string) error { return nil }))
	ctx := context.Background()

	running, err := h.ctl.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	last, ok := h.bus.Last()
	require.True(t, ok)
	assert.Equal(t, campaign.StateIdle, last.Status.State)
	assert.False(t, notify.Ongoing(last.Status))
}

func TestResumeRepairsFinishedSendingCampaign(t *testing.T) {
	h := setup(t, transport.SenderFunc(func(context.Context, string, string) error { return nil }))
	ctx := context.Background()

	require.NoError(t, h.repo.CreateNewCampaign(ctx, []string{"+1"}, "m"))
	e, err := h.repo.NextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, h.repo.MarkSent(ctx, e.ID, e.Position, e.Number))

	running, err := h.ctl.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
}

func TestStartReplacesRunningCampaign(t *testing.T) {
	g := newGate()
	h := setup(t, g)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx, []string{"+1", "+2"}, "old"))
	<-g.entered

	done := make(chan error, 1)
	go func() { done <- h.ctl.Start(ctx, []string{"+9"}, "new") }()

	// the replacement waits for the in-flight send of the old loop
	select {
	case err := <-done:
		t.Fatalf("start returned before old loop finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(g.block)
	require.NoError(t, <-done)
	waitIdle(t, h.ctl)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, "new", st.Message)
}

func TestRecoverOnStartResumesInterruptedCampaign(t *testing.T) {
	h := setup(t, transport.SenderFunc(func(context.Context, string, string) error { return nil }))
	ctx := context.Background()

	// state left at sending by a previous process
	require.NoError(t, h.repo.CreateNewCampaign(ctx, []string{"+1", "+2"}, "m"))

	resumed, err := h.ctl.RecoverOnStart(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)
	waitIdle(t, h.ctl)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 2, st.Sent)
}

func TestRecoverOnStartIgnoresFinishedCampaign(t *testing.T) {
	h := setup(t, transport.SenderFunc(func(context.Context, string, string) error { return nil }))
	ctx := context.Background()

	resumed, err := h.ctl.RecoverOnStart(ctx)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.False(t, h.ctl.Running())
}

func TestResumeRightAfterStopWaitsForOldLoop(t *testing.T) {
	g := newGate()
	h := setup(t, g)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx, []string{"+1", "+2"}, "m"))
	<-g.entered
	require.NoError(t, h.ctl.Stop(ctx))

	resumed := make(chan bool, 1)
	go func() {
		ok, err := h.ctl.Resume(ctx)
		assert.NoError(t, err)
		resumed <- ok
	}()
	close(g.block)
	assert.True(t, <-resumed)
	waitIdle(t, h.ctl)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 2, st.Sent)
}

// stopAfterCreate issues a Stop right after the campaign row is written,
// before the loop is launched.
type stopAfterCreate struct {
	*campaign.Repository
	ctl  *control.Controller
	once sync.Once
	err  error
}

func (s *stopAfterCreate) CreateNewCampaign(ctx context.Context, numbers []string, message string) error {
	if err := s.Repository.CreateNewCampaign(ctx, numbers, message); err != nil {
		return err
	}
	s.once.Do(func() { s.err = s.ctl.Stop(ctx) })
	return nil
}

func TestStopDuringStartIsNotLost(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	require.NoError(t, err)
	repo := campaign.NewRepository(st)

	var mu sync.Mutex
	var sent []string
	sender := transport.SenderFunc(func(_ context.Context, number, _ string) error {
		mu.Lock()
		sent = append(sent, number)
		mu.Unlock()
		return nil
	})
	runner := dispatch.NewRunner(repo, sender, dispatch.WithSendDelay(0))
	wrapped := &stopAfterCreate{Repository: repo}
	ctl := control.New(wrapped, runner, control.GoLauncher{}, notify.NewBus(), logx.Nop())
	wrapped.ctl = ctl
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, ctl.Start(ctx, []string{"+1", "+2", "+3"}, "m"))
	require.NoError(t, wrapped.err)
	waitIdle(t, ctl)

	mu.Lock()
	assert.Empty(t, sent)
	mu.Unlock()
	got, err := ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, got.State)
	assert.Equal(t, 3, got.Pending)
}

func TestStopKeepsFinishedCampaignCompleted(t *testing.T) {
	h := setup(t, transport.SenderFunc(func(context.Context, string, string) error { return nil }))
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx, []string{"+1"}, "m"))
	waitIdle(t, h.ctl)
	require.NoError(t, h.ctl.Stop(ctx))

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)

	running, err := h.ctl.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, running)
}
