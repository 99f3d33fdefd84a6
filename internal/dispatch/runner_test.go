package dispatch_test

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
	"bulksms/internal/dispatch"
	"bulksms/internal/storage"
	logx "bulksms/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRepo(t *testing.T) *campaign.Repository {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return campaign.NewRepository(st)
}

type call struct{ number, message string }

type fakeSender struct {
	mu    sync.Mutex
	calls []call
	fn    func(n int, number string) error
}

func (f *fakeSender) Send(_ context.Context, number, message string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{number, message})
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(n, number)
	}
	return nil
}

func (f *fakeSender) numbers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.number)
	}
	return out
}

type fakeLocker struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (l *fakeLocker) Acquire(context.Context, time.Duration) (func(), error) {
	l.mu.Lock()
	l.acquired++
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

func (l *fakeLocker) balanced() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired > 0 && l.acquired == l.released
}

type recorder struct {
	mu     sync.Mutex
	states []campaign.Status
}

func (r *recorder) PublishStatus(st campaign.Status) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recorder) last() campaign.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return campaign.Status{}
	}
	return r.states[len(r.states)-1]
}

func numbers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "+" + string(rune('a'+i))
	}
	return out
}

func runner(repo *campaign.Repository, s *fakeSender, opts ...dispatch.Option) *dispatch.Runner {
	base := []dispatch.Option{dispatch.WithSendDelay(0)}
	return dispatch.NewRunner(repo, s, append(base, opts...)...)
}

func TestRunAllSucceed(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(5), "hello"))

	s := &fakeSender{}
	lock := &fakeLocker{}
	pub := &recorder{}
	require.NoError(t, runner(repo, s, dispatch.WithLocker(lock), dispatch.WithPublisher(pub)).Run(ctx, dispatch.NewStopSignal()))

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 5, st.Sent)
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Pending)

	assert.Equal(t, numbers(5), s.numbers())
	for _, c := range s.calls {
		assert.Equal(t, "hello", c.message)
	}
	assert.True(t, lock.balanced())
	assert.Equal(t, campaign.StateCompleted, pub.last().State)
}

func TestRunRecordsFailuresAndContinues(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, []string{"+111", "+222", "+333"}, "hi"))

	s := &fakeSender{fn: func(_ int, number string) error {
		if number == "+222" {
			return errors.New("generic failure")
		}
		return nil
	}}
	require.NoError(t, runner(repo, s).Run(ctx, dispatch.NewStopSignal()))

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 1, st.Failed)
	assert.Zero(t, st.Pending)

	entries, err := repo.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []string{"+111", "+222", "+333"} {
		assert.Equal(t, want, entries[i].Number)
		assert.Equal(t, i, entries[i].Position)
	}
	assert.Equal(t, campaign.EntrySent, entries[0].Status)
	assert.Equal(t, campaign.EntryFailed, entries[1].Status)
	assert.Equal(t, "generic failure", entries[1].Error)
	assert.Equal(t, campaign.EntrySent, entries[2].Status)
	assert.Empty(t, entries[2].Error)
}

func TestRunBlankErrorBecomesSendFailed(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, []string{"+1"}, "m"))

	s := &fakeSender{fn: func(int, string) error { return errors.New("") }}
	require.NoError(t, runner(repo, s).Run(ctx, nil))

	entries, err := repo.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, "send_failed", entries[0].Error)
}

func TestStopMidLoop(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(6), "m"))

	sig := dispatch.NewStopSignal()
	inFlight := make(chan struct{})
	proceed := make(chan struct{})
	s := &fakeSender{fn: func(n int, _ string) error {
		if n == 2 {
			close(inFlight)
			<-proceed
		}
		return nil
	}}

	done := make(chan error, 1)
	go func() { done <- runner(repo, s).Run(ctx, sig) }()

	<-inFlight
	sig.Request()
	_, err := repo.StopIfSending(ctx)
	require.NoError(t, err)

	// a status read does not wait for the in-flight send
	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
	close(proceed)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after stop")
	}

	st, err = repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
	assert.Equal(t, 2, st.Sent, "in-flight outcome is still recorded")
	assert.Equal(t, 4, st.Pending)
	assert.Len(t, s.numbers(), 2, "no sends after the stop")
}

func TestStopRequestedBeforeRunSendsNothing(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(3), "m"))

	sig := dispatch.NewStopSignal()
	sig.Request()
	pub := &recorder{}
	s := &fakeSender{}
	require.NoError(t, runner(repo, s, dispatch.WithPublisher(pub)).Run(ctx, sig))

	assert.Empty(t, s.numbers())
	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
	assert.Equal(t, 3, st.Pending)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, seen := range pub.states {
		assert.NotEqual(t, campaign.StateSending, seen.State)
	}
}

func TestStopCutsPacingShort(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(3), "m"))

	sig := dispatch.NewStopSignal()
	s := &fakeSender{fn: func(int, string) error {
		sig.Request()
		return nil
	}}
	start := time.Now()
	require.NoError(t, runner(repo, s, dispatch.WithSendDelay(time.Hour)).Run(ctx, sig))
	assert.Less(t, time.Since(start), 5*time.Second)

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
	assert.Equal(t, 1, st.Sent)
}

func TestCrashResumeProcessesExactlyTheRest(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(context.Background(), numbers(6), "m"))

	// first process: shut down right after the third send
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeSender{fn: func(n int, _ string) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}
	err := runner(repo, first).Run(ctx, dispatch.NewStopSignal())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, numbers(6)[:3], first.numbers())

	st, err := repo.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, campaign.StateSending, st.State, "shutdown leaves the campaign resumable")
	assert.Equal(t, 3, st.Sent)

	unfinished, err := repo.HasUnfinishedCampaign(context.Background())
	require.NoError(t, err)
	assert.True(t, unfinished)

	// second process
	second := &fakeSender{}
	require.NoError(t, runner(repo, second).Run(context.Background(), dispatch.NewStopSignal()))
	assert.Equal(t, numbers(6)[3:], second.numbers())

	st, err = repo.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 6, st.Sent)
}

func TestResumeAfterStop(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(4), "m"))

	sig := dispatch.NewStopSignal()
	first := &fakeSender{fn: func(n int, _ string) error {
		if n == 1 {
			sig.Request()
		}
		return nil
	}}
	require.NoError(t, runner(repo, first).Run(ctx, sig))

	second := &fakeSender{}
	require.NoError(t, runner(repo, second).Run(ctx, dispatch.NewStopSignal()))
	assert.Equal(t, numbers(4)[1:], second.numbers())
}

func TestPanicForcesStoppedAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(3), "m"))

	lock := &fakeLocker{}
	pub := &recorder{}
	s := &fakeSender{fn: func(n int, _ string) error {
		if n == 2 {
			panic("radio exploded")
		}
		return nil
	}}
	err := runner(repo, s, dispatch.WithLocker(lock), dispatch.WithPublisher(pub)).Run(ctx, dispatch.NewStopSignal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio exploded")

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 2, st.Pending)
	assert.True(t, lock.balanced())
	assert.Equal(t, campaign.StateStopped, pub.last().State)
}

type failingRepo struct {
	*campaign.Repository
	failSent bool
}

func (f *failingRepo) MarkSent(ctx context.Context, id int64, pos int, number string) error {
	if f.failSent {
		return errors.New("disk full")
	}
	return f.Repository.MarkSent(ctx, id, pos, number)
}

func TestStoreErrorStopsLoop(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(3), "m"))

	s := &fakeSender{}
	err := dispatch.NewRunner(&failingRepo{Repository: repo, failSent: true}, s, dispatch.WithSendDelay(0)).
		Run(ctx, dispatch.NewStopSignal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, s.numbers(), 1)

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)

	unfinished, err := repo.HasUnfinishedCampaign(ctx)
	require.NoError(t, err)
	assert.True(t, unfinished, "an explicit resume may retry")
}

func TestNoSender(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateNewCampaign(ctx, numbers(1), "m"))

	err := dispatch.NewRunner(repo, nil).Run(ctx, nil)
	assert.ErrorIs(t, err, dispatch.ErrNoSender)
	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateStopped, st.State)
}

func TestSetSendDelay(t *testing.T) {
	r := dispatch.NewRunner(nil, nil)
	assert.Equal(t, dispatch.DefaultSendDelay, r.SendDelay())
	r.SetSendDelay(-time.Second)
	assert.Zero(t, r.SendDelay())
}
