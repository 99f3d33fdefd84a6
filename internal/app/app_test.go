package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksms/internal/campaign"
	"bulksms/internal/dispatch"
	"bulksms/internal/transport"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "logging": {"level": "warn", "console": true},
  "storage": {"driver": "sqlite", "path": %q},
  "dispatch": {"send_delay": "0s"},
  "transport": {"driver": "log"},
  "http": {"enabled": false}
}`, filepath.Join(dir, "q.db"))
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppRunsCampaignEndToEnd(t *testing.T) {
	a, err := New(writeConfig(t, t.TempDir()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(sctx, StopAppStop)
	}()

	ctl := a.Controller()
	require.NoError(t, ctl.Start(ctx, []string{"+111", "+222", "+333"}, "hello"))

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.Wait(wctx))

	st, err := ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 3, st.Sent)

	last, ok := a.bus.Last()
	require.True(t, ok)
	assert.Equal(t, campaign.StateCompleted, last.Status.State)
}

func TestAppResumesInterruptedCampaignOnStart(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	// first process: leave a campaign in "sending"
	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.repo.CreateNewCampaign(context.Background(), []string{"+1", "+2"}, "m"))
	require.NoError(t, a.Stop(context.Background(), StopAppStop))

	b, err := New(path)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.Stop(context.Background(), StopAppStop) }()

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Controller().Wait(wctx))

	st, err := b.Controller().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, campaign.StateCompleted, st.State)
	assert.Equal(t, 2, st.Sent)
}

func TestParseBulkArgs(t *testing.T) {
	numbers, msg, err := parseBulkArgs("+1, +2 +3\nhello\nworld")
	require.NoError(t, err)
	assert.Equal(t, []string{"+1", "+2", "+3"}, numbers)
	assert.Equal(t, "hello\nworld", msg)

	_, _, err = parseBulkArgs("+1 +2")
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"transport":{"driver":"telegram"}}`), 0o600))
	_, err := New(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
}

func TestStopLeavesStoreOpenForInFlightSend(t *testing.T) {
	a, err := New(writeConfig(t, t.TempDir()))
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	a.runner = dispatch.NewRunner(a.repo, transport.SenderFunc(func(context.Context, string, string) error {
		close(entered)
		<-unblock
		return nil
	}), dispatch.WithSendDelay(0), dispatch.WithPublisher(a.bus))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Controller().Start(ctx, []string{"+1", "+2"}, "m"))
	<-entered

	sctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Stop(sctx, StopSIGTERM))
	require.True(t, a.Controller().Running())

	close(unblock)
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.NoError(t, a.Controller().Wait(wctx))

	// the outcome of the send that outlived the stop budget is recorded
	st, err := a.repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, campaign.StateSending, st.State)
	require.NoError(t, a.store.Close())
}
