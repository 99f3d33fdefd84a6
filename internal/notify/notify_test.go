package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksms/internal/campaign"
	"bulksms/internal/transport/telegram"
	logx "bulksms/pkg/logx"
)

func TestBusKeepsLatestForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.PublishStatus(campaign.Status{State: campaign.StateSending, Sent: 1})
	b.PublishStatus(campaign.Status{State: campaign.StateSending, Sent: 2})

	e := <-ch
	assert.Equal(t, 2, e.Status.Sent)
	assert.Equal(t, KindStatus, e.Kind)
	assert.False(t, e.Time.IsZero())

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 2, last.Status.Sent)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(4)
	assert.Equal(t, 1, b.Subscribers())
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
	b.PublishStatus(campaign.IdleStatus())
}

func TestProgressFormatting(t *testing.T) {
	st := campaign.Status{State: campaign.StateSending, Total: 3, Sent: 1, Failed: 1, Pending: 1, CurrentIndex: 1, CurrentNumber: "+222"}
	assert.Equal(t, "Sent: 1, Failed: 1, Left: 1", ProgressText(st))
	assert.Equal(t, 66, Percent(st))
	assert.True(t, Ongoing(st))
	assert.Equal(t, "Sending messages (66%)\nSent: 1, Failed: 1, Left: 1\nTotal: 3\nCurrent: #2 +222", Summary(st))

	idle := campaign.IdleStatus()
	assert.Equal(t, 0, Percent(idle))
	assert.False(t, Ongoing(idle))

	done := campaign.Status{State: campaign.StateCompleted, Total: 2, Sent: 2}
	assert.Equal(t, 100, Percent(done))
	assert.False(t, strings.Contains(Summary(done), "Current"))
}

type fakeChat struct {
	mu    sync.Mutex
	sent  []string
	edits []string
	next  int
	fail  bool
}

func (f *fakeChat) SendText(_ context.Context, chatID int64, text string) (telegram.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, text)
	return telegram.MessageRef{ChatID: chatID, MessageID: f.next}, nil
}

func (f *fakeChat) EditText(_ context.Context, ref telegram.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("message to edit not found")
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeChat) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), len(f.edits)
}

func TestTelegramSinkEditsInPlaceAndFlushesFinal(t *testing.T) {
	chat := &fakeChat{}
	sink := NewTelegramSink(chat, 42, 0.001, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(ctx, events)
	}()

	events <- Event{Kind: KindStarted, Status: campaign.Status{State: campaign.StateSending, Total: 3, Pending: 3}}
	// takes the only token
	events <- Event{Kind: KindStatus, Status: campaign.Status{State: campaign.StateSending, Total: 3, Sent: 1, Pending: 2}}
	// throttled: held back, then superseded
	events <- Event{Kind: KindStatus, Status: campaign.Status{State: campaign.StateSending, Total: 3, Sent: 2, Pending: 1}}
	// leaving the sending state is always rendered
	events <- Event{Kind: KindStatus, Status: campaign.Status{State: campaign.StateStopped, Total: 3, Sent: 2, Pending: 1}}

	require.Eventually(t, func() bool {
		sent, edits := chat.counts()
		return sent == 1 && edits == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Contains(t, chat.edits[0], "Sent: 1,")
	assert.True(t, strings.HasPrefix(chat.edits[1], "Sending stopped"))
}

func TestTelegramSinkResendsWhenEditFails(t *testing.T) {
	chat := &fakeChat{fail: true}
	sink := NewTelegramSink(chat, 42, 100, logx.Nop())
	sink.render(context.Background(), Event{Status: campaign.Status{State: campaign.StateSending, Total: 1, Pending: 1}})
	sink.render(context.Background(), Event{Status: campaign.Status{State: campaign.StateCompleted, Total: 1, Sent: 1}})
	sent, edits := chat.counts()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, edits)
}

func TestSystemdSinkWritesStatusLine(t *testing.T) {
	var lines []string
	s := NewSystemdSink(logx.Nop())
	s.notify = func(state string) (bool, error) {
		lines = append(lines, state)
		return true, nil
	}
	events := make(chan Event, 1)
	events <- Event{Status: campaign.Status{State: campaign.StateSending, Total: 4, Sent: 1, Pending: 3}}
	close(events)
	s.Run(context.Background(), events)
	s.Ready()

	require.Len(t, lines, 2)
	assert.Equal(t, "STATUS=sending 25%: Sent: 1, Failed: 0, Left: 3", lines[0])
	assert.Equal(t, "READY=1", lines[1])
}
