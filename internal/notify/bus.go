// Package notify fans campaign status out to whoever mirrors it: the log,
// systemd's STATUS line, a Telegram progress message and HTTP event streams.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"bulksms/internal/campaign"
)

type Kind string

const (
	// KindStatus carries the snapshot after a state-affecting step.
	KindStatus Kind = "status"
	// KindStarted marks a freshly created campaign.
	KindStarted Kind = "campaign.started"
)

type Event struct {
	Kind   Kind            `json:"kind"`
	Time   time.Time       `json:"time"`
	Status campaign.Status `json:"status"`
}

// Bus is a non-blocking in-memory fanout. It owns no goroutines.
//
// A subscriber whose buffer is full loses its oldest event, so a slow reader
// always ends up with the latest snapshot.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	now  func() time.Time

	last atomic.Pointer[Event]
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}, now: time.Now}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	if e.Kind == "" {
		e.Kind = KindStatus
	}
	b.last.Store(&e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishStatus publishes a KindStatus event.
func (b *Bus) PublishStatus(st campaign.Status) {
	b.Publish(Event{Kind: KindStatus, Status: st})
}

func (b *Bus) PublishStarted(st campaign.Status) {
	b.Publish(Event{Kind: KindStarted, Status: st})
}

// Last returns the most recently published event.
func (b *Bus) Last() (Event, bool) {
	e := b.last.Load()
	if e == nil {
		return Event{}, false
	}
	return *e, true
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Publish holds the read lock while sending, so nothing can be
			// mid-send on ch once it is out of the map.
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
