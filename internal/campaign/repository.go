package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the durable backend of a Repository.
// Every method is one round trip; multi-row writes are transactional.
type Store interface {
	ReplaceCampaign(ctx context.Context, numbers []string, message string, now time.Time) error
	UpdateCursor(ctx context.Context, position int, number string, now time.Time) error
	CompleteEntry(ctx context.Context, out Outcome, now time.Time) error
	NextPending(ctx context.Context) (*Entry, error)
	SetState(ctx context.Context, state State, now time.Time) error
	SetStateIf(ctx context.Context, from, to State, now time.Time) (bool, error)
	Campaign(ctx context.Context) (Campaign, bool, error)
	Entries(ctx context.Context) ([]Entry, error)
}

// Repository serializes every store operation behind one mutex, so the
// dispatch loop and concurrent control calls never interleave partial updates.
// The transport call is never made while the mutex is held.
type Repository struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

type Option func(*Repository)

// WithClock overrides the timestamp source used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRepository(store Store, opts ...Option) *Repository {
	r := &Repository{store: store, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CreateNewCampaign atomically replaces any existing campaign and its queue.
// The new campaign starts in StateSending with zeroed counters.
func (r *Repository) CreateNewCampaign(ctx context.Context, numbers []string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.ReplaceCampaign(ctx, numbers, message, r.now()); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// MarkSending moves the cursor and forces StateSending.
func (r *Repository) MarkSending(ctx context.Context, position int, number string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.UpdateCursor(ctx, position, number, r.now())
}

func (r *Repository) MarkSent(ctx context.Context, entryID int64, position int, number string) error {
	return r.complete(ctx, Outcome{EntryID: entryID, Position: position, Number: number, Status: EntrySent})
}

func (r *Repository) MarkFailed(ctx context.Context, entryID int64, position int, number, errMsg string) error {
	return r.complete(ctx, Outcome{EntryID: entryID, Position: position, Number: number, Status: EntryFailed, Error: errMsg})
}

func (r *Repository) complete(ctx context.Context, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.CompleteEntry(ctx, out, r.now()); err != nil {
		return fmt.Errorf("mark %s (entry %d): %w", out.Status, out.EntryID, err)
	}
	return nil
}

// NextPending returns the lowest-position pending entry, or nil when drained.
func (r *Repository) NextPending(ctx context.Context) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.NextPending(ctx)
}

func (r *Repository) SetState(ctx context.Context, state State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.SetState(ctx, state, r.now())
}

// StopIfSending relabels a sending campaign as stopped. Finished or idle
// campaigns are left alone; the return value reports whether a row changed.
func (r *Repository) StopIfSending(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.SetStateIf(ctx, StateSending, StateStopped, r.now())
}

// Status returns the current snapshot, or IdleStatus when no campaign exists.
func (r *Repository) Status(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok, err := r.store.Campaign(ctx)
	if err != nil {
		return IdleStatus(), err
	}
	if !ok {
		return IdleStatus(), nil
	}
	return statusOf(c), nil
}

// HasUnfinishedCampaign reports whether a restart should resume work:
// total>0, pending>0 and the state is sending or stopped.
func (r *Repository) HasUnfinishedCampaign(ctx context.Context) (bool, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return Resumable(st), nil
}

// Resumable is the predicate behind HasUnfinishedCampaign.
func Resumable(st Status) bool {
	if st.Total <= 0 || st.Pending <= 0 {
		return false
	}
	return st.State == StateSending || st.State == StateStopped
}

// Entries lists the queue in send order.
func (r *Repository) Entries(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Entries(ctx)
}
