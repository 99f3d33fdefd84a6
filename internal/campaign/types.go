package campaign

import (
	"errors"
	"time"
)

// CampaignID is the fixed identity of the singleton campaign row.
const CampaignID int64 = 1

type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
)

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateSending, StateStopped, StateCompleted:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySent    EntryStatus = "sent"
	EntryFailed  EntryStatus = "failed"
)

var (
	// ErrEntryNotPending is returned when an outcome is recorded for an entry
	// that already has a terminal status (or no longer exists).
	ErrEntryNotPending = errors.New("campaign: entry is not pending")
	ErrNoCampaign      = errors.New("campaign: no campaign")
	ErrInvalidState    = errors.New("campaign: invalid state")
)

// Campaign is the singleton campaign row.
type Campaign struct {
	Message       string
	State         State
	Total         int
	Sent          int
	Failed        int
	CurrentIndex  int
	CurrentNumber string
	UpdatedAt     time.Time
}

// Pending never goes negative, even if counters were tampered with.
func (c Campaign) Pending() int {
	return max(0, c.Total-c.Sent-c.Failed)
}

// Entry is one recipient's row in the queue.
type Entry struct {
	ID         int64       `json:"id"`
	CampaignID int64       `json:"campaign_id"`
	Number     string      `json:"number"`
	Status     EntryStatus `json:"status"`
	Position   int         `json:"position"`
	Error      string      `json:"error,omitempty"`
}

// Outcome is the terminal result of one send attempt.
type Outcome struct {
	EntryID  int64
	Position int
	Number   string
	Status   EntryStatus // EntrySent or EntryFailed
	Error    string
}

// Status is the read-only snapshot handed to callers outside the loop.
//
// CurrentNumber and Message are empty when no campaign exists; Map() renders
// them as nil in that case.
type Status struct {
	State         State  `json:"state"`
	Total         int    `json:"total"`
	Sent          int    `json:"sent"`
	Failed        int    `json:"failed"`
	Pending       int    `json:"pending"`
	CurrentIndex  int    `json:"currentIndex"`
	CurrentNumber string `json:"currentNumber"`
	Message       string `json:"message"`

	exists bool
}

// IdleStatus is the snapshot reported before any campaign was ever created.
func IdleStatus() Status {
	return Status{State: StateIdle}
}

func statusOf(c Campaign) Status {
	return Status{
		State:         c.State,
		Total:         c.Total,
		Sent:          c.Sent,
		Failed:        c.Failed,
		Pending:       c.Pending(),
		CurrentIndex:  c.CurrentIndex,
		CurrentNumber: c.CurrentNumber,
		Message:       c.Message,
		exists:        true,
	}
}

// Exists reports whether the snapshot was read from a campaign row.
func (s Status) Exists() bool { return s.exists }

// Active reports whether the campaign is being drained right now.
func (s Status) Active() bool { return s.State == StateSending }

// Map renders the host-facing key/value form of the snapshot.
func (s Status) Map() map[string]any {
	m := map[string]any{
		"state":         string(s.State),
		"total":         s.Total,
		"sent":          s.Sent,
		"failed":        s.Failed,
		"pending":       s.Pending,
		"currentIndex":  s.CurrentIndex,
		"currentNumber": nil,
		"message":       nil,
	}
	if s.exists {
		m["currentNumber"] = s.CurrentNumber
		m["message"] = s.Message
	}
	return m
}
