package sync

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects how much of the remote catalog a sync re-evaluates
type Mode string

const (
	// ModeQuick touches only new or stale items
	ModeQuick Mode = "quick"
	// ModeFull re-evaluates the entire remote catalog
	ModeFull Mode = "full"
)

// Phase is the lifecycle state of a sync session
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhaseSaving     Phase = "saving"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// FailedItem records one item that could not be processed
type FailedItem struct {
	ASIN   string `json:"asin,omitempty"`
	Title  string `json:"title,omitempty"`
	Reason string `json:"reason"`
}

// Result is the aggregate outcome of a finished sync session
type Result struct {
	SessionID   string        `json:"session_id"`
	Mode        Mode          `json:"mode"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
	FailedItems []FailedItem  `json:"failed_items,omitempty"`
}

// Status is a copy-out snapshot of the current session state. Callers
// receive a value, never a pointer into orchestrator internals.
type Status struct {
	SessionID   string    `json:"session_id,omitempty"`
	Phase       Phase     `json:"phase"`
	Mode        Mode      `json:"mode,omitempty"`
	Total       int       `json:"total"`
	Processed   int       `json:"processed"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	CurrentItem string    `json:"current_item,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	// ETA is the estimated remaining duration, zero until enough items
	// have been processed to extrapolate.
	ETA time.Duration `json:"eta,omitempty"`
}

// session holds the mutable state of one sync run. All access goes
// through the orchestrator's mutex.
type session struct {
	id          string
	mode        Mode
	phase       Phase
	total       int
	processed   int
	succeeded   int
	failed      int
	currentItem string
	startedAt   time.Time
	failedItems []FailedItem
}

func newSession(mode Mode) session {
	return session{
		id:        uuid.NewString(),
		mode:      mode,
		phase:     PhaseIdle,
		startedAt: time.Now(),
	}
}

// snapshot produces the externally visible status of the session
func (s *session) snapshot() Status {
	status := Status{
		SessionID:   s.id,
		Phase:       s.phase,
		Mode:        s.mode,
		Total:       s.total,
		Processed:   s.processed,
		Succeeded:   s.succeeded,
		Failed:      s.failed,
		CurrentItem: s.currentItem,
		StartedAt:   s.startedAt,
	}

	if s.processed > 0 && s.total > s.processed {
		elapsed := time.Since(s.startedAt)
		perItem := elapsed / time.Duration(s.processed)
		status.ETA = perItem * time.Duration(s.total-s.processed)
	}

	return status
}
