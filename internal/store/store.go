// Package store persists finished advice runs and committed chat messages,
// and exports transcripts to Parquet.
package store

import (
	"context"
	"errors"
	"time"

	"stockdesk/internal/advice"
	"stockdesk/internal/chat"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is a finished advice run.
type Run struct {
	ID        int64         `json:"id"`
	ISIN      string        `json:"isin"`
	SessionID int64         `json:"sessionId,omitempty"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Code      string        `json:"code,omitempty"`
	Steps     []advice.Step `json:"steps"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RunFromOutcome builds the record of a terminal outcome.
func RunFromOutcome(isin string, snap advice.Snapshot) Run {
	r := Run{ISIN: isin, Steps: snap.Steps, Status: RunFailed}
	out := snap.Outcome
	if out.Kind == advice.Completed {
		r.Status = RunCompleted
		r.SessionID = out.SessionID
	} else {
		r.Reason = out.Reason
		r.Code = out.Code
	}
	return r
}

// Message is a committed chat message of a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"sessionId"`
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunStore persists advice runs.
type RunStore interface {
	// RecordRun inserts a run and returns its id.
	RecordRun(ctx context.Context, run Run) (int64, error)

	// Runs returns the most recent runs for isin, newest first, up to
	// limit. An empty isin lists every stock.
	Runs(ctx context.Context, isin string, limit int) ([]Run, error)
}

// MessageStore persists chat transcripts.
type MessageStore interface {
	// AppendMessage adds a message to the end of a session transcript.
	AppendMessage(ctx context.Context, sessionID int64, msg chat.Message) error

	// Messages returns the transcript of a session in insertion order.
	Messages(ctx context.Context, sessionID int64) ([]Message, error)
}

// Journal is the full persistence surface used by the live board.
type Journal interface {
	RunStore
	MessageStore
}
