// Package advice aggregates the advice-generation progress stream into an
// ordered set of step records, an overall percentage, the streamed advice
// text, and a terminal outcome.
package advice

import (
	"fmt"
	"strings"
)

// Event types of the advice channel.
const (
	EventProgress    = "progress"
	EventStepFailed  = "step_failed"
	EventAdviceChunk = "advice_chunk"
	EventDone        = "done"
)

// DefaultTotalSteps is the nominal step count given to synthesized
// step_failed records. It matches the pipeline's fixed step budget rather
// than any count announced by earlier progress frames.
const DefaultTotalSteps = 10

// Consumer-visible failure reasons. Transport diagnostics are logged, never
// surfaced.
const (
	PipelineFailed   = "Advice pipeline failed or did not return a session."
	StreamIncomplete = "The advice stream ended before the pipeline finished."
	GenericFailure   = "Could not reach the server. Please try again later."
)

// Status is the state of one pipeline step.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ParseStatus normalizes a wire status. The server reports finished steps as
// "ok"; anything unrecognized counts as running.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "ok", "success", "completed":
		return StatusDone
	case "failed", "error":
		return StatusFailed
	default:
		return StatusRunning
	}
}

// Step is one progress record. (Step, StepIndex) identifies it.
type Step struct {
	Step       string `json:"step"`
	StepIndex  int    `json:"stepIndex"`
	TotalSteps int    `json:"totalSteps"`
	Percent    int    `json:"percent"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
}

type stepKey struct {
	step  string
	index int
}

func (s Step) key() stepKey {
	return stepKey{step: s.Step, index: s.StepIndex}
}

// OutcomeKind distinguishes a running pipeline from its two terminal states.
type OutcomeKind int

const (
	Pending OutcomeKind = iota
	Completed
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind tells a server-reported failure apart from a stream that
// broke or ended before any terminal frame.
type FailureKind string

const (
	FailureServer    FailureKind = "server"
	FailureTransport FailureKind = "transport"
)

// Outcome is the terminal value of an advice run.
type Outcome struct {
	Kind      OutcomeKind
	SessionID int64  // Completed only
	FullText  string // Completed only
	Reason    string // Failed only; safe to show
	Failure   FailureKind
	Code      string // server-supplied reason code, for logs
}

// Terminal reports whether the run has finished.
func (o Outcome) Terminal() bool {
	return o.Kind != Pending
}

func (o Outcome) String() string {
	switch o.Kind {
	case Completed:
		return fmt.Sprintf("completed(session=%d, %d bytes)", o.SessionID, len(o.FullText))
	case Failed:
		return fmt.Sprintf("failed(%s: %s)", o.Failure, o.Reason)
	default:
		return "pending"
	}
}

// Snapshot is an immutable view of the aggregate progress.
type Snapshot struct {
	OverallPercent int
	CurrentStep    string
	Steps          []Step
	Text           string
	Outcome        Outcome
}
