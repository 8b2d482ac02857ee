package advice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"

	"stockdesk/internal/chat"
	"stockdesk/internal/sse"
)

type progressPayload struct {
	Step       string  `json:"step"`
	StepIndex  int     `json:"stepIndex"`
	TotalSteps int     `json:"totalSteps"`
	Percent    float64 `json:"percent"`
	Status     string  `json:"status"`
	Message    string  `json:"message"`
}

type stepFailedPayload struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

type donePayload struct {
	Success   bool         `json:"success"`
	SessionID *json.Number `json:"sessionId"`
	Reason    string       `json:"reason"`
}

// Aggregator is the state machine for one advice stream. Frames must be
// applied in stream order; readers may take snapshots concurrently.
type Aggregator struct {
	mu      sync.RWMutex
	steps   []Step
	index   map[stepKey]int
	percent int
	current string
	outcome Outcome
	text    *chat.Accumulator
	log     *slog.Logger
}

// NewAggregator returns an aggregator for a fresh stream. onText, if
// non-nil, receives the full advice text after each advice_chunk frame.
func NewAggregator(onText func(string), log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		index: make(map[stepKey]int),
		text:  chat.NewAccumulator(onText),
		log:   log,
	}
}

// Apply folds one frame into the state and reports whether anything
// changed. Unknown event types, undecodable payloads, and every frame after
// the terminal one are ignored.
func (a *Aggregator) Apply(f sse.Frame) bool {
	if a.Outcome().Terminal() {
		a.log.Debug("frame after terminal outcome ignored", "event", f.Event)
		return false
	}

	switch f.Event {
	case EventProgress:
		var p progressPayload
		if err := f.Decode(&p); err != nil {
			a.log.Debug("dropping progress frame", "error", err)
			return false
		}
		a.upsert(Step{
			Step:       p.Step,
			StepIndex:  p.StepIndex,
			TotalSteps: p.TotalSteps,
			Percent:    clampPercent(int(math.Round(p.Percent))),
			Status:     ParseStatus(p.Status),
			Message:    p.Message,
		})
		return true

	case EventStepFailed:
		var p stepFailedPayload
		if err := f.Decode(&p); err != nil {
			a.log.Debug("dropping step_failed frame", "error", err)
			return false
		}
		a.appendFailed(p)
		return true

	case EventAdviceChunk:
		return a.text.Apply(f)

	case EventDone:
		var p donePayload
		if err := f.Decode(&p); err != nil {
			a.log.Debug("dropping done frame", "error", err)
			return false
		}
		a.finishDone(p)
		return true

	default:
		return false
	}
}

// Finish records the end of the stream. err is nil or io.EOF for a clean
// close, anything else for a transport failure. If no done frame arrived,
// the run fails as a transport failure; otherwise the outcome is unchanged.
func (a *Aggregator) Finish(err error) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome.Terminal() {
		return a.outcome
	}

	reason := StreamIncomplete
	if err != nil && !errors.Is(err, io.EOF) {
		a.log.Warn("advice stream failed", "error", err)
		reason = GenericFailure
	}
	a.outcome = Outcome{Kind: Failed, Reason: reason, Failure: FailureTransport}
	a.text.Commit()
	return a.outcome
}

// Outcome returns the current outcome; Pending until terminal.
func (a *Aggregator) Outcome() Outcome {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.outcome
}

// Text returns the advice text accumulated so far.
func (a *Aggregator) Text() string {
	return a.text.Snapshot()
}

// Snapshot returns a copy of the aggregate state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	steps := make([]Step, len(a.steps))
	copy(steps, a.steps)
	return Snapshot{
		OverallPercent: a.percent,
		CurrentStep:    a.current,
		Steps:          steps,
		Text:           a.text.Snapshot(),
		Outcome:        a.outcome,
	}
}

// upsert replaces the step with the same key in place, or appends it. The
// frame's own percent and label become the overall values.
func (a *Aggregator) upsert(s Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i, ok := a.index[s.key()]; ok {
		a.steps[i] = s
	} else {
		a.index[s.key()] = len(a.steps)
		a.steps = append(a.steps, s)
	}
	a.percent = s.Percent
	a.current = s.Step
}

// appendFailed adds a failed record without replacing anything. Its index is
// the current step count.
func (a *Aggregator) appendFailed(p stepFailedPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Step{
		Step:       p.Step,
		StepIndex:  len(a.steps),
		TotalSteps: DefaultTotalSteps,
		Percent:    0,
		Status:     StatusFailed,
		Message:    p.Message,
	}
	if _, ok := a.index[s.key()]; !ok {
		a.index[s.key()] = len(a.steps)
	}
	a.steps = append(a.steps, s)
}

func (a *Aggregator) finishDone(p donePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.percent = 100
	text := a.text.Commit().Content

	if p.Success && p.SessionID != nil {
		if id, err := p.SessionID.Int64(); err == nil {
			a.outcome = Outcome{Kind: Completed, SessionID: id, FullText: text}
			return
		}
	}
	a.outcome = Outcome{Kind: Failed, Reason: PipelineFailed, Failure: FailureServer, Code: p.Reason}
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
