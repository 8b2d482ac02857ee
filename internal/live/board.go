// Package live owns the in-flight advice runs and chat turns, folds their
// streams into immutable RunState snapshots and publishes them to
// subscribers (console, relay API, gRPC feed).
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"stockdesk/internal/advice"
	"stockdesk/internal/chat"
	"stockdesk/internal/sse"
	"stockdesk/internal/store"
	"stockdesk/internal/think"
)

var (
	// ErrNoSession is returned by Chat without a valid session id.
	ErrNoSession = errors.New("no chat session")
	// ErrSuperseded is returned by Chat when a newer turn for the same
	// session replaced it or the turn was cancelled.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrUnknownRun is returned by Wait for a key that never ran.
	ErrUnknownRun = errors.New("no run for key")

	// errSuperseded stops a stream whose run is no longer active.
	errSuperseded = errors.New("run no longer active")
)

// Streamer opens the upstream event streams. *stockdesk.Client satisfies it.
type Streamer interface {
	OpenAdvice(ctx context.Context, isin string) (*sse.Reader, error)
	OpenChat(ctx context.Context, sessionID int64, message string) (*sse.Reader, error)
}

// RunKind tells advice runs and chat turns apart.
type RunKind string

const (
	KindAdvice RunKind = "advice"
	KindChat   RunKind = "chat"
)

// Run statuses as published.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunState is the published view of one run. Values handed out are copies.
type RunState struct {
	Key         string          `json:"key"`
	Kind        RunKind         `json:"kind"`
	RunID       int64           `json:"runId"`
	ISIN        string          `json:"isin,omitempty"`
	SessionID   int64           `json:"sessionId,omitempty"`
	Status      string          `json:"status"`
	Percent     int             `json:"percent"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Steps       []advice.Step   `json:"steps,omitempty"`
	Text        string          `json:"text"`
	Segments    []think.Segment `json:"segments"`
	Reason      string          `json:"reason,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Terminal reports whether the run has ended.
func (s RunState) Terminal() bool {
	return s.Status != StatusRunning
}

func (s RunState) clone() RunState {
	c := s
	c.Steps = append([]advice.Step(nil), s.Steps...)
	c.Segments = append([]think.Segment(nil), s.Segments...)
	return c
}

// ChatKey is the board key of a chat session.
func ChatKey(sessionID int64) string {
	return "session:" + strconv.FormatInt(sessionID, 10)
}

// run is one active advice run or chat turn.
type run struct {
	id     int64
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Board holds at most one active run per key (ISIN for advice, ChatKey for
// chat). Starting a run cancels the previous one for the same key; a
// superseded run never publishes again.
type Board struct {
	api     Streamer
	journal store.Journal // optional
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	gen    int64
	active map[string]*run
	last   map[string]*run // most recent run per key, for Wait
	states map[string]RunState

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan RunState
}

// NewBoard creates a board. journal may be nil.
func NewBoard(api Streamer, journal store.Journal, log *slog.Logger) *Board {
	if log == nil {
		log = slog.Default()
	}
	return &Board{
		api:     api,
		journal: journal,
		log:     log,
		now:     time.Now,
		active:  make(map[string]*run),
		last:    make(map[string]*run),
		states:  make(map[string]RunState),
		subs:    make(map[int]chan RunState),
	}
}

// StartAdvice starts an advice run for isin, superseding any run for the
// same stock, and returns the new run id. The run lives until it finishes,
// is cancelled, or ctx is done.
func (b *Board) StartAdvice(ctx context.Context, isin string) int64 {
	runCtx, cancel := context.WithCancel(ctx)
	r := b.begin(isin, cancel, RunState{Kind: KindAdvice, ISIN: isin})
	go b.runAdvice(runCtx, r, isin)
	return r.id
}

// Cancel stops the active run for key. It reports whether one was running.
func (b *Board) Cancel(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.active[key]
	if !ok {
		return false
	}
	r.cancel()
	delete(b.active, key)

	st := b.states[key]
	st.Status = StatusCancelled
	st.UpdatedAt = b.now()
	b.states[key] = st
	b.publish(st)

	b.log.Info("run cancelled", "key", key, "run", r.id)
	return true
}

// Wait blocks until the most recent run for key ends and returns its final
// state.
func (b *Board) Wait(ctx context.Context, key string) (RunState, error) {
	b.mu.Lock()
	r, ok := b.last[key]
	b.mu.Unlock()
	if !ok {
		return RunState{}, fmt.Errorf("%w %q", ErrUnknownRun, key)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return RunState{}, ctx.Err()
	}
	st, _ := b.Snapshot(key)
	return st, nil
}

// Snapshot returns the latest state for key.
func (b *Board) Snapshot(key string) (RunState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok {
		return RunState{}, false
	}
	return st.clone(), true
}

// Snapshots returns the latest state of every key, ordered by key.
func (b *Board) Snapshots() []RunState {
	b.mu.Lock()
	out := make([]RunState, 0, len(b.states))
	for _, st := range b.states {
		out = append(out, st.clone())
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe creates a subscription channel for state updates. Slow
// subscribers miss updates rather than block the board.
func (b *Board) Subscribe(bufSize int) (id int, ch <-chan RunState) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	id = b.nextSubID
	b.nextSubID++
	c := make(chan RunState, bufSize)
	b.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Board) Unsubscribe(id int) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// ---------------------------------------------------------------------------
// Run bookkeeping
// ---------------------------------------------------------------------------

// begin registers a new run for key, cancelling the previous one, and
// publishes its initial state.
func (b *Board) begin(key string, cancel context.CancelFunc, init RunState) *run {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.active[key]; ok {
		prev.cancel()
		b.log.Info("run superseded", "key", key, "run", prev.id)
	}

	b.gen++
	r := &run{id: b.gen, key: key, cancel: cancel, done: make(chan struct{})}
	b.active[key] = r
	b.last[key] = r

	init.Key = key
	init.RunID = r.id
	init.Status = StatusRunning
	init.UpdatedAt = b.now()
	b.states[key] = init
	b.publish(init)
	return r
}

// update applies fn to the state of r's key and publishes the result, unless
// r is no longer the active run for its key.
func (b *Board) update(r *run, fn func(*RunState)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active[r.key] != r {
		return false
	}
	st := b.states[r.key].clone()
	fn(&st)
	st.UpdatedAt = b.now()
	b.states[r.key] = st
	b.publish(st)
	return true
}

// end marks r as no longer active. Callers publish the final state first.
func (b *Board) end(r *run) {
	b.mu.Lock()
	if b.active[r.key] == r {
		delete(b.active, r.key)
	}
	b.mu.Unlock()
	r.cancel()
	close(r.done)
}

// publish sends st to every subscriber (non-blocking). Callers hold b.mu,
// which keeps per-key updates in order.
func (b *Board) publish(st RunState) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- st.clone():
		default:
			// Slow subscriber, drop update.
		}
	}
}

// ---------------------------------------------------------------------------
// Advice runs
// ---------------------------------------------------------------------------

func (b *Board) runAdvice(ctx context.Context, r *run, isin string) {
	defer b.end(r)
	log := b.log.With("isin", isin, "run", r.id)

	agg := advice.NewAggregator(nil, log)
	readErr := b.consumeAdvice(ctx, isin, agg, r, log)
	if errors.Is(readErr, errSuperseded) {
		return
	}

	if !agg.Outcome().Terminal() {
		if ctx.Err() != nil {
			log.Debug("advice run stopped", "error", ctx.Err())
			return
		}
		agg.Finish(readErr)
		snap := agg.Snapshot()
		if !b.update(r, func(st *RunState) { applyAdvice(st, snap) }) {
			return
		}
	}

	snap := agg.Snapshot()
	log.Info("advice run finished", "outcome", snap.Outcome.String(), "code", snap.Outcome.Code)
	b.journalRun(isin, snap)
}

// consumeAdvice feeds the stream into agg until a terminal frame or the end
// of the stream, and returns the read error, if any.
func (b *Board) consumeAdvice(ctx context.Context, isin string, agg *advice.Aggregator, r *run, log *slog.Logger) error {
	rd, err := b.api.OpenAdvice(ctx, isin)
	if err != nil {
		log.Warn("opening advice stream failed", "error", err)
		return err
	}
	defer rd.Close()

	for f, err := range rd.All(ctx) {
		if err != nil {
			return err
		}
		if !agg.Apply(f) {
			continue
		}
		snap := agg.Snapshot()
		if !b.update(r, func(st *RunState) { applyAdvice(st, snap) }) {
			return errSuperseded
		}
		if snap.Outcome.Terminal() {
			break
		}
	}
	if n := rd.Dropped(); n > 0 {
		log.Debug("dropped malformed frames", "count", n)
	}
	return nil
}

func applyAdvice(st *RunState, snap advice.Snapshot) {
	st.Percent = snap.OverallPercent
	st.CurrentStep = snap.CurrentStep
	st.Steps = snap.Steps
	st.Text = snap.Text
	st.Segments = think.Split(snap.Text)

	switch snap.Outcome.Kind {
	case advice.Completed:
		st.Status = StatusCompleted
		st.SessionID = snap.Outcome.SessionID
	case advice.Failed:
		st.Status = StatusFailed
		st.Reason = snap.Outcome.Reason
	}
}

func (b *Board) journalRun(isin string, snap advice.Snapshot) {
	if b.journal == nil {
		return
	}
	ctx := context.Background()
	if _, err := b.journal.RecordRun(ctx, store.RunFromOutcome(isin, snap)); err != nil {
		b.log.Error("recording advice run", "isin", isin, "error", err)
	}
	out := snap.Outcome
	if out.Kind != advice.Completed || out.FullText == "" {
		return
	}
	msg := chat.Message{Role: chat.RoleAssistant, Content: out.FullText}
	if err := b.journal.AppendMessage(ctx, out.SessionID, msg); err != nil {
		b.log.Error("recording advice message", "session", out.SessionID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Chat turns
// ---------------------------------------------------------------------------

// ChatError is a failure reported by the server inside the reply stream.
// Its message is safe to show.
type ChatError struct {
	Message string
}

func (e *ChatError) Error() string {
	return e.Message
}

type chatErrorPayload struct {
	Message string `json:"message"`
}

// Chat sends message in a session and blocks until the reply stream ends,
// publishing a snapshot per fragment under ChatKey(sessionID). The committed
// reply is returned and, with the user's message, journaled. A stream that
// ends without any text still commits an empty reply.
func (b *Board) Chat(ctx context.Context, sessionID int64, message string) (chat.Message, error) {
	if sessionID <= 0 {
		return chat.Message{}, ErrNoSession
	}

	runCtx, cancel := context.WithCancel(ctx)
	key := ChatKey(sessionID)
	r := b.begin(key, cancel, RunState{Kind: KindChat, SessionID: sessionID})
	defer b.end(r)
	log := b.log.With("session", sessionID, "run", r.id)

	acc := chat.NewAccumulator(nil)
	serverErr, readErr := b.consumeChat(runCtx, sessionID, message, acc, r)

	if errors.Is(readErr, errSuperseded) || (runCtx.Err() != nil && ctx.Err() == nil) {
		return chat.Message{}, ErrSuperseded
	}
	if ctx.Err() != nil {
		return chat.Message{}, ctx.Err()
	}

	if readErr != nil || serverErr != "" {
		reason := advice.GenericFailure
		if serverErr != "" {
			reason = serverErr
		}
		b.update(r, func(st *RunState) {
			st.Status = StatusFailed
			st.Reason = reason
		})
		if readErr != nil {
			log.Warn("chat stream failed", "error", readErr)
			return chat.Message{}, fmt.Errorf("chat turn: %w", readErr)
		}
		return chat.Message{}, &ChatError{Message: serverErr}
	}

	reply := acc.Commit()
	b.update(r, func(st *RunState) {
		st.Status = StatusCompleted
		st.Percent = 100
	})
	b.journalTurn(sessionID, message, reply)
	log.Info("chat turn finished", "bytes", len(reply.Content))
	return reply, nil
}

// consumeChat feeds the reply stream into acc. An "error" frame's message
// is returned as serverErr.
func (b *Board) consumeChat(ctx context.Context, sessionID int64, message string, acc *chat.Accumulator, r *run) (serverErr string, err error) {
	rd, err := b.api.OpenChat(ctx, sessionID, message)
	if err != nil {
		return "", err
	}
	defer rd.Close()

	for f, err := range rd.All(ctx) {
		if err != nil {
			return serverErr, err
		}
		if f.Event == "error" {
			var p chatErrorPayload
			if f.Decode(&p) == nil && p.Message != "" {
				serverErr = p.Message
			}
			continue
		}
		if !acc.Apply(f) {
			continue
		}
		text := acc.Snapshot()
		if !b.update(r, func(st *RunState) {
			st.Text = text
			st.Segments = think.Split(text)
		}) {
			return serverErr, errSuperseded
		}
	}
	return serverErr, nil
}

func (b *Board) journalTurn(sessionID int64, message string, reply chat.Message) {
	if b.journal == nil {
		return
	}
	ctx := context.Background()
	for _, m := range []chat.Message{{Role: chat.RoleUser, Content: message}, reply} {
		if err := b.journal.AppendMessage(ctx, sessionID, m); err != nil {
			b.log.Error("recording chat message", "session", sessionID, "role", m.Role, "error", err)
			return
		}
	}
}
