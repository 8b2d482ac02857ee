// Package chat folds streamed reply fragments into one growing message.
package chat

import (
	"encoding/json"
	"strings"
	"sync"

	"stockdesk/internal/sse"
)

// Role identifies the author of a committed message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an immutable, committed chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Accumulator appends text fragments and publishes the full accumulated
// string after every fragment. Once committed it no longer changes.
type Accumulator struct {
	mu        sync.RWMutex
	text      strings.Builder
	committed bool
	msg       Message

	onSnapshot func(string)
}

// NewAccumulator returns an empty accumulator. onSnapshot, if non-nil, is
// called with the full text after each accepted fragment, in order.
func NewAccumulator(onSnapshot func(string)) *Accumulator {
	return &Accumulator{onSnapshot: onSnapshot}
}

// Apply appends the text field of a frame payload. Frames whose payload has
// no string text field contribute nothing and publish nothing. The event
// type is not inspected. Returns whether a snapshot was published.
func (a *Accumulator) Apply(f sse.Frame) bool {
	text, ok := TextOf(f)
	if !ok {
		return false
	}
	_, ok = a.Append(text)
	return ok
}

// Append adds fragment and returns the new snapshot. After Commit it returns
// the committed content and false.
func (a *Accumulator) Append(fragment string) (string, bool) {
	a.mu.Lock()
	if a.committed {
		s := a.msg.Content
		a.mu.Unlock()
		return s, false
	}
	a.text.WriteString(fragment)
	snapshot := a.text.String()
	a.mu.Unlock()

	if a.onSnapshot != nil {
		a.onSnapshot(snapshot)
	}
	return snapshot, true
}

// Snapshot returns the text accumulated so far.
func (a *Accumulator) Snapshot() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.committed {
		return a.msg.Content
	}
	return a.text.String()
}

// Commit freezes the accumulated text into an assistant message. Later calls
// return the same message.
func (a *Accumulator) Commit() Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.committed {
		a.msg = Message{Role: RoleAssistant, Content: a.text.String()}
		a.committed = true
		a.text.Reset()
	}
	return a.msg
}

// Committed reports whether Commit was called.
func (a *Accumulator) Committed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committed
}

// TextOf extracts the string text field of a payload. ok is false when the
// field is absent, null, or not a string.
func TextOf(f sse.Frame) (text string, ok bool) {
	var p struct {
		Text json.RawMessage `json:"text"`
	}
	if err := f.Decode(&p); err != nil || len(p.Text) == 0 || string(p.Text) == "null" {
		return "", false
	}
	if err := json.Unmarshal(p.Text, &text); err != nil {
		return "", false
	}
	return text, true
}
