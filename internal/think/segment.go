// Package think splits model output into visible text and reasoning blocks
// marked with <think>...</think>. Segmentation is stateless: callers re-run
// it on the full accumulated text after every streamed update.
package think

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Delimiters of a reasoning block.
const (
	Open  = "<think>"
	Close = "</think>"
)

// Kind tags a segment.
type Kind int

const (
	Visible Kind = iota
	Think
)

func (k Kind) String() string {
	if k == Think {
		return "think"
	}
	return "visible"
}

// MarshalText encodes the kind as "visible" or "think".
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes "visible" or "think".
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "visible":
		*k = Visible
	case "think":
		*k = Think
	default:
		return fmt.Errorf("think: unknown segment kind %q", b)
	}
	return nil
}

// Segment is one region of the input, in document order. Closed is only
// meaningful for Think segments: false means the closing delimiter has not
// arrived yet.
type Segment struct {
	Kind   Kind   `json:"type"`
	Text   string `json:"content"`
	Closed bool   `json:"closed,omitempty"`
}

// Split partitions text into visible and think segments. An opener without
// a matching closer turns the rest of the input into one unclosed think
// segment. Empty input yields no segments.
func Split(text string) []Segment {
	var segs []Segment
	rest := text
	for rest != "" {
		i := strings.Index(rest, Open)
		if i < 0 {
			segs = append(segs, Segment{Kind: Visible, Text: rest})
			break
		}
		if i > 0 {
			segs = append(segs, Segment{Kind: Visible, Text: rest[:i]})
		}
		rest = rest[i+len(Open):]

		j := strings.Index(rest, Close)
		if j < 0 {
			segs = append(segs, Segment{Kind: Think, Text: rest})
			break
		}
		segs = append(segs, Segment{Kind: Think, Text: rest[:j], Closed: true})
		rest = rest[j+len(Close):]
	}
	return segs
}

// Join rebuilds the input of Split, reinserting the delimiters.
func Join(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Kind == Visible {
			b.WriteString(s.Text)
			continue
		}
		b.WriteString(Open)
		b.WriteString(s.Text)
		if s.Closed {
			b.WriteString(Close)
		}
	}
	return b.String()
}

// VisibleText returns the concatenated visible segments of text.
func VisibleText(text string) string {
	var b strings.Builder
	for _, s := range Split(text) {
		if s.Kind == Visible {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Reasoning returns the trimmed content of every think segment, one per
// line, skipping empty blocks.
func Reasoning(text string) string {
	var parts []string
	for _, s := range Split(text) {
		if s.Kind != Think {
			continue
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Preview returns the first n runes of the trimmed segment text, with an
// ellipsis when it was cut. Used for the collapsed reasoning label.
func Preview(s Segment, n int) string {
	t := strings.TrimSpace(s.Text)
	if utf8.RuneCountInString(t) <= n {
		return t
	}
	runes := []rune(t)
	return string(runes[:n]) + "…"
}
