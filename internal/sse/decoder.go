// Package sse decodes text/event-stream bodies into discrete frames. The
// decoder is fed arbitrarily chunked text and keeps the trailing incomplete
// block between calls, so chunk boundaries may fall anywhere: inside a line
// prefix, inside the JSON payload, or inside the blank-line separator.
package sse

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// Line prefixes and the block separator of the wire format.
const (
	eventPrefix = "event: "
	dataPrefix  = "data: "
	separator   = "\n\n"
)

// ImplicitMessage is the event type assigned to chat-channel frames, which
// carry plain data lines without an explicit event line.
const ImplicitMessage = "message"

// errMalformed marks a data line whose payload is not valid JSON.
var errMalformed = errors.New("sse: malformed payload")

// Frame is one decoded unit of a push stream.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Decoder turns successive text chunks into frames. A Decoder belongs to a
// single stream and must not be shared.
type Decoder struct {
	implicit string
	buf      string
	scanFrom int // separator search resumes here; everything before holds no "\n\n"
	dropped  int
}

// NewDecoder returns a decoder that labels frames without an event line
// with implicitEvent. Pass "" for channels that always send explicit types.
func NewDecoder(implicitEvent string) *Decoder {
	return &Decoder{implicit: implicitEvent}
}

// Feed appends chunk to the carry-over buffer and returns every frame
// completed by it, in stream order. The trailing segment after the last
// separator is kept for the next call and is never emitted on its own.
func (d *Decoder) Feed(chunk string) []Frame {
	if chunk == "" {
		return nil
	}
	d.buf += chunk

	var frames []Frame
	for {
		i := strings.Index(d.buf[d.scanFrom:], separator)
		if i < 0 {
			// A separator may straddle the next chunk boundary.
			d.scanFrom = max(len(d.buf)-len(separator)+1, 0)
			return frames
		}
		end := d.scanFrom + i
		block := d.buf[:end]
		d.buf = d.buf[end+len(separator):]
		d.scanFrom = 0

		if f, ok := d.parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
}

// Pending returns the number of buffered bytes not yet terminated by a
// separator.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Dropped returns the number of blocks discarded because their data line did
// not hold valid JSON.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Reset discards the carry-over buffer. An unterminated trailing block is
// never turned into a frame.
func (d *Decoder) Reset() {
	d.buf = ""
	d.scanFrom = 0
}

// parseBlock extracts the last event line and the last data line of a block.
// Blocks without a data line, or whose payload fails to parse, yield no frame.
func (d *Decoder) parseBlock(block string) (Frame, bool) {
	if !utf8.ValidString(block) {
		block = strings.ToValidUTF8(block, string(utf8.RuneError))
	}

	event := ""
	data := ""
	hasData := false
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, eventPrefix):
			event = strings.TrimSpace(line[len(eventPrefix):])
		case strings.HasPrefix(line, dataPrefix):
			data = line[len(dataPrefix):]
			hasData = true
		}
	}
	if !hasData {
		return Frame{}, false
	}

	payload, err := parsePayload(data)
	if err != nil {
		d.dropped++
		return Frame{}, false
	}
	if event == "" {
		event = d.implicit
	}
	return Frame{Event: event, Data: payload}, true
}

// parsePayload validates a data line as JSON. Callers discard the frame on
// error; a malformed payload never ends the stream.
func parsePayload(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, errMalformed
	}
	return json.RawMessage(s), nil
}
