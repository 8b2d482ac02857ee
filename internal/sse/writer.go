package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteEvent writes one typed block: an event line, a data line holding v as
// JSON, and the blank-line terminator. The writer is flushed when it
// supports it.
func WriteEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "%s%s\n%s%s%s", eventPrefix, event, dataPrefix, data, separator); err != nil {
		return err
	}
	flush(w)
	return nil
}

// WriteData writes an untyped block holding only a data line.
func WriteData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s%s%s", dataPrefix, data, separator); err != nil {
		return err
	}
	flush(w)
	return nil
}

// SetHeaders prepares an HTTP response for streaming.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
