// Package httpapi provides the local relay HTTP API: it exposes board
// state, starts and cancels advice runs, relays chat turns as an event
// stream, segments text and serves the catalog and journal.
package httpapi

import (
	"stockdesk/internal/catalog"
	"stockdesk/internal/store"
	"stockdesk/internal/think"
)

// StartAdviceJSON is the response of POST /api/advice/{isin}.
type StartAdviceJSON struct {
	RunID int64  `json:"runId"`
	ISIN  string `json:"isin"`
}

// ChatRequest is the body of POST /api/chat, in the dashboard's shape.
type ChatRequest struct {
	SessionID int64  `json:"session_id"`
	Message   string `json:"message"`
}

// ChatDoneJSON is the payload of the closing "done" event of a relayed
// chat turn.
type ChatDoneJSON struct {
	Success bool   `json:"success"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SegmentsRequest is the body of POST /api/segments.
type SegmentsRequest struct {
	Text string `json:"text"`
}

// SegmentsJSON is the response of POST /api/segments.
type SegmentsJSON struct {
	Segments  []think.Segment `json:"segments"`
	Visible   string          `json:"visible"`
	Reasoning string          `json:"reasoning"`
}

// StocksJSON is the response of GET /api/stocks.
type StocksJSON struct {
	Query   string          `json:"query"`
	Total   int             `json:"total"`
	Results []catalog.Entry `json:"results"`
}

// TranscriptJSON is the response of GET /api/transcripts/{sessionID}.
type TranscriptJSON struct {
	SessionID int64           `json:"sessionId"`
	Messages  []store.Message `json:"messages"`
}

// ExportJSON is the response of a transcript export.
type ExportJSON struct {
	SessionID int64  `json:"sessionId"`
	Path      string `json:"path"`
}

// RunsJSON is the response of GET /api/runs.
type RunsJSON struct {
	Runs []store.Run `json:"runs"`
}
