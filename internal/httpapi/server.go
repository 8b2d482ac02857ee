package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"stockdesk/internal/advice"
	"stockdesk/internal/catalog"
	"stockdesk/internal/live"
	"stockdesk/internal/sse"
	"stockdesk/internal/store"
	"stockdesk/internal/think"
	"stockdesk/internal/util"
)

const (
	defaultSearchLimit = 20
	maxBodyBytes       = 64 << 10
)

// RelayServer serves the relay HTTP API.
type RelayServer struct {
	ctx      context.Context // parent of advice runs
	board    *live.Board
	catalog  *catalog.Catalog
	journal  store.Journal          // optional
	exporter *store.ParquetExporter // optional
	limiter  *util.RateLimiter      // optional, throttles advice starts
	log      *slog.Logger
}

// Option configures a RelayServer.
type Option func(*RelayServer)

// WithJournal enables the transcript and run endpoints.
func WithJournal(j store.Journal, exp *store.ParquetExporter) Option {
	return func(s *RelayServer) {
		s.journal = j
		s.exporter = exp
	}
}

// WithAdviceLimiter throttles POST /api/advice/{isin}.
func WithAdviceLimiter(rl *util.RateLimiter) Option {
	return func(s *RelayServer) { s.limiter = rl }
}

// NewRelayServer creates the relay. Advice runs started through it live
// until they finish or ctx is done, independent of the starting request.
func NewRelayServer(ctx context.Context, board *live.Board, cat *catalog.Catalog, log *slog.Logger, opts ...Option) *RelayServer {
	if log == nil {
		log = slog.Default()
	}
	s := &RelayServer{ctx: ctx, board: board, catalog: cat, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *RelayServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/advice/{isin}", s.handleGetAdvice)
	mux.HandleFunc("POST /api/advice/{isin}", s.handleStartAdvice)
	mux.HandleFunc("DELETE /api/advice/{isin}", s.handleCancelAdvice)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/segments", s.handleSegments)
	mux.HandleFunc("GET /api/stocks", s.handleStocks)
	mux.HandleFunc("POST /api/stocks/refresh", s.handleRefreshStocks)
	mux.HandleFunc("GET /api/transcripts/{sessionID}", s.handleTranscript)
	mux.HandleFunc("POST /api/transcripts/{sessionID}/export", s.handleExport)
}

// Handler returns an http.Handler with CORS middleware.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"detail": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathSessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("sessionID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

// ---------------------------------------------------------------------------
// Advice
// ---------------------------------------------------------------------------

func (s *RelayServer) handleGetAdvice(w http.ResponseWriter, r *http.Request) {
	isin := strings.ToUpper(r.PathValue("isin"))
	st, ok := s.board.Snapshot(isin)
	if !ok {
		writeError(w, http.StatusNotFound, "no advice run for "+isin)
		return
	}
	writeJSON(w, st)
}

func (s *RelayServer) handleStartAdvice(w http.ResponseWriter, r *http.Request) {
	isin := strings.ToUpper(r.PathValue("isin"))
	if isin == "" {
		writeError(w, http.StatusBadRequest, "missing isin")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many advice requests, try again shortly")
		return
	}

	id := s.board.StartAdvice(s.ctx, isin)
	s.log.Info("advice run started", "isin", isin, "run", id, "remote", r.RemoteAddr)
	writeJSONStatus(w, http.StatusAccepted, StartAdviceJSON{RunID: id, ISIN: isin})
}

func (s *RelayServer) handleCancelAdvice(w http.ResponseWriter, r *http.Request) {
	isin := strings.ToUpper(r.PathValue("isin"))
	if !s.board.Cancel(isin) {
		writeError(w, http.StatusNotFound, "no active advice run for "+isin)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RelayServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, "journal not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.journal.Runs(r.Context(), strings.ToUpper(r.URL.Query().Get("isin")), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, RunsJSON{Runs: runs})
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

type chatResult struct {
	reply string
	err   error
}

// handleChat runs one chat turn and relays every snapshot of it as an
// "event: snapshot" frame, closing with "event: done".
func (s *RelayServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, live.ErrNoSession.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	key := live.ChatKey(req.SessionID)
	subID, ch := s.board.Subscribe(1024)
	defer s.board.Unsubscribe(subID)

	done := make(chan chatResult, 1)
	go func() {
		msg, err := s.board.Chat(r.Context(), req.SessionID, req.Message)
		done <- chatResult{reply: msg.Content, err: err}
	}()

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)

	send := func(st live.RunState) bool {
		if st.Key != key || st.Terminal() {
			return true
		}
		if err := sse.WriteEvent(w, "snapshot", st); err != nil {
			s.log.Debug("chat relay write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case st, ok := <-ch:
			if !ok || !send(st) {
				<-done
				return
			}
		case res := <-done:
			// Chat publishes before it returns; flush what is buffered.
			for drained := false; !drained; {
				select {
				case st := <-ch:
					send(st)
				default:
					drained = true
				}
			}
			out := ChatDoneJSON{Success: res.err == nil, Reply: res.reply}
			if res.err != nil {
				out.Error = chatErrorMessage(res.err)
			}
			sse.WriteEvent(w, "done", out)
			return
		}
	}
}

func chatErrorMessage(err error) string {
	var chatErr *live.ChatError
	switch {
	case errors.As(err, &chatErr):
		return chatErr.Message
	case errors.Is(err, live.ErrSuperseded):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return advice.GenericFailure
}

// ---------------------------------------------------------------------------
// Segments and stocks
// ---------------------------------------------------------------------------

func (s *RelayServer) handleSegments(w http.ResponseWriter, r *http.Request) {
	var req SegmentsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	segs := think.Split(req.Text)
	if segs == nil {
		segs = []think.Segment{}
	}
	writeJSON(w, SegmentsJSON{
		Segments:  segs,
		Visible:   think.VisibleText(req.Text),
		Reasoning: think.Reasoning(req.Text),
	})
}

func (s *RelayServer) handleStocks(w http.ResponseWriter, r *http.Request) {
	if s.catalog.Len() == 0 {
		if err := s.catalog.Refresh(r.Context()); err != nil {
			s.log.Warn("catalog refresh failed", "error", err)
			writeError(w, http.StatusBadGateway, "stock list unavailable")
			return
		}
	}

	q := r.URL.Query().Get("q")
	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			limit = n
		}
	}
	results := s.catalog.Search(q, limit)
	if results == nil {
		results = []catalog.Entry{}
	}
	writeJSON(w, StocksJSON{Query: q, Total: s.catalog.Len(), Results: results})
}

func (s *RelayServer) handleRefreshStocks(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Refresh(r.Context()); err != nil {
		s.log.Warn("catalog refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "stock list unavailable")
		return
	}
	writeJSON(w, map[string]int{"total": s.catalog.Len()})
}

// ---------------------------------------------------------------------------
// Transcripts
// ---------------------------------------------------------------------------

func (s *RelayServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, "journal not configured")
		return
	}
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	msgs, err := s.journal.Messages(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.log.Error("loading transcript", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load transcript")
		return
	}
	writeJSON(w, TranscriptJSON{SessionID: id, Messages: msgs})
}

func (s *RelayServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil || s.exporter == nil {
		writeError(w, http.StatusNotImplemented, "journal not configured")
		return
	}
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	path, err := s.exporter.Export(r.Context(), s.journal, id, splitVisible)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.log.Error("exporting transcript", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, ExportJSON{SessionID: id, Path: path})
}

func splitVisible(text string) (string, string) {
	return think.VisibleText(text), think.Reasoning(text)
}
