package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stockdesk/internal/catalog"
	"stockdesk/internal/chat"
	"stockdesk/internal/live"
	"stockdesk/internal/sse"
	"stockdesk/internal/store"
	"stockdesk/internal/util"
	"stockdesk/pkg/stockdesk"
)

const testISIN = "US0378331005"

type fakeAPI struct {
	mu     sync.Mutex
	advice string
	chat   string
}

func (f *fakeAPI) OpenAdvice(_ context.Context, _ string) (*sse.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sse.NewReader(strings.NewReader(f.advice), ""), nil
}

func (f *fakeAPI) OpenChat(_ context.Context, _ int64, _ string) (*sse.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sse.NewReader(strings.NewReader(f.chat), sse.ImplicitMessage), nil
}

func (f *fakeAPI) ListStocks(context.Context) ([]stockdesk.Stock, error) {
	return []stockdesk.Stock{
		{ISIN: testISIN, Name: "Apple Inc.", Symbol: "AAPL"},
		{ISIN: "US5949181045", Name: "Microsoft Corp.", Symbol: "MSFT"},
	}, nil
}

type testEnv struct {
	srv     *httptest.Server
	board   *live.Board
	journal *store.SQLiteStore
	api     *fakeAPI
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	journal, err := store.NewSQLiteStore(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	api := &fakeAPI{
		advice: "event: progress\ndata: {\"step\":\"fetch\",\"stepIndex\":0,\"percent\":50,\"status\":\"running\"}\n\n" +
			"event: advice_chunk\ndata: {\"text\":\"<think>x</think>Hold.\"}\n\n" +
			"event: done\ndata: {\"success\":true,\"sessionId\":5}\n\n",
		chat: "event: message\ndata: {\"text\":\"Be\"}\n\n" +
			"event: message\ndata: {\"text\":\"cause.\"}\n\n" +
			"event: done\ndata: {\"success\":true}\n\n",
	}
	board := live.NewBoard(api, journal, nil)
	cat := catalog.New(api, nil, nil)

	opts = append([]Option{WithJournal(journal, store.NewParquetExporter(dir))}, opts...)
	relay := NewRelayServer(context.Background(), board, cat, nil, opts...)
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, board: board, journal: journal, api: api}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestAdviceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/advice/"+testISIN, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET before start = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/advice/"+strings.ToLower(testISIN), "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST = %d, want 202", resp.StatusCode)
	}
	started := decodeJSON[StartAdviceJSON](t, resp)
	if started.ISIN != testISIN || started.RunID == 0 {
		t.Errorf("start = %+v", started)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.board.Wait(ctx, testISIN); err != nil {
		t.Fatal(err)
	}

	resp = env.do(t, http.MethodGet, "/api/advice/"+testISIN, "")
	st := decodeJSON[live.RunState](t, resp)
	if st.Status != live.StatusCompleted || st.SessionID != 5 || st.RunID != started.RunID {
		t.Errorf("state = %+v", st)
	}
	if len(st.Segments) != 2 || st.Segments[1].Text != "Hold." {
		t.Errorf("segments = %+v", st.Segments)
	}

	resp = env.do(t, http.MethodDelete, "/api/advice/"+testISIN, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE finished run = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/runs?isin="+testISIN, "")
	runs := decodeJSON[RunsJSON](t, resp)
	if len(runs.Runs) != 1 || runs.Runs[0].SessionID != 5 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestAdviceRateLimited(t *testing.T) {
	env := newTestEnv(t, WithAdviceLimiter(util.NewBurstRateLimiter(1, 1)))
	if resp := env.do(t, http.MethodPost, "/api/advice/"+testISIN, ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first POST = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/advice/"+testISIN, ""); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second POST = %d, want 429", resp.StatusCode)
	}
}

func TestChatRelay(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/chat", `{"session_id":5,"message":"Why?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	rd := sse.NewReader(resp.Body, "")
	var texts []string
	var done ChatDoneJSON
	for f, err := range rd.All(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		switch f.Event {
		case "snapshot":
			var st live.RunState
			if err := f.Decode(&st); err != nil {
				t.Fatal(err)
			}
			if st.Text != "" {
				texts = append(texts, st.Text)
			}
		case "done":
			if err := f.Decode(&done); err != nil {
				t.Fatal(err)
			}
		}
	}
	if strings.Join(texts, "|") != "Be|Because." {
		t.Errorf("snapshots = %q", texts)
	}
	if !done.Success || done.Reply != "Because." {
		t.Errorf("done = %+v", done)
	}

	resp = env.do(t, http.MethodGet, "/api/transcripts/5", "")
	tr := decodeJSON[TranscriptJSON](t, resp)
	if len(tr.Messages) != 2 || tr.Messages[0].Role != chat.RoleUser || tr.Messages[1].Content != "Because." {
		t.Errorf("transcript = %+v", tr)
	}

	resp = env.do(t, http.MethodPost, "/api/transcripts/5/export", "")
	exp := decodeJSON[ExportJSON](t, resp)
	if filepath.Base(exp.Path) != "5.parquet" {
		t.Errorf("export = %+v", exp)
	}
}

func TestChatServerError(t *testing.T) {
	env := newTestEnv(t)
	env.api.chat = "event: error\ndata: {\"message\":\"Session not found\"}\n\n"

	resp := env.do(t, http.MethodPost, "/api/chat", `{"session_id":9,"message":"hi"}`)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"error":"Session not found"`) {
		t.Errorf("body = %s", body)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := map[string]string{
		"bad json":   `{`,
		"no session": `{"message":"hi"}`,
		"empty":      `{"session_id":1,"message":"  "}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if resp := env.do(t, http.MethodPost, "/api/chat", body); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSegments(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/segments", `{"text":"A <think>why</think>B"}`)
	got := decodeJSON[SegmentsJSON](t, resp)
	if len(got.Segments) != 3 || got.Visible != "A B" || got.Reasoning != "why" {
		t.Errorf("segments = %+v", got)
	}

	resp = env.do(t, http.MethodPost, "/api/segments", `{"text":""}`)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"segments":[]`) {
		t.Errorf("empty text body = %s", body)
	}
}

func TestStocksSearch(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/stocks?q=msft", "")
	got := decodeJSON[StocksJSON](t, resp)
	if got.Total != 2 || len(got.Results) != 1 || got.Results[0].Symbol != "MSFT" {
		t.Errorf("stocks = %+v", got)
	}
}

func TestTranscriptErrors(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodGet, "/api/transcripts/77", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing transcript = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/transcripts/abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodOptions, "/api/chat", "")
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestChatErrorMessage(t *testing.T) {
	if got := chatErrorMessage(&live.ChatError{Message: "nope"}); got != "nope" {
		t.Errorf("got %q", got)
	}
	if got := chatErrorMessage(errors.New("dial tcp 10.1.1.1:8000: refused")); strings.Contains(got, "10.1.1.1") {
		t.Errorf("leaked detail: %q", got)
	}
}
