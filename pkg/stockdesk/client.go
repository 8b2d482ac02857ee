// Package stockdesk is a Go client for the stock advice dashboard API: list
// endpoints plus the advice and chat event streams.
package stockdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stockdesk/internal/sse"
	"stockdesk/internal/util"
)

// DefaultListTimeout bounds list requests unless overridden.
const DefaultListTimeout = 15 * time.Second

const retryBaseDelay = 250 * time.Millisecond

// Client talks to the dashboard API. List requests are bounded by the list
// timeout; streams stay open until the server ends them or the caller
// cancels.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	listTimeout time.Duration
	attempts    int
	log         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its Timeout should be
// zero, otherwise it also cuts long streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithListTimeout sets the timeout of non-streaming list requests.
func WithListTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.listTimeout = d
		}
	}
}

// WithRetries sets how many times a list request is attempted when the
// transport fails. API errors are never retried.
func WithRetries(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		listTimeout: DefaultListTimeout,
		attempts:    1,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListStocks returns every stock known to the server.
func (c *Client) ListStocks(ctx context.Context) ([]Stock, error) {
	var out []Stock
	if err := c.getList(ctx, "/api/stocks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions returns the saved chat sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.getList(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns one session with its messages.
func (c *Client) GetSession(ctx context.Context, id int64) (*SessionDetail, error) {
	var out SessionDetail
	if err := c.getList(ctx, "/api/sessions/"+strconv.FormatInt(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSeries returns the price series of a stock. interval is "daily",
// "weekly" or "monthly"; empty means the server default.
func (c *Client) GetSeries(ctx context.Context, isin, interval string, forecast bool) (*SeriesResponse, error) {
	q := url.Values{}
	if interval != "" {
		q.Set("interval", interval)
	}
	if forecast {
		q.Set("include_forecast", "true")
	}
	path := "/api/stocks/" + url.PathEscape(isin) + "/series"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out SeriesResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMetrics returns the fundamental metrics of a stock as reported by the
// server.
func (c *Client) GetMetrics(ctx context.Context, isin string) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/api/stocks/"+url.PathEscape(isin)+"/metrics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenAdvice starts an advice run for isin and returns the event stream.
// Frames without an event line are discarded.
func (c *Client) OpenAdvice(ctx context.Context, isin string) (*sse.Reader, error) {
	body, err := c.openStream(ctx, "/api/stocks/"+url.PathEscape(isin)+"/advice", nil)
	if err != nil {
		return nil, err
	}
	return sse.NewReader(body, ""), nil
}

// OpenChat sends a follow-up message in a session and returns the reply
// stream. Frames without an event line are treated as "message".
func (c *Client) OpenChat(ctx context.Context, sessionID int64, message string) (*sse.Reader, error) {
	body, err := c.openStream(ctx, "/api/chat", chatRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, err
	}
	return sse.NewReader(body, sse.ImplicitMessage), nil
}

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// getList performs a bounded GET, retrying transport failures.
func (c *Client) getList(ctx context.Context, path string, out any) error {
	return util.RetryIf(ctx, c.attempts, retryBaseDelay, retryable, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.listTimeout)
		defer cancel()
		return c.get(reqCtx, path, out)
	})
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("request failed", "path", path, "error", err)
		return fmt.Errorf("%w (%v)", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// openStream POSTs to path and returns the open body. A non-2xx status
// closes the body and reports ErrStreamRejected wrapping the API error.
func (c *Client) openStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.log.Warn("stream request failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w (%v)", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := readAPIError(resp)
		c.log.Info("stream rejected", "path", path, "status", resp.StatusCode, "detail", apiErr.Detail)
		return nil, fmt.Errorf("%w: %w", ErrStreamRejected, apiErr)
	}
	return resp.Body, nil
}
