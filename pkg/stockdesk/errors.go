package stockdesk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// User-facing messages. Provider and network details never reach them.
const (
	UnreachableMessage     = "Could not reach the server. Please try again later."
	DataUnavailableMessage = "Data temporarily unavailable. Some metrics or series could not be loaded. Please try again later."
)

var (
	// ErrUnreachable wraps transport failures (refused, timed out, aborted).
	ErrUnreachable = errors.New(UnreachableMessage)
	// ErrStreamRejected is returned when a stream request gets a non-2xx
	// response.
	ErrStreamRejected = errors.New("stream request rejected")
)

// providerPhrases mark upstream data-provider errors that are replaced by
// DataUnavailableMessage.
var providerPhrases = []string{"rate limit", "api key", "alphavantage", "premium"}

// APIError is a non-2xx response from the dashboard API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return e.Detail
}

// readAPIError builds an APIError from a response body of the form
// {"detail": string | [...]}, falling back to the status text.
func readAPIError(resp *http.Response) *APIError {
	e := &APIError{Status: resp.StatusCode}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && len(body.Detail) > 0 {
		var s string
		var list []any
		switch {
		case json.Unmarshal(body.Detail, &s) == nil:
			e.Detail = sanitizeDetail(s)
		case json.Unmarshal(body.Detail, &list) == nil:
			parts := make([]string, len(list))
			for i, v := range list {
				parts[i] = fmt.Sprint(v)
			}
			e.Detail = sanitizeDetail(strings.Join(parts, " "))
		}
	}
	if e.Detail == "" {
		e.Detail = http.StatusText(resp.StatusCode)
	}
	if e.Detail == "" {
		e.Detail = "Request failed"
	}
	return e
}

func sanitizeDetail(detail string) string {
	lower := strings.ToLower(detail)
	for _, p := range providerPhrases {
		if strings.Contains(lower, p) {
			return DataUnavailableMessage
		}
	}
	return detail
}

// retryable reports whether a list request should be retried: transport
// failures are, API errors are not.
func retryable(err error) bool {
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
