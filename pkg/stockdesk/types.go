package stockdesk

import "stockdesk/internal/chat"

// Stock is one entry of the stock list. Symbol is empty until the server has
// resolved the ISIN to a ticker.
type Stock struct {
	ISIN   string `json:"isin"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// Label returns "SYMBOL – Name", or just the name when unresolved.
func (s Stock) Label() string {
	if s.Symbol == "" {
		return s.Name
	}
	return s.Symbol + " – " + s.Name
}

// Session is a chat session created by a successful advice run.
type Session struct {
	ID        int64  `json:"id"`
	ISIN      string `json:"isin"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// SessionMessage is a stored message of a session.
type SessionMessage struct {
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt string    `json:"created_at"`
}

// SessionDetail is a session with its messages and analysis context.
type SessionDetail struct {
	Session
	ScanContext       map[string]any   `json:"scan_context"`
	SubAgentSummaries map[string]any   `json:"sub_agent_summaries"`
	Messages          []SessionMessage `json:"messages"`
}

// SeriesPoint is one OHLCV sample.
type SeriesPoint struct {
	Time   string   `json:"time"`
	Open   *float64 `json:"open,omitempty"`
	High   *float64 `json:"high,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	Close  *float64 `json:"close,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
}

// TrendPoint is one sample of a derived line (trend, band, forecast).
type TrendPoint struct {
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

// ForecastPoint is one forecast close.
type ForecastPoint struct {
	Time  string  `json:"time"`
	Close float64 `json:"close"`
}

// SeriesResponse is the price series of a stock with the optional forecast.
type SeriesResponse struct {
	Series        []SeriesPoint   `json:"series"`
	Forecast      []ForecastPoint `json:"forecast,omitempty"`
	TrendLine     []TrendPoint    `json:"trend_line,omitempty"`
	UpperBand     []TrendPoint    `json:"upper_band,omitempty"`
	LowerBand     []TrendPoint    `json:"lower_band,omitempty"`
	ForecastStats map[string]any  `json:"forecast_stats,omitempty"`
}

type chatRequest struct {
	SessionID int64  `json:"session_id"`
	Message   string `json:"message"`
}
