// Package catalog caches the stock list and answers dropdown searches.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"stockdesk/pkg/stockdesk"
)

// Source lists stocks. *stockdesk.Client satisfies it.
type Source interface {
	ListStocks(ctx context.Context) ([]stockdesk.Stock, error)
}

// Entry is a stock with optional brokerage annotations.
type Entry struct {
	stockdesk.Stock
	Exchange string `json:"exchange,omitempty"`
	Tradable bool   `json:"tradable"`
}

// Catalog holds the last loaded stock list. Searches never hit the network.
type Catalog struct {
	src    Source
	assets *AlpacaSource // optional
	log    *slog.Logger

	mu       sync.RWMutex
	entries  []Entry
	loadedAt time.Time
}

// New creates a catalog over src. assets may be nil.
func New(src Source, assets *AlpacaSource, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{src: src, assets: assets, log: log}
}

// Refresh reloads the list from the source. Alpaca annotations are best
// effort: a failing asset lookup leaves entries unannotated.
func (c *Catalog) Refresh(ctx context.Context) error {
	stocks, err := c.src.ListStocks(ctx)
	if err != nil {
		return fmt.Errorf("loading stocks: %w", err)
	}

	entries := make([]Entry, len(stocks))
	for i, s := range stocks {
		entries[i] = Entry{Stock: s}
	}

	if c.assets != nil {
		if n, err := c.assets.Annotate(entries); err != nil {
			c.log.Warn("alpaca asset lookup failed", "error", err)
		} else {
			c.log.Debug("annotated catalog", "matched", n)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	c.mu.Lock()
	c.entries = entries
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.log.Info("catalog refreshed", "stocks", len(entries))
	return nil
}

// Len returns the number of cached entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LoadedAt returns when the list was last refreshed.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Lookup returns the entry with the given ISIN.
func (c *Catalog) Lookup(isin string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if strings.EqualFold(e.ISIN, isin) {
			return e, true
		}
	}
	return Entry{}, false
}

// match ranks, lower is better.
const (
	matchExact = iota
	matchPrefix
	matchSubstring
	noMatch
)

// Search returns up to limit entries matching query on ISIN, symbol or name,
// case-insensitively. Exact ISIN or symbol matches come first, then prefix
// matches, then substring matches; ties keep name order. An empty query
// returns the first limit entries. limit <= 0 means no limit.
func (c *Catalog) Search(query string, limit int) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))

	c.mu.RLock()
	type ranked struct {
		e    Entry
		rank int
	}
	var hits []ranked
	for _, e := range c.entries {
		if r := rank(e, q); r != noMatch {
			hits = append(hits, ranked{e, r})
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out
}

func rank(e Entry, q string) int {
	if q == "" {
		return matchSubstring
	}
	isin := strings.ToLower(e.ISIN)
	sym := strings.ToLower(e.Symbol)
	name := strings.ToLower(e.Name)

	switch {
	case isin == q || (sym != "" && sym == q):
		return matchExact
	case strings.HasPrefix(isin, q) || (sym != "" && strings.HasPrefix(sym, q)) || strings.HasPrefix(name, q):
		return matchPrefix
	case strings.Contains(isin, q) || strings.Contains(sym, q) || strings.Contains(name, q):
		return matchSubstring
	}
	return noMatch
}
