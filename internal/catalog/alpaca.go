package catalog

import (
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// AssetLister is the subset of the Alpaca trading client used here.
type AssetLister interface {
	GetAssets(req alpaca.GetAssetsRequest) ([]alpaca.Asset, error)
}

// AlpacaSource annotates catalog entries with exchange and tradability from
// the Alpaca asset list. Assets carry no ISIN, so entries match by symbol.
type AlpacaSource struct {
	client AssetLister
}

// NewAlpacaSource creates a source from credentials.
func NewAlpacaSource(apiKey, apiSecret, baseURL string) *AlpacaSource {
	return &AlpacaSource{client: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})}
}

// NewAlpacaSourceFrom wraps an existing asset lister.
func NewAlpacaSourceFrom(client AssetLister) *AlpacaSource {
	return &AlpacaSource{client: client}
}

// Annotate fills Exchange and Tradable of entries whose symbol is a known
// active US equity. It returns the number of matched entries.
func (s *AlpacaSource) Annotate(entries []Entry) (int, error) {
	assets, err := s.client.GetAssets(alpaca.GetAssetsRequest{
		Status:     "active",
		AssetClass: "us_equity",
	})
	if err != nil {
		return 0, fmt.Errorf("GetAssets: %w", err)
	}

	bySymbol := make(map[string]alpaca.Asset, len(assets))
	for _, a := range assets {
		bySymbol[strings.ToUpper(a.Symbol)] = a
	}

	matched := 0
	for i := range entries {
		if entries[i].Symbol == "" {
			continue
		}
		a, ok := bySymbol[strings.ToUpper(entries[i].Symbol)]
		if !ok {
			continue
		}
		entries[i].Exchange = string(a.Exchange)
		entries[i].Tradable = a.Tradable
		matched++
	}
	return matched, nil
}
