// Package symbol handles exchange trading-pair parsing and normalization,
// and derivation of the stream names a pair is subscribed under.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Quote assets recognised when splitting a pair, longest first so that
// "FDUSD" wins over "USD"-style suffixes.
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY",
}

// pairRegex matches an upper-case exchange pair such as BTCUSDT or 1000PEPEUSDT.
var pairRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid trading pair")
	ErrUnknownQuote  = errors.New("symbol: unsupported quote asset")
)

// Pair is a parsed trading pair.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Normalize upper-cases and trims a user-supplied symbol.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse normalizes and validates a trading pair and splits it into base
// and quote assets.
func Parse(s string) (*Pair, error) {
	sym := Normalize(s)
	if !pairRegex.MatchString(sym) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return &Pair{Symbol: sym, Base: strings.TrimSuffix(sym, q), Quote: q}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, sym)
}

// HasQuote reports whether sym trades against quote.
func HasQuote(sym, quote string) bool {
	if quote == "" {
		return true
	}
	p, err := Parse(sym)
	if err != nil {
		return false
	}
	return p.Quote == Normalize(quote)
}

// StreamName returns the lower-case stream prefix for a pair.
func StreamName(sym string) string {
	return strings.ToLower(Normalize(sym))
}
