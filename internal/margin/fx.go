package margin

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/margin-trading/internal/domain"
)

var (
	// ErrFxPairNotFound is returned when neither a direct nor an inverse pair is configured.
	ErrFxPairNotFound = errors.New("fx pair not found")

	// ErrDivisionByZero is returned when a rate would divide by a zero price or leverage.
	ErrDivisionByZero = errors.New("division by zero")
)

// QuoteProvider returns the current best bid and ask of an instrument.
type QuoteProvider interface {
	GetQuote(instrumentID string) (domain.Quote, error)
}

// AssetPairLookup finds the instrument quoting one asset in another.
type AssetPairLookup interface {
	FindByAssetPair(base, quote, legalEntity string) (domain.Instrument, bool)
}

// FxRates resolves conversion rates between assets from live quotes.
type FxRates struct {
	pairs  AssetPairLookup
	quotes QuoteProvider
}

// NewFxRates creates an FX resolver.
func NewFxRates(pairs AssetPairLookup, quotes QuoteProvider) *FxRates {
	return &FxRates{pairs: pairs, quotes: quotes}
}

// Rate returns how many units of `to` one unit of `from` is worth.
// A direct from/to pair converts at its bid, an inverse to/from pair at 1/ask.
// The lookup never leaves the legal entity.
func (f *FxRates) Rate(from, to, legalEntity string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	if inst, ok := f.pairs.FindByAssetPair(from, to, legalEntity); ok {
		q, err := f.quotes.GetQuote(inst.ID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fx %s/%s via %s: %w", from, to, inst.ID, err)
		}
		if !q.Bid.IsPositive() {
			return decimal.Zero, fmt.Errorf("fx %s/%s via %s: bid %s: %w", from, to, inst.ID, q.Bid, ErrDivisionByZero)
		}
		return q.Bid, nil
	}

	if inst, ok := f.pairs.FindByAssetPair(to, from, legalEntity); ok {
		q, err := f.quotes.GetQuote(inst.ID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fx %s/%s via inverse %s: %w", from, to, inst.ID, err)
		}
		if !q.Ask.IsPositive() {
			return decimal.Zero, fmt.Errorf("fx %s/%s via inverse %s: ask %s: %w", from, to, inst.ID, q.Ask, ErrDivisionByZero)
		}
		return decimal.NewFromInt(1).DivRound(q.Ask, rateScale), nil
	}

	return decimal.Zero, fmt.Errorf("fx %s/%s in %s: %w", from, to, legalEntity, ErrFxPairNotFound)
}
