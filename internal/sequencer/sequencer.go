package sequencer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/marketdata"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// Scanner runs the active-order scan of an instrument.
type Scanner interface {
	OnQuoteChanged(ctx context.Context, instrumentID string) error
}

// Sequencer is the ordered consumer of book change events. It checks that
// sequence ids strictly increase, keeps the quote cache current and drives
// the per-instrument scan, one event at a time.
type Sequencer struct {
	mu      sync.Mutex
	last    uint64
	quotes  *marketdata.QuoteCache
	scanner Scanner
	logger  *slog.Logger
}

// NewSequencer creates a sequencer feeding quotes and scanner.
func NewSequencer(quotes *marketdata.QuoteCache, scanner Scanner, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		quotes:  quotes,
		scanner: scanner,
		logger:  logger.With("component", "sequencer"),
	}
}

// Resume sets the last seen sequence id, e.g. after restoring a snapshot.
func (s *Sequencer) Resume(sequenceID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = sequenceID
	telemetry.BookSequenceID.Set(float64(sequenceID))
}

// LastSequence returns the last processed sequence id.
func (s *Sequencer) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Handle is an events.Handler for OrderBookLevelChanged.
func (s *Sequencer) Handle(ctx context.Context, event domain.Event) {
	switch e := event.(type) {
	case domain.OrderBookLevelChanged:
		s.Process(ctx, e)
	case *domain.OrderBookLevelChanged:
		s.Process(ctx, *e)
	}
}

// Process applies one book change. Duplicates and stale ids are skipped; a gap
// is logged and the change is still applied, since the book itself is already ahead.
func (s *Sequencer) Process(ctx context.Context, change domain.OrderBookLevelChanged) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.SequenceID <= s.last {
		telemetry.SequenceGapsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Warn("duplicate book change skipped",
			"sequence_id", change.SequenceID,
			"last", s.last,
			"instrument_id", change.InstrumentID,
		)
		return false
	}
	if s.last != 0 && change.SequenceID != s.last+1 {
		telemetry.SequenceGapsTotal.WithLabelValues("gap").Inc()
		s.logger.Warn("sequence gap in book changes",
			"expected", s.last+1,
			"got", change.SequenceID,
			"instrument_id", change.InstrumentID,
		)
	}
	s.last = change.SequenceID
	telemetry.BookSequenceID.Set(float64(change.SequenceID))

	if s.quotes.Apply(change) {
		s.logger.Debug("quote updated", "instrument_id", change.InstrumentID, "sequence_id", change.SequenceID)
	}

	if err := s.scanner.OnQuoteChanged(ctx, change.InstrumentID); err != nil {
		s.logger.Error("active order scan failed",
			"instrument_id", change.InstrumentID,
			"sequence_id", change.SequenceID,
			"error", err,
		)
	}
	return true
}
