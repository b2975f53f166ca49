package sequencer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/events"
	"github.com/nathanyu/margin-trading/internal/marketdata"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

type scans struct {
	mu          sync.Mutex
	instruments []string
}

func (s *scans) OnQuoteChanged(_ context.Context, instrumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = append(s.instruments, instrumentID)
	return nil
}

func (s *scans) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instruments)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func change(seq uint64, bid, ask string) domain.OrderBookLevelChanged {
	c := domain.OrderBookLevelChanged{SequenceID: seq, InstrumentID: "EURUSD", Timestamp: time.Now()}
	if bid != "" {
		d := decimal.RequireFromString(bid)
		c.BestBid = &d
	}
	if ask != "" {
		d := decimal.RequireFromString(ask)
		c.BestAsk = &d
	}
	return c
}

func TestSequencer_AppliesInOrder(t *testing.T) {
	quotes := marketdata.NewQuoteCache()
	scanner := &scans{}
	seq := NewSequencer(quotes, scanner, testLogger())

	assert.True(t, seq.Process(context.Background(), change(1, "1.2040", "1.2050")))
	assert.True(t, seq.Process(context.Background(), change(2, "1.2041", "1.2050")))

	q, err := quotes.GetQuote("EURUSD")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(decimal.RequireFromString("1.2041")))
	assert.Equal(t, uint64(2), seq.LastSequence())
	assert.Equal(t, 2, scanner.count())
}

func TestSequencer_SkipsDuplicatesAndCountsGaps(t *testing.T) {
	seq := NewSequencer(marketdata.NewQuoteCache(), &scans{}, testLogger())
	duplicates := testutil.ToFloat64(telemetry.SequenceGapsTotal.WithLabelValues("duplicate"))
	gaps := testutil.ToFloat64(telemetry.SequenceGapsTotal.WithLabelValues("gap"))

	seq.Process(context.Background(), change(1, "1", "2"))
	assert.False(t, seq.Process(context.Background(), change(1, "1", "2")))
	assert.True(t, seq.Process(context.Background(), change(5, "1", "2")))

	assert.Equal(t, duplicates+1, testutil.ToFloat64(telemetry.SequenceGapsTotal.WithLabelValues("duplicate")))
	assert.Equal(t, gaps+1, testutil.ToFloat64(telemetry.SequenceGapsTotal.WithLabelValues("gap")))
	assert.Equal(t, uint64(5), seq.LastSequence())
	assert.Equal(t, float64(5), testutil.ToFloat64(telemetry.BookSequenceID))
}

func TestSequencer_ResumeAfterRestore(t *testing.T) {
	scanner := &scans{}
	seq := NewSequencer(marketdata.NewQuoteCache(), scanner, testLogger())
	seq.Resume(40)

	assert.False(t, seq.Process(context.Background(), change(40, "1", "2")))
	assert.True(t, seq.Process(context.Background(), change(41, "1", "2")))
	assert.Equal(t, 1, scanner.count())
}

func TestSequencer_OneSidedBookDropsQuote(t *testing.T) {
	quotes := marketdata.NewQuoteCache()
	seq := NewSequencer(quotes, &scans{}, testLogger())

	seq.Process(context.Background(), change(1, "1.2040", "1.2050"))
	seq.Process(context.Background(), change(2, "", "1.2050"))

	_, err := quotes.GetQuote("EURUSD")
	assert.ErrorIs(t, err, domain.ErrQuoteNotFound)
}

func TestSequencer_ConsumesFromBus(t *testing.T) {
	bus := events.NewBus(testLogger())
	scanner := &scans{}
	seq := NewSequencer(marketdata.NewQuoteCache(), scanner, testLogger())
	bus.Subscribe("sequencer", seq.Handle, domain.EventTypeOrderBookLevelChanged)

	for i := uint64(1); i <= 50; i++ {
		bus.Publish(change(i, "1.2040", "1.2050"), domain.OrderPlaced{})
	}

	assert.Eventually(t, func() bool { return seq.LastSequence() == 50 }, time.Second, 5*time.Millisecond)
	bus.Close()
	assert.Equal(t, 50, scanner.count())
}
