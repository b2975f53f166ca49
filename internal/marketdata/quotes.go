package marketdata

import (
	"fmt"
	"sync"

	"github.com/nathanyu/margin-trading/internal/domain"
)

const ringBufferCapacity = 100

// RingBuffer is a fixed-size circular buffer of quotes.
type RingBuffer struct {
	data  [ringBufferCapacity]domain.Quote
	head  int // next write position
	count int
}

// Push adds a quote to the ring buffer.
func (rb *RingBuffer) Push(q domain.Quote) {
	rb.data[rb.head] = q
	rb.head = (rb.head + 1) % ringBufferCapacity
	if rb.count < ringBufferCapacity {
		rb.count++
	}
}

// GetRecent returns the N most recent quotes in chronological order.
func (rb *RingBuffer) GetRecent(n int) []domain.Quote {
	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]domain.Quote, n)
	start := (rb.head - n + ringBufferCapacity) % ringBufferCapacity
	for i := range n {
		result[i] = rb.data[(start+i)%ringBufferCapacity]
	}
	return result
}

// QuoteCache holds the latest best bid/ask per instrument and a short history.
// It is read by the margin calculator and the trading engine and written by the
// sequencer from book change events.
type QuoteCache struct {
	mu      sync.RWMutex
	quotes  map[string]domain.Quote
	history map[string]*RingBuffer
}

// NewQuoteCache creates an empty quote cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		quotes:  make(map[string]domain.Quote),
		history: make(map[string]*RingBuffer),
	}
}

// GetQuote returns the current quote. An instrument with an empty book side has no quote.
func (c *QuoteCache) GetQuote(instrumentID string) (domain.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[instrumentID]
	if !ok {
		return domain.Quote{}, fmt.Errorf("instrument %s: %w", instrumentID, domain.ErrQuoteNotFound)
	}
	return q, nil
}

// Set stores a quote and appends it to the history.
func (c *QuoteCache) Set(q domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(q)
}

func (c *QuoteCache) set(q domain.Quote) {
	c.quotes[q.InstrumentID] = q

	rb, exists := c.history[q.InstrumentID]
	if !exists {
		rb = &RingBuffer{}
		c.history[q.InstrumentID] = rb
	}
	rb.Push(q)
}

// Apply updates the quote from a book change. It reports whether the best prices moved.
func (c *QuoteCache) Apply(change domain.OrderBookLevelChanged) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.quotes[change.InstrumentID]
	if change.BestBid == nil || change.BestAsk == nil {
		delete(c.quotes, change.InstrumentID)
		return had
	}

	if had && prev.Bid.Equal(*change.BestBid) && prev.Ask.Equal(*change.BestAsk) {
		return false
	}
	c.set(domain.Quote{
		InstrumentID: change.InstrumentID,
		Bid:          *change.BestBid,
		Ask:          *change.BestAsk,
		Timestamp:    change.Timestamp,
	})
	return true
}

// History returns up to n recent quotes of an instrument.
func (c *QuoteCache) History(instrumentID string, n int) []domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rb, exists := c.history[instrumentID]
	if !exists {
		return nil
	}
	return rb.GetRecent(n)
}
