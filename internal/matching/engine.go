package matching

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/orderbook"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

var (
	// ErrNoLiquidity is returned when the book cannot fill the requested volume.
	ErrNoLiquidity = errors.New("no liquidity")

	// ErrTxClosed is returned when a Tx or MatchResult is used after Do returned.
	ErrTxClosed = errors.New("matching transaction already closed")

	// ErrAlreadyCommitted is returned when a MatchResult is committed twice.
	ErrAlreadyCommitted = errors.New("match result already committed")
)

// Engine is the matching engine. It owns the per-instrument order books and
// serializes every read and write of them behind one lock.
type Engine struct {
	mu       sync.Mutex
	emitMu   sync.Mutex // orders the after callbacks of DoThen
	books    map[string]*orderbook.OrderBook // instrument -> order book
	sequence uint64
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a new matching engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		books:  make(map[string]*orderbook.OrderBook),
		logger: logger.With("component", "matching"),
		now:    time.Now,
	}
}

// Do runs fn inside the matching critical section. Every book mutation committed
// by fn is returned as a change stamped with the next sequence id. Changes are
// returned even when fn fails, because committed mutations are never rolled back.
// A panic inside fn is recovered and reported as a TechnicalError.
func (e *Engine) Do(fn func(tx *Tx) error) ([]domain.OrderBookLevelChanged, error) {
	return e.DoThen(fn, nil)
}

// DoThen is Do followed by after, which runs once the matching lock is released.
// Calls to after are serialized in the order their critical sections ended, so
// side effects observe sequence ids in increasing order. after must not block.
func (e *Engine) DoThen(fn func(tx *Tx) error, after func(changes []domain.OrderBookLevelChanged, err error)) (changes []domain.OrderBookLevelChanged, err error) {
	e.mu.Lock()
	start := time.Now()
	tx := &Tx{engine: e}

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic inside matching critical section",
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = domain.NewRejectError(domain.RejectReasonTechnicalError, "internal fault: %v", r)
			}
		}()
		err = fn(tx)
	}()

	tx.closed = true
	changes = tx.changes

	e.emitMu.Lock()
	e.mu.Unlock()
	telemetry.CriticalSectionDuration.Observe(time.Since(start).Seconds())

	defer e.emitMu.Unlock()
	if after != nil {
		after(changes, err)
	}
	return changes, err
}

// Levels returns the aggregated depth of an instrument's book.
func (e *Engine) Levels(instrumentID string, depth int) *domain.L2OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()

	book := e.books[instrumentID]
	if book == nil {
		return &domain.L2OrderBook{
			InstrumentID: instrumentID,
			Bids:         []domain.OrderBookLevel{},
			Asks:         []domain.OrderBookLevel{},
		}
	}
	return book.Levels(depth)
}

// Sequence returns the last sequence id handed out.
func (e *Engine) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Snapshot copies every book under the lock.
func (e *Engine) Snapshot() *domain.OrderBookSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &domain.OrderBookSnapshot{
		SequenceID: e.sequence,
		TakenAt:    e.now().UTC(),
		Books:      make(map[string][]domain.LimitOrder, len(e.books)),
	}
	for id, book := range e.books {
		if book.Len() == 0 {
			continue
		}
		snap.Books[id] = book.Snapshot()
	}
	return snap
}

// Quotes returns the best bid and ask of every book that has both sides, ordered by instrument.
func (e *Engine) Quotes() []domain.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	out := make([]domain.Quote, 0, len(e.books))
	for id, book := range e.books {
		bid, ask := book.BestPrices()
		if bid == nil || ask == nil {
			continue
		}
		out = append(out, domain.Quote{InstrumentID: id, Bid: *bid, Ask: *ask, Timestamp: now})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// Restore replaces every book with the snapshot content and resumes the sequence from it.
func (e *Engine) Restore(snap *domain.OrderBookSnapshot) error {
	books := make(map[string]*orderbook.OrderBook, len(snap.Books))
	for id, orders := range snap.Books {
		book := orderbook.NewOrderBook(id)
		if err := book.Restore(orders); err != nil {
			return fmt.Errorf("restore book %s: %w", id, err)
		}
		books[id] = book
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.books = books
	if snap.SequenceID > e.sequence {
		e.sequence = snap.SequenceID
	}
	return nil
}

// Tx is the handle fn receives inside Do. It is only valid until Do returns.
type Tx struct {
	engine  *Engine
	changes []domain.OrderBookLevelChanged
	closed  bool
}

// getOrCreateBook returns the order book for an instrument, creating it if needed.
func (tx *Tx) getOrCreateBook(instrumentID string) *orderbook.OrderBook {
	book, exists := tx.engine.books[instrumentID]
	if !exists {
		book = orderbook.NewOrderBook(instrumentID)
		tx.engine.books[instrumentID] = book
	}
	return book
}

// record stamps a mutation batch with the next sequence id.
func (tx *Tx) record(book *orderbook.OrderBook, levels []domain.OrderBookLevel) {
	if len(levels) == 0 {
		return
	}
	tx.engine.sequence++
	bid, ask := book.BestPrices()
	tx.changes = append(tx.changes, domain.OrderBookLevelChanged{
		SequenceID:   tx.engine.sequence,
		InstrumentID: book.InstrumentID,
		Levels:       levels,
		BestBid:      bid,
		BestAsk:      ask,
		Timestamp:    tx.engine.now().UTC(),
	})

	depth := book.Levels(0)
	telemetry.OrderBookDepth.WithLabelValues(book.InstrumentID, "bid").Set(float64(len(depth.Bids)))
	telemetry.OrderBookDepth.WithLabelValues(book.InstrumentID, "ask").Set(float64(len(depth.Asks)))
}

// BestPrices returns the best bid and ask of an instrument, nil when a side is empty.
func (tx *Tx) BestPrices(instrumentID string) (bid, ask *decimal.Decimal) {
	book := tx.engine.books[instrumentID]
	if book == nil {
		return nil, nil
	}
	return book.BestPrices()
}

// MatchForOpen plans the fills that would open order as a new position.
// A buy consumes asks and a sell consumes bids.
func (tx *Tx) MatchForOpen(order *domain.Order) (*MatchResult, error) {
	return tx.plan(order.InstrumentID, order.Direction(), order.AbsVolume(), order.FillType, "open")
}

// MatchForClose plans the fills for the remaining closing leg of a position.
// Closing a buy sells into the bids.
func (tx *Tx) MatchForClose(order *domain.Order) (*MatchResult, error) {
	return tx.plan(order.InstrumentID, order.Direction().Opposite(), order.RemainingCloseVolume(), domain.FillTypePartialFill, "close")
}

func (tx *Tx) plan(instrumentID string, taker domain.Direction, volume decimal.Decimal, fill domain.FillType, leg string) (*MatchResult, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}

	book := tx.getOrCreateBook(instrumentID)
	fills := book.Plan(taker, volume)
	matched := domain.MatchedVolume(fills)

	if len(fills) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no resting %s orders", ErrNoLiquidity, taker, instrumentID, taker.Opposite())
	}
	if fill == domain.FillTypeFillOrKill && matched.LessThan(volume) {
		return nil, fmt.Errorf("%w: %s %s needs %s, book offers %s", ErrNoLiquidity, taker, instrumentID, volume, matched)
	}

	now := tx.engine.now().UTC()
	for i := range fills {
		fills[i].MatchedAt = now
	}

	return &MatchResult{
		MatchingEngineID: uuid.NewString(),
		InstrumentID:     instrumentID,
		Direction:        taker,
		Fills:            fills,
		Volume:           matched,
		leg:              leg,
		tx:               tx,
		book:             book,
	}, nil
}

// SetMarketMakerQuotes replaces the resting orders of one market maker, or of every
// market maker when batch.DeleteAll is set, as a single mutation batch.
func (tx *Tx) SetMarketMakerQuotes(batch domain.MarketMakerQuotes) error {
	if tx.closed {
		return ErrTxClosed
	}

	orders := make([]domain.LimitOrder, len(batch.Orders))
	for i, o := range batch.Orders {
		if o.Volume.IsZero() || !o.Price.IsPositive() {
			return fmt.Errorf("market maker %s order %s: invalid volume %s or price %s",
				batch.MarketMakerID, o.ID, o.Volume, o.Price)
		}
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		o.MarketMakerID = batch.MarketMakerID
		o.InstrumentID = batch.InstrumentID
		if o.CreateDate.IsZero() {
			o.CreateDate = batch.Timestamp
		}
		orders[i] = o
	}

	book := tx.getOrCreateBook(batch.InstrumentID)

	var removed []domain.OrderBookLevel
	if batch.DeleteAll {
		removed = book.DeleteAll()
	} else {
		removed = book.DeleteByMarketMaker(batch.MarketMakerID)
	}

	added, err := book.AddOrders(orders)
	if err != nil {
		// Validated above, so this only fires on a programming error.
		return fmt.Errorf("add market maker orders: %w", err)
	}

	tx.record(book, mergeLevels(removed, added))
	return nil
}

// mergeLevels keeps the latest state of each price level touched by a batch.
func mergeLevels(batches ...[]domain.OrderBookLevel) []domain.OrderBookLevel {
	latest := make(map[string]domain.OrderBookLevel)
	for _, batch := range batches {
		for _, l := range batch {
			latest[string(l.Direction)+":"+l.Price.String()] = l
		}
	}

	levels := make([]domain.OrderBookLevel, 0, len(latest))
	for _, l := range latest {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Direction != levels[j].Direction {
			return levels[i].Direction == domain.DirectionBuy
		}
		if levels[i].Direction == domain.DirectionBuy {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// MatchResult is a planned match. The book is untouched until Commit.
type MatchResult struct {
	MatchingEngineID string
	InstrumentID     string
	Direction        domain.Direction // taker side
	Fills            []domain.MatchedOrder
	Volume           decimal.Decimal

	leg       string
	tx        *Tx
	book      *orderbook.OrderBook
	committed bool
}

// Commit removes or reduces the consumed resting orders.
func (r *MatchResult) Commit() error {
	if r.committed {
		return ErrAlreadyCommitted
	}
	if r.tx.closed {
		return ErrTxClosed
	}

	levels, err := r.book.Commit(r.Fills)
	if err != nil {
		return err
	}
	r.committed = true
	r.tx.record(r.book, levels)

	telemetry.MatchesTotal.WithLabelValues(r.InstrumentID, r.leg).Add(float64(len(r.Fills)))
	return nil
}

// Price returns the volume weighted execution price rounded to accuracy.
func (r *MatchResult) Price(accuracy int32) (decimal.Decimal, error) {
	return orderbook.WeightedAveragePrice(r.Fills, accuracy)
}
