package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/margin"
	"github.com/nathanyu/margin-trading/internal/matching"
	"github.com/nathanyu/margin-trading/internal/ordercache"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

const defaultArchiveSize = 10000

// AccountStore is the account lookup plus the copy-on-write update the engine
// uses to publish balances and risk snapshots.
type AccountStore interface {
	Get(id string) (*domain.Account, error)
	Update(id string, fn func(acc *domain.Account) error) (*domain.Account, error)
}

// Publisher receives the events produced by one operation, in order.
type Publisher interface {
	Publish(events ...domain.Event)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Matching    *matching.Engine
	Orders      *ordercache.OrderCache
	Accounts    AccountStore
	Instruments margin.InstrumentProvider
	Conditions  margin.TradingConditionProvider
	Calculator  *margin.Calculator
	Swaps       *margin.SwapLedger
	Publisher   Publisher
	Logger      *slog.Logger
	Now         func() time.Time
	ArchiveSize int
}

// Engine drives the order lifecycle. Every operation that reads the book and
// changes order status does so inside a single matching critical section, and
// the events it produced are published after the lock is released.
type Engine struct {
	matching    *matching.Engine
	orders      *ordercache.OrderCache
	accounts    AccountStore
	instruments margin.InstrumentProvider
	conditions  margin.TradingConditionProvider
	calc        *margin.Calculator
	swaps       *margin.SwapLedger
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time

	archiveMu   sync.RWMutex
	archive     map[string]*domain.Order // terminal orders, most recent archiveSize
	archiveIDs  []string
	archiveSize int
}

// NewEngine creates a trading engine.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	swaps := deps.Swaps
	if swaps == nil {
		swaps = margin.NewSwapLedger()
	}
	size := deps.ArchiveSize
	if size <= 0 {
		size = defaultArchiveSize
	}
	return &Engine{
		matching:    deps.Matching,
		orders:      deps.Orders,
		accounts:    deps.Accounts,
		instruments: deps.Instruments,
		conditions:  deps.Conditions,
		calc:        deps.Calculator,
		swaps:       swaps,
		publisher:   deps.Publisher,
		logger:      logger.With("component", "trading"),
		now:         now,
		archive:     make(map[string]*domain.Order),
		archiveSize: size,
	}
}

// op is the state of one logical operation inside the critical section.
type op struct {
	tx      *matching.Tx
	events  []domain.Event
	closing map[string]struct{} // orders moved to Closing by this operation
	touched map[string]struct{} // accounts whose balance or positions changed
}

func (o *op) emit(events ...domain.Event) {
	o.events = append(o.events, events...)
}

func (o *op) markClosing(orderID string) {
	o.closing[orderID] = struct{}{}
}

func (o *op) touch(accountID string) {
	o.touched[accountID] = struct{}{}
}

// run executes fn inside the matching critical section and publishes the
// book changes followed by the collected events once the lock is released.
func (e *Engine) run(fn func(o *op) error) error {
	var collected []domain.Event
	_, err := e.matching.DoThen(func(tx *matching.Tx) error {
		o := &op{
			tx:      tx,
			closing: make(map[string]struct{}),
			touched: make(map[string]struct{}),
		}
		err := fn(o)
		collected = o.events
		return err
	}, func(changes []domain.OrderBookLevelChanged, _ error) {
		e.publish(changes, collected)
	})
	return err
}

func (e *Engine) publish(changes []domain.OrderBookLevelChanged, events []domain.Event) {
	if e.publisher == nil || len(changes)+len(events) == 0 {
		return
	}
	out := make([]domain.Event, 0, len(changes)+len(events))
	for _, c := range changes {
		out = append(out, c)
	}
	out = append(out, events...)
	for _, ev := range out {
		telemetry.EventsPublishedTotal.WithLabelValues(string(ev.GetType())).Inc()
	}
	e.publisher.Publish(out...)
}

// SetMarketMakerQuotes replaces the resting orders of a market maker. The book
// change it produces is what triggers the active-order scan downstream.
func (e *Engine) SetMarketMakerQuotes(ctx context.Context, batch domain.MarketMakerQuotes) error {
	_, span := telemetry.Tracer.Start(ctx, "trading.SetMarketMakerQuotes")
	defer span.End()

	if batch.InstrumentID == "" || batch.MarketMakerID == "" {
		return fmt.Errorf("market maker quotes: instrument and market maker id are required")
	}
	if _, err := e.instruments.GetInstrument(batch.InstrumentID); err != nil {
		return err
	}
	if batch.Timestamp.IsZero() {
		batch.Timestamp = e.now().UTC()
	}

	return e.run(func(o *op) error {
		return o.tx.SetMarketMakerQuotes(batch)
	})
}

// GetOrder returns a live order, or the last version of a recently finished one.
func (e *Engine) GetOrder(id string) (*domain.Order, error) {
	order, err := e.orders.Get(id)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}

	e.archiveMu.RLock()
	defer e.archiveMu.RUnlock()
	if archived, ok := e.archive[id]; ok {
		return archived.Clone(), nil
	}
	return nil, err
}

// GetAccount returns the account with its latest risk snapshot.
func (e *Engine) GetAccount(id string) (*domain.Account, error) {
	return e.accounts.Get(id)
}

// AccountOrders returns the live orders of an account.
func (e *Engine) AccountOrders(accountID string) ([]*domain.Order, error) {
	if _, err := e.accounts.Get(accountID); err != nil {
		return nil, err
	}
	return e.orders.ByAccount(accountID), nil
}

// finish records a terminal order and drops it from the live cache.
func (e *Engine) finish(order *domain.Order) {
	if err := e.orders.Put(order); err != nil {
		e.logger.Error("failed to store terminal order", "order_id", order.ID, "error", err)
	}

	e.archiveMu.Lock()
	defer e.archiveMu.Unlock()
	if _, ok := e.archive[order.ID]; !ok {
		e.archiveIDs = append(e.archiveIDs, order.ID)
	}
	e.archive[order.ID] = order.Clone()
	for len(e.archiveIDs) > e.archiveSize {
		delete(e.archive, e.archiveIDs[0])
		e.archiveIDs = e.archiveIDs[1:]
	}
}

func (e *Engine) store(order *domain.Order) {
	if err := e.orders.Put(order); err != nil {
		e.logger.Error("failed to store order", "order_id", order.ID, "status", order.Status, "error", err)
	}
}

func countOrder(order *domain.Order) {
	reason := string(order.CloseReason)
	if order.Status == domain.OrderStatusRejected {
		reason = string(order.RejectReason)
	}
	telemetry.OrdersTotal.WithLabelValues(string(order.Status), reason, order.InstrumentID).Inc()
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}
