package orderbook

import (
	"container/list"
	"errors"
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/margin-trading/internal/domain"
)

const btreeDegree = 16

// ErrStalePlan is returned by Commit when the book no longer holds the volume a plan consumed.
var ErrStalePlan = errors.New("match plan no longer fits the order book")

// orderEntry maps a resting order to its linked list element for O(1) removal.
type orderEntry struct {
	order     domain.LimitOrder
	remaining decimal.Decimal // unsigned
	element   *list.Element
	level     *bookLevel
}

// bookLevel is a price level in one side of the book.
// It holds a doubly-linked list of orders at this price (FIFO).
type bookLevel struct {
	Price       decimal.Decimal
	TotalVolume decimal.Decimal
	Orders      *list.List // of *orderEntry
}

func levelLess(a, b *bookLevel) bool {
	return a.Price.LessThan(b.Price)
}

// Book represents one side (bids or asks) of an order book.
type Book struct {
	Side   domain.Direction
	levels *btree.BTreeG[*bookLevel]
}

// NewBook creates a new order book side.
func NewBook(side domain.Direction) *Book {
	return &Book{
		Side:   side,
		levels: btree.NewG[*bookLevel](btreeDegree, levelLess),
	}
}

// HasOrders returns whether this side has any resting orders.
func (b *Book) HasOrders() bool {
	return b.levels.Len() > 0
}

// BestPrice returns the best price on this side: highest bid or lowest ask.
func (b *Book) BestPrice() (decimal.Decimal, bool) {
	var (
		level *bookLevel
		ok    bool
	)
	if b.Side == domain.DirectionBuy {
		level, ok = b.levels.Max()
	} else {
		level, ok = b.levels.Min()
	}
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// walk visits levels best price first until fn returns false.
func (b *Book) walk(fn func(level *bookLevel) bool) {
	if b.Side == domain.DirectionBuy {
		b.levels.Descend(fn)
		return
	}
	b.levels.Ascend(fn)
}

func (b *Book) level(price decimal.Decimal) (*bookLevel, bool) {
	return b.levels.Get(&bookLevel{Price: price})
}

// addOrder appends an order to the tail of the price level's linked list.
func (b *Book) addOrder(entry *orderEntry) {
	level, exists := b.level(entry.order.Price)
	if !exists {
		level = &bookLevel{
			Price:       entry.order.Price,
			TotalVolume: decimal.Zero,
			Orders:      list.New(),
		}
		b.levels.ReplaceOrInsert(level)
	}

	level.TotalVolume = level.TotalVolume.Add(entry.remaining)
	entry.element = level.Orders.PushBack(entry)
	entry.level = level
}

// removeOrder removes an order from its price level, dropping the level when it empties.
func (b *Book) removeOrder(entry *orderEntry) {
	level := entry.level
	level.Orders.Remove(entry.element)
	level.TotalVolume = level.TotalVolume.Sub(entry.remaining)

	if level.Orders.Len() == 0 {
		b.levels.Delete(level)
	}
}

// OrderBook holds the full two-sided book of resting market-maker orders for one instrument.
type OrderBook struct {
	InstrumentID string
	Bids         *Book
	Asks         *Book
	orderMap     map[string]*orderEntry // orderID -> entry for O(1) lookup/cancel
}

// NewOrderBook creates a new order book for an instrument.
func NewOrderBook(instrumentID string) *OrderBook {
	return &OrderBook{
		InstrumentID: instrumentID,
		Bids:         NewBook(domain.DirectionBuy),
		Asks:         NewBook(domain.DirectionSell),
		orderMap:     make(map[string]*orderEntry),
	}
}

func (ob *OrderBook) side(dir domain.Direction) *Book {
	if dir == domain.DirectionBuy {
		return ob.Bids
	}
	return ob.Asks
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	return len(ob.orderMap)
}

// AddOrders inserts resting orders and returns the aggregated levels that changed.
// An order with an id already on the book replaces the previous one.
func (ob *OrderBook) AddOrders(orders []domain.LimitOrder) ([]domain.OrderBookLevel, error) {
	for i := range orders {
		if orders[i].Volume.IsZero() {
			return nil, fmt.Errorf("order %s: zero volume", orders[i].ID)
		}
		if !orders[i].Price.IsPositive() {
			return nil, fmt.Errorf("order %s: price must be positive", orders[i].ID)
		}
	}

	changes := newLevelSet(ob.InstrumentID)
	for _, order := range orders {
		if existing, ok := ob.orderMap[order.ID]; ok {
			changes.touch(existing.order.Direction(), existing.level.Price)
			ob.removeEntry(existing)
		}

		entry := &orderEntry{
			order:     order,
			remaining: order.Volume.Abs(),
		}
		ob.side(order.Direction()).addOrder(entry)
		ob.orderMap[order.ID] = entry
		changes.touch(order.Direction(), order.Price)
	}
	return changes.collect(ob), nil
}

// CancelOrder removes a resting order by id. Returns the changed level, or false if not found.
func (ob *OrderBook) CancelOrder(orderID string) ([]domain.OrderBookLevel, bool) {
	entry, exists := ob.orderMap[orderID]
	if !exists {
		return nil, false
	}
	changes := newLevelSet(ob.InstrumentID)
	changes.touch(entry.order.Direction(), entry.level.Price)
	ob.removeEntry(entry)
	return changes.collect(ob), true
}

func (ob *OrderBook) removeEntry(entry *orderEntry) {
	ob.side(entry.order.Direction()).removeOrder(entry)
	delete(ob.orderMap, entry.order.ID)
}

// DeleteByMarketMaker removes every resting order of a market maker.
func (ob *OrderBook) DeleteByMarketMaker(marketMakerID string) []domain.OrderBookLevel {
	changes := newLevelSet(ob.InstrumentID)
	for _, entry := range ob.orderMap {
		if entry.order.MarketMakerID != marketMakerID {
			continue
		}
		changes.touch(entry.order.Direction(), entry.level.Price)
		ob.removeEntry(entry)
	}
	return changes.collect(ob)
}

// DeleteAll removes every resting order.
func (ob *OrderBook) DeleteAll() []domain.OrderBookLevel {
	changes := newLevelSet(ob.InstrumentID)
	for _, entry := range ob.orderMap {
		changes.touch(entry.order.Direction(), entry.level.Price)
	}
	ob.Bids = NewBook(domain.DirectionBuy)
	ob.Asks = NewBook(domain.DirectionSell)
	ob.orderMap = make(map[string]*orderEntry)
	return changes.collect(ob)
}

// Plan computes the fills an order of the given direction would get for volumeToFill
// without touching the book. A buy consumes asks and a sell consumes bids, best price
// first and FIFO inside a level. The last fill may be partial.
func (ob *OrderBook) Plan(taker domain.Direction, volumeToFill decimal.Decimal) []domain.MatchedOrder {
	opposite := ob.side(taker.Opposite())
	remaining := volumeToFill
	fills := make([]domain.MatchedOrder, 0)

	if !remaining.IsPositive() {
		return fills
	}

	opposite.walk(func(level *bookLevel) bool {
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*orderEntry)
			matchQty := decimal.Min(remaining, entry.remaining)

			fills = append(fills, domain.MatchedOrder{
				OrderID:       entry.order.ID,
				MarketMakerID: entry.order.MarketMakerID,
				Price:         level.Price,
				Volume:        matchQty,
			})

			remaining = remaining.Sub(matchQty)
			if !remaining.IsPositive() {
				return false
			}
		}
		return true
	})

	return fills
}

// Commit applies fills produced by Plan. It validates the whole batch before mutating,
// so a stale plan leaves the book unchanged.
func (ob *OrderBook) Commit(fills []domain.MatchedOrder) ([]domain.OrderBookLevel, error) {
	consumed := make(map[string]decimal.Decimal, len(fills))
	for _, fill := range fills {
		entry, ok := ob.orderMap[fill.OrderID]
		if !ok {
			return nil, fmt.Errorf("%w: order %s is gone", ErrStalePlan, fill.OrderID)
		}
		total := consumed[fill.OrderID].Add(fill.Volume)
		if total.GreaterThan(entry.remaining) {
			return nil, fmt.Errorf("%w: order %s has %s left, plan needs %s",
				ErrStalePlan, fill.OrderID, entry.remaining, total)
		}
		if !fill.Price.Equal(entry.level.Price) {
			return nil, fmt.Errorf("%w: order %s moved to %s", ErrStalePlan, fill.OrderID, entry.level.Price)
		}
		consumed[fill.OrderID] = total
	}

	changes := newLevelSet(ob.InstrumentID)
	for _, fill := range fills {
		entry := ob.orderMap[fill.OrderID]
		changes.touch(entry.order.Direction(), entry.level.Price)

		if fill.Volume.Equal(entry.remaining) {
			ob.removeEntry(entry)
			continue
		}
		entry.remaining = entry.remaining.Sub(fill.Volume)
		entry.level.TotalVolume = entry.level.TotalVolume.Sub(fill.Volume)
	}
	return changes.collect(ob), nil
}

// Match plans and commits in one step.
func (ob *OrderBook) Match(taker domain.Direction, volumeToFill decimal.Decimal) ([]domain.MatchedOrder, []domain.OrderBookLevel, error) {
	fills := ob.Plan(taker, volumeToFill)
	if len(fills) == 0 {
		return fills, nil, nil
	}
	levels, err := ob.Commit(fills)
	if err != nil {
		return nil, nil, err
	}
	return fills, levels, nil
}

// AvailableVolume returns the total volume a taker of the given direction could consume.
func (ob *OrderBook) AvailableVolume(taker domain.Direction) decimal.Decimal {
	total := decimal.Zero
	ob.side(taker.Opposite()).walk(func(level *bookLevel) bool {
		total = total.Add(level.TotalVolume)
		return true
	})
	return total
}

// BestPrices returns the best bid and best ask, nil when a side is empty.
func (ob *OrderBook) BestPrices() (bid, ask *decimal.Decimal) {
	if p, ok := ob.Bids.BestPrice(); ok {
		bid = &p
	}
	if p, ok := ob.Asks.BestPrice(); ok {
		ask = &p
	}
	return bid, ask
}

// Levels returns an aggregated L2 view. depth <= 0 means all levels.
func (ob *OrderBook) Levels(depth int) *domain.L2OrderBook {
	return &domain.L2OrderBook{
		InstrumentID: ob.InstrumentID,
		Bids:         aggregateLevels(ob.InstrumentID, ob.Bids, depth),
		Asks:         aggregateLevels(ob.InstrumentID, ob.Asks, depth),
	}
}

// aggregateLevels collects price levels best first.
func aggregateLevels(instrumentID string, book *Book, depth int) []domain.OrderBookLevel {
	levels := make([]domain.OrderBookLevel, 0)
	book.walk(func(level *bookLevel) bool {
		levels = append(levels, domain.OrderBookLevel{
			InstrumentID: instrumentID,
			Direction:    book.Side,
			Price:        level.Price,
			Volume:       level.TotalVolume,
		})
		return depth <= 0 || len(levels) < depth
	})
	return levels
}

// Orders returns the resting orders in priority order with their remaining volume.
func (ob *OrderBook) Orders() []domain.LimitOrder {
	orders := make([]domain.LimitOrder, 0, len(ob.orderMap))
	for _, book := range []*Book{ob.Bids, ob.Asks} {
		book.walk(func(level *bookLevel) bool {
			for e := level.Orders.Front(); e != nil; e = e.Next() {
				entry := e.Value.(*orderEntry)
				order := entry.order
				if book.Side == domain.DirectionBuy {
					order.Volume = entry.remaining
				} else {
					order.Volume = entry.remaining.Neg()
				}
				orders = append(orders, order)
			}
			return true
		})
	}
	return orders
}

// Snapshot returns the resting orders in a form Restore accepts.
func (ob *OrderBook) Snapshot() []domain.LimitOrder {
	return ob.Orders()
}

// Restore replaces the book content with the given orders, keeping their order as priority.
func (ob *OrderBook) Restore(orders []domain.LimitOrder) error {
	ob.DeleteAll()
	_, err := ob.AddOrders(orders)
	return err
}

// levelSet tracks the price levels touched by one mutation batch.
type levelSet struct {
	instrumentID string
	touched      map[string]levelKey
}

type levelKey struct {
	dir   domain.Direction
	price decimal.Decimal
}

func newLevelSet(instrumentID string) *levelSet {
	return &levelSet{instrumentID: instrumentID, touched: make(map[string]levelKey)}
}

func (s *levelSet) touch(dir domain.Direction, price decimal.Decimal) {
	s.touched[string(dir)+":"+price.String()] = levelKey{dir: dir, price: price}
}

// collect reads the current volume of every touched level. Bids come first, best price first.
func (s *levelSet) collect(ob *OrderBook) []domain.OrderBookLevel {
	levels := make([]domain.OrderBookLevel, 0, len(s.touched))
	for _, key := range s.touched {
		volume := decimal.Zero
		if level, ok := ob.side(key.dir).level(key.price); ok {
			volume = level.TotalVolume
		}
		levels = append(levels, domain.OrderBookLevel{
			InstrumentID: s.instrumentID,
			Direction:    key.dir,
			Price:        key.price,
			Volume:       volume,
		})
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

// WeightedAveragePrice returns Σ(price×volume)/Σvolume rounded to accuracy.
func WeightedAveragePrice(fills []domain.MatchedOrder, accuracy int32) (decimal.Decimal, error) {
	notional := decimal.Zero
	volume := decimal.Zero
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Volume))
		volume = volume.Add(f.Volume)
	}
	if volume.IsZero() {
		return decimal.Zero, errors.New("weighted average of zero volume")
	}
	return notional.DivRound(volume, accuracy), nil
}
