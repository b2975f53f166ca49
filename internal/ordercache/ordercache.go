package ordercache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// OrderCache owns every live order: pending (WaitingForExecution), Active and Closing.
// Orders are stored by value. Readers always get a copy and writers Put a whole
// new version, so a reader never observes a half-applied transition.
// Status changes are made by the trading engine inside the matching critical section.
type OrderCache struct {
	mu           sync.RWMutex
	orders       map[string]*domain.Order
	byStatus     map[domain.OrderStatus]map[string]struct{}
	byAccount    map[string]map[string]struct{}
	byInstrument map[string]map[string]struct{}
}

// New creates an empty order cache.
func New() *OrderCache {
	return &OrderCache{
		orders:       make(map[string]*domain.Order),
		byStatus:     make(map[domain.OrderStatus]map[string]struct{}),
		byAccount:    make(map[string]map[string]struct{}),
		byInstrument: make(map[string]map[string]struct{}),
	}
}

// IsLive reports whether an order with this status belongs in the cache.
func IsLive(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusWaitingForExecution, domain.OrderStatusActive, domain.OrderStatusClosing:
		return true
	default:
		return false
	}
}

// Put stores a copy of order, moving it between status partitions as needed.
// Terminal orders are removed.
func (c *OrderCache) Put(order *domain.Order) error {
	if order.Status.IsTerminal() {
		c.Remove(order.ID)
		return nil
	}
	if !IsLive(order.Status) {
		return fmt.Errorf("order %s in status %s: %w", order.ID, order.Status, domain.ErrInvalidStatus)
	}

	stored := order.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.orders[stored.ID]; ok {
		c.unindex(prev)
	}
	c.orders[stored.ID] = stored
	add(c.byStatus, stored.Status, stored.ID)
	add(c.byAccount, stored.AccountID, stored.ID)
	add(c.byInstrument, stored.InstrumentID, stored.ID)
	return nil
}

// Get returns a copy of a live order.
func (c *OrderCache) Get(id string) (*domain.Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	order, ok := c.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return order.Clone(), nil
}

// Remove drops a live order and returns its last version.
func (c *OrderCache) Remove(id string) (*domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[id]
	if !ok {
		return nil, false
	}
	c.unindex(order)
	delete(c.orders, id)
	return order, true
}

// Len returns the number of live orders.
func (c *OrderCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

// ByStatus returns copies of every order in one of the given statuses.
func (c *OrderCache) ByStatus(statuses ...domain.OrderStatus) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*domain.Order
	for _, s := range statuses {
		out = c.collect(out, c.byStatus[s], nil)
	}
	return sortOrders(out)
}

// ByAccount returns copies of the account's orders, optionally filtered by status.
func (c *OrderCache) ByAccount(accountID string, statuses ...domain.OrderStatus) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortOrders(c.collect(nil, c.byAccount[accountID], statuses))
}

// ByInstrument returns copies of the instrument's orders, optionally filtered by status.
func (c *OrderCache) ByInstrument(instrumentID string, statuses ...domain.OrderStatus) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortOrders(c.collect(nil, c.byInstrument[instrumentID], statuses))
}

// Positions returns the account's open positions: Active and Closing orders.
func (c *OrderCache) Positions(accountID string) []*domain.Order {
	return c.ByAccount(accountID, domain.OrderStatusActive, domain.OrderStatusClosing)
}

// AccountsWithPositions returns the ids of accounts holding an open position on the instrument.
func (c *OrderCache) AccountsWithPositions(instrumentID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range c.byInstrument[instrumentID] {
		order := c.orders[id]
		if order.Status == domain.OrderStatusActive || order.Status == domain.OrderStatusClosing {
			seen[order.AccountID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *OrderCache) collect(out []*domain.Order, ids map[string]struct{}, statuses []domain.OrderStatus) []*domain.Order {
	for id := range ids {
		order := c.orders[id]
		if len(statuses) > 0 && !hasStatus(statuses, order.Status) {
			continue
		}
		out = append(out, order.Clone())
	}
	return out
}

func (c *OrderCache) unindex(order *domain.Order) {
	remove(c.byStatus, order.Status, order.ID)
	remove(c.byAccount, order.AccountID, order.ID)
	remove(c.byInstrument, order.InstrumentID, order.ID)
}

func add[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func remove[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func hasStatus(statuses []domain.OrderStatus, s domain.OrderStatus) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

// sortOrders gives callers a deterministic order: oldest first, id as tie-break.
func sortOrders(orders []*domain.Order) []*domain.Order {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreateDate.Equal(orders[j].CreateDate) {
			return orders[i].CreateDate.Before(orders[j].CreateDate)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders
}
