package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// AccountCache holds accounts behind a reader-writer lock. Entries are replaced,
// never mutated in place, so a pointer handed to a reader stays consistent.
type AccountCache struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
}

// NewAccountCache creates an empty account cache.
func NewAccountCache() *AccountCache {
	return &AccountCache{accounts: make(map[string]*domain.Account)}
}

// Get returns a copy of the account.
func (c *AccountCache) Get(id string) (*domain.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	acc, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	return acc.Clone(), nil
}

// GetAccount implements the account provider used by the trading engine.
func (c *AccountCache) GetAccount(id string) (*domain.Account, error) {
	return c.Get(id)
}

// All returns copies of every account sorted by id.
func (c *AccountCache) All() []*domain.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.Account, 0, len(c.accounts))
	for _, acc := range c.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Refresh swaps the whole backing map. Derived risk figures of known accounts are kept.
func (c *AccountCache) Refresh(accounts []domain.Account) {
	next := make(map[string]*domain.Account, len(accounts))
	for i := range accounts {
		acc := accounts[i]
		next[acc.ID] = &acc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, acc := range next {
		if prev, ok := c.accounts[id]; ok {
			acc.Risk = prev.Risk
		}
	}
	c.accounts = next
}

// Update applies fn to a copy of the account and swaps the copy in.
func (c *AccountCache) Update(id string, fn func(acc *domain.Account) error) (*domain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	next := acc.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	c.accounts[id] = next
	return next.Clone(), nil
}

// Put inserts or replaces an account.
func (c *AccountCache) Put(acc domain.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[acc.ID] = &acc
}

// InstrumentCache holds instruments and their per trading condition parameters.
type InstrumentCache struct {
	mu                 sync.RWMutex
	instruments        map[string]domain.Instrument
	tradingInstruments map[tradingInstrumentKey]domain.TradingInstrument
}

type tradingInstrumentKey struct {
	conditionID  string
	instrumentID string
}

// NewInstrumentCache creates an empty instrument cache.
func NewInstrumentCache() *InstrumentCache {
	return &InstrumentCache{
		instruments:        make(map[string]domain.Instrument),
		tradingInstruments: make(map[tradingInstrumentKey]domain.TradingInstrument),
	}
}

// GetInstrument returns an instrument by id.
func (c *InstrumentCache) GetInstrument(id string) (domain.Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instruments[id]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("instrument %s: %w", id, domain.ErrInstrumentNotFound)
	}
	return inst, nil
}

// GetTradingInstrument returns the parameters of an instrument under a trading condition.
func (c *InstrumentCache) GetTradingInstrument(conditionID, instrumentID string) (domain.TradingInstrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ti, ok := c.tradingInstruments[tradingInstrumentKey{conditionID, instrumentID}]
	if !ok {
		return domain.TradingInstrument{}, fmt.Errorf("instrument %s under condition %s: %w",
			instrumentID, conditionID, domain.ErrTradingInstrumentNotFound)
	}
	return ti, nil
}

// FindByAssetPair returns the instrument quoting base in quote within a legal entity.
func (c *InstrumentCache) FindByAssetPair(base, quote, legalEntity string) (domain.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, inst := range c.instruments {
		if inst.BaseAssetID == base && inst.QuoteAssetID == quote && inst.LegalEntity == legalEntity {
			return inst, true
		}
	}
	return domain.Instrument{}, false
}

// Instruments returns every instrument sorted by id.
func (c *InstrumentCache) Instruments() []domain.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Refresh validates and swaps both maps at once.
func (c *InstrumentCache) Refresh(instruments []domain.Instrument, tradingInstruments []domain.TradingInstrument) error {
	nextInst := make(map[string]domain.Instrument, len(instruments))
	for _, inst := range instruments {
		nextInst[inst.ID] = inst
	}

	nextTI := make(map[tradingInstrumentKey]domain.TradingInstrument, len(tradingInstruments))
	for _, ti := range tradingInstruments {
		if err := ti.Validate(); err != nil {
			return err
		}
		if _, ok := nextInst[ti.InstrumentID]; !ok {
			return fmt.Errorf("trading instrument references %s: %w", ti.InstrumentID, domain.ErrInstrumentNotFound)
		}
		nextTI[tradingInstrumentKey{ti.TradingConditionID, ti.InstrumentID}] = ti
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments = nextInst
	c.tradingInstruments = nextTI
	return nil
}

// TradingConditionCache holds trading conditions.
type TradingConditionCache struct {
	mu         sync.RWMutex
	conditions map[string]domain.TradingCondition
}

// NewTradingConditionCache creates an empty trading condition cache.
func NewTradingConditionCache() *TradingConditionCache {
	return &TradingConditionCache{conditions: make(map[string]domain.TradingCondition)}
}

// GetTradingCondition returns a trading condition by id.
func (c *TradingConditionCache) GetTradingCondition(id string) (domain.TradingCondition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tc, ok := c.conditions[id]
	if !ok {
		return domain.TradingCondition{}, fmt.Errorf("trading condition %s: %w", id, domain.ErrTradingConditionNotFound)
	}
	return tc, nil
}

// Refresh validates and swaps the backing map.
func (c *TradingConditionCache) Refresh(conditions []domain.TradingCondition) error {
	next := make(map[string]domain.TradingCondition, len(conditions))
	for _, tc := range conditions {
		if err := tc.Validate(); err != nil {
			return err
		}
		next[tc.ID] = tc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conditions = next
	return nil
}
