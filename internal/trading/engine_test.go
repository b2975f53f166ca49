package trading

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/margin-trading/internal/cache"
	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/margin"
	"github.com/nathanyu/margin-trading/internal/marketdata"
	"github.com/nathanyu/margin-trading/internal/matching"
	"github.com/nathanyu/margin-trading/internal/ordercache"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(events ...domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.GetType() == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	engine   *Engine
	matching *matching.Engine
	orders   *ordercache.OrderCache
	accounts *cache.AccountCache
	events   *recorder
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	instruments := cache.NewInstrumentCache()
	tradingInstrument := func(id string) domain.TradingInstrument {
		return domain.TradingInstrument{
			TradingConditionID:  "tc1",
			InstrumentID:        id,
			LeverageInit:        dec("10"),
			LeverageMaintenance: dec("10"),
			DealMinLimit:        dec("0.1"),
			DealMaxLimit:        dec("1000"),
			PositionLimit:       dec("500"),
			SwapLongPct:         dec("3.65"),
			SwapShortPct:        dec("-1"),
		}
	}
	require.NoError(t, instruments.Refresh(
		[]domain.Instrument{
			{ID: "EURUSD", BaseAssetID: "EUR", QuoteAssetID: "USD", Accuracy: 5, LegalEntity: "LE1"},
			{ID: "BTCUSD", BaseAssetID: "BTC", QuoteAssetID: "USD", Accuracy: 2, LegalEntity: "LE1", ShortPositionsDisabled: true},
			{ID: "XAUUSD", BaseAssetID: "XAU", QuoteAssetID: "USD", Accuracy: 2, LegalEntity: "LE1", TradingDisabled: true},
		},
		[]domain.TradingInstrument{tradingInstrument("EURUSD"), tradingInstrument("BTCUSD"), tradingInstrument("XAUUSD")},
	))

	conditions := cache.NewTradingConditionCache()
	require.NoError(t, conditions.Refresh([]domain.TradingCondition{{
		ID:                "tc1",
		LegalEntity:       "LE1",
		BaseAssetAccuracy: 2,
		MarginCallPercent: dec("70"),
		StopOutPercent:    dec("90"),
	}}))

	accounts := cache.NewAccountCache()
	accounts.Refresh([]domain.Account{
		{ID: "rich", TradingConditionID: "tc1", BaseAssetID: "USD", LegalEntity: "LE1", Balance: dec("1000")},
		{ID: "small", TradingConditionID: "tc1", BaseAssetID: "USD", LegalEntity: "LE1", Balance: dec("20")},
		{ID: "off", TradingConditionID: "tc1", BaseAssetID: "USD", LegalEntity: "LE1", Balance: dec("1000"), IsDisabled: true},
	})

	quotes := marketdata.NewQuoteCache()
	calc := margin.NewCalculator(margin.NewFxRates(instruments, quotes), instruments, conditions)

	clk := &clock{now: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
	me := matching.NewEngine(logger)
	orders := ordercache.New()
	rec := &recorder{}

	engine := NewEngine(Deps{
		Matching:    me,
		Orders:      orders,
		Accounts:    accounts,
		Instruments: instruments,
		Conditions:  conditions,
		Calculator:  calc,
		Publisher:   rec,
		Logger:      logger,
		Now:         clk.Now,
	})

	return &fixture{engine: engine, matching: me, orders: orders, accounts: accounts, events: rec, clock: clk}
}

// quote replaces the market maker's orders with one bid and one ask level and runs the scan.
func (f *fixture) quote(t *testing.T, instrument, bid, bidVolume, ask, askVolume string) {
	t.Helper()
	batch := domain.MarketMakerQuotes{MarketMakerID: "mm1", InstrumentID: instrument}
	if bidVolume != "0" {
		batch.Orders = append(batch.Orders, domain.LimitOrder{Price: dec(bid), Volume: dec(bidVolume)})
	}
	if askVolume != "0" {
		batch.Orders = append(batch.Orders, domain.LimitOrder{Price: dec(ask), Volume: dec(askVolume).Neg()})
	}
	require.NoError(t, f.engine.SetMarketMakerQuotes(context.Background(), batch))
	require.NoError(t, f.engine.OnQuoteChanged(context.Background(), instrument))
}

func (f *fixture) market(t *testing.T, account, volume string) *domain.Order {
	t.Helper()
	order, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:    account,
		InstrumentID: "EURUSD",
		Type:         domain.OrderTypeMarket,
		Volume:       dec(volume),
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusActive, order.Status)
	return order
}

func (f *fixture) account(t *testing.T, id string) *domain.Account {
	t.Helper()
	acc, err := f.engine.GetAccount(id)
	require.NoError(t, err)
	return acc
}

func rejectReason(t *testing.T, err error) domain.RejectReason {
	t.Helper()
	var re *domain.RejectError
	require.True(t, errors.As(err, &re), "expected a reject error, got %v", err)
	return re.Reason
}

func TestPlaceOrder_MarginAndPnLScenario(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "100", "1.2050", "100")

	order := f.market(t, "rich", "1")
	assert.True(t, order.OpenPrice.Equal(dec("1.2050")))
	assert.True(t, order.FplData.InitialMargin.Equal(dec("0.12")))
	assert.Equal(t, order.Version, order.FplData.CalculatedVersion)

	f.quote(t, "EURUSD", "1.2150", "100", "1.2160", "100")

	pos, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.True(t, pos.ClosePrice.Equal(dec("1.2150")))

	acc := f.account(t, "rich")
	assert.True(t, acc.Risk.PnL.Equal(dec("0.01")), "pnl %s", acc.Risk.PnL)
	assert.Equal(t, domain.AccountLevelNormal, acc.Risk.Level)

	closed, err := f.engine.CloseActiveOrder(context.Background(), order.ID, domain.CloseReasonClose)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, closed.Status)
	assert.True(t, closed.ClosePrice.Equal(dec("1.2150")))

	acc = f.account(t, "rich")
	assert.True(t, acc.Balance.Equal(dec("1000.01")), "balance %s", acc.Balance)
	assert.Equal(t, 0, acc.Risk.OpenPositionsCount)

	closedEvents := f.events.ofType(domain.EventTypeOrderClosed)
	require.Len(t, closedEvents, 1)
	assert.True(t, closedEvents[0].(domain.OrderClosed).RealizedPnL.Equal(dec("0.01")))
}

func TestPlaceOrder_FillOrKillLeavesBookUntouched(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "100", "1.2050", "7")
	before := f.matching.Levels("EURUSD", 0)

	order, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:    "rich",
		InstrumentID: "EURUSD",
		Type:         domain.OrderTypeMarket,
		FillType:     domain.FillTypeFillOrKill,
		Volume:       dec("10"),
	})
	require.Error(t, err)
	assert.Equal(t, domain.RejectReasonNoLiquidity, rejectReason(t, err))
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Equal(t, domain.RejectReasonNoLiquidity, order.RejectReason)

	after := f.matching.Levels("EURUSD", 0)
	require.Len(t, after.Asks, 1)
	assert.True(t, after.Asks[0].Volume.Equal(before.Asks[0].Volume))
	assert.Equal(t, 0, f.orders.Len())

	rejected := f.events.ofType(domain.EventTypeOrderRejected)
	require.Len(t, rejected, 1)
	ctx := rejected[0].(domain.OrderRejected).Context
	assert.Equal(t, "1.205", ctx["ask"])
	assert.Equal(t, "EURUSD", ctx["instrument"])
	assert.True(t, f.account(t, "rich").Balance.Equal(dec("1000")))
}

func TestPlaceOrder_PartialFillTakesAvailableVolume(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "100", "1.2050", "7")

	order, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:    "rich",
		InstrumentID: "EURUSD",
		FillType:     domain.FillTypePartialFill,
		Volume:       dec("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, order.Status)
	assert.True(t, order.Volume.Equal(dec("7")))
	assert.Empty(t, f.matching.Levels("EURUSD", 0).Asks)
}

func TestPlaceOrder_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    PlaceOrderRequest
		reason domain.RejectReason
	}{
		{"zero volume", PlaceOrderRequest{AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("0")}, domain.RejectReasonInvalidVolume},
		{"unknown account", PlaceOrderRequest{AccountID: "nobody", InstrumentID: "EURUSD", Volume: dec("1")}, domain.RejectReasonInvalidAccount},
		{"disabled account", PlaceOrderRequest{AccountID: "off", InstrumentID: "EURUSD", Volume: dec("1")}, domain.RejectReasonInvalidAccount},
		{"unknown instrument", PlaceOrderRequest{AccountID: "rich", InstrumentID: "GBPUSD", Volume: dec("1")}, domain.RejectReasonInvalidInstrument},
		{"trading disabled", PlaceOrderRequest{AccountID: "rich", InstrumentID: "XAUUSD", Volume: dec("1")}, domain.RejectReasonInstrumentTradingDisabled},
		{"short disabled", PlaceOrderRequest{AccountID: "rich", InstrumentID: "BTCUSD", Volume: dec("-1")}, domain.RejectReasonShortPositionsDisabled},
		{"below min", PlaceOrderRequest{AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("0.01")}, domain.RejectReasonMinOrderSizeLimit},
		{"above max", PlaceOrderRequest{AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("1001")}, domain.RejectReasonMaxOrderSizeLimit},
		{"limit without price", PlaceOrderRequest{AccountID: "rich", InstrumentID: "EURUSD", Type: domain.OrderTypeLimit, Volume: dec("1")}, domain.RejectReasonInvalidExpectedOpenPrice},
		{"buy stop loss above bid", PlaceOrderRequest{AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("1"), StopLoss: decPtr("1.2045")}, domain.RejectReasonInvalidStoploss},
		{"sell take profit above ask", PlaceOrderRequest{AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("-1"), TakeProfit: decPtr("1.2100")}, domain.RejectReasonInvalidTakeProfit},
		{"not enough balance", PlaceOrderRequest{AccountID: "small", InstrumentID: "EURUSD", Volume: dec("200")}, domain.RejectReasonNotEnoughBalance},
		{"would stop out", PlaceOrderRequest{AccountID: "small", InstrumentID: "EURUSD", Volume: dec("150")}, domain.RejectReasonAccountInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

			order, err := f.engine.PlaceOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.reason, rejectReason(t, err))
			assert.Equal(t, domain.OrderStatusRejected, order.Status)
			assert.NotEmpty(t, order.RejectReasonText)

			// A rejection never touches the book or the account.
			assert.Equal(t, 0, f.orders.Len())
			assert.True(t, f.matching.Levels("EURUSD", 0).Asks[0].Volume.Equal(dec("1000")))
			assert.Len(t, f.events.ofType(domain.EventTypeOrderRejected), 1)
		})
	}
}

func TestPlaceOrder_NoQuoteIsHardReject(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "0", "1.2050", "10") // asks only

	_, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("1"),
	})
	assert.Equal(t, domain.RejectReasonNoLiquidity, rejectReason(t, err))
}

func TestPlaceOrder_PositionLimitCountsPendingOrders(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	pending, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:         "rich",
		InstrumentID:      "EURUSD",
		Type:              domain.OrderTypeLimit,
		Volume:            dec("300"),
		ExpectedOpenPrice: decPtr("1.1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWaitingForExecution, pending.Status)

	_, err = f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("300"),
	})
	assert.Equal(t, domain.RejectReasonMaxPositionLimit, rejectReason(t, err))
}

func TestOnQuoteChanged_MarginCallRaisedOnce(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	f.market(t, "small", "100")
	assert.Equal(t, domain.AccountLevelNormal, f.account(t, "small").Risk.Level)

	f.quote(t, "EURUSD", "1.1500", "1000", "1.1510", "1000")
	for i := 0; i < 100; i++ {
		require.NoError(t, f.engine.OnQuoteChanged(context.Background(), "EURUSD"))
	}

	acc := f.account(t, "small")
	assert.Equal(t, domain.AccountLevelMarginCall, acc.Risk.Level)
	assert.True(t, acc.Risk.MarginUsageLevel.Equal(dec("79.3103")), "usage %s", acc.Risk.MarginUsageLevel)
	assert.Len(t, f.events.ofType(domain.EventTypeMarginCallRaised), 1)
	assert.Len(t, f.events.ofType(domain.EventTypeAccountLevelChanged), 1)

	// Recovery is a level change too.
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	assert.Equal(t, domain.AccountLevelNormal, f.account(t, "small").Risk.Level)
	assert.Len(t, f.events.ofType(domain.EventTypeAccountLevelChanged), 2)
	assert.Len(t, f.events.ofType(domain.EventTypeMarginCallRaised), 1)
}

func TestOnQuoteChanged_StopOutClosesEveryPosition(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	first := f.market(t, "small", "50")
	f.clock.Advance(time.Second)
	second := f.market(t, "small", "50")

	// Bids can only absorb 60 of the 100 lots to close.
	f.quote(t, "EURUSD", "1.1300", "60", "1.1310", "1000")

	stopOuts := f.events.ofType(domain.EventTypeStopOutRaised)
	require.Len(t, stopOuts, 1)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, stopOuts[0].(domain.StopOutRaised).OrderIDs)

	closed, err := f.engine.GetOrder(first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, closed.Status)
	assert.Equal(t, domain.CloseReasonStopOut, closed.CloseReason)

	rest, err := f.engine.GetOrder(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosing, rest.Status)
	assert.Equal(t, domain.CloseReasonStopOut, rest.CloseReason)
	assert.True(t, rest.MatchedCloseVolume().Equal(dec("10")))
	assert.NotEmpty(t, rest.CloseMatchingEngineID)

	assert.Empty(t, f.orders.ByAccount("small", domain.OrderStatusActive))
	assert.True(t, f.account(t, "small").Balance.Equal(dec("16.25")), "balance %s", f.account(t, "small").Balance)

	// The remaining volume closes once liquidity returns.
	f.quote(t, "EURUSD", "1.1300", "100", "1.1310", "1000")
	rest, err = f.engine.GetOrder(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, rest.Status)
	assert.Len(t, f.events.ofType(domain.EventTypeStopOutRaised), 1)
}

func TestTriggered(t *testing.T) {
	tests := []struct {
		name      string
		kind      domain.OrderType
		volume    string
		expected  string
		bid, ask  string
		triggered bool
	}{
		{"limit buy at ask", domain.OrderTypeLimit, "1", "1.2050", "1.2040", "1.2050", true},
		{"limit buy above ask", domain.OrderTypeLimit, "1", "1.2000", "1.2040", "1.2050", false},
		{"limit sell at bid", domain.OrderTypeLimit, "-1", "1.2040", "1.2040", "1.2050", true},
		{"limit sell below bid", domain.OrderTypeLimit, "-1", "1.2100", "1.2040", "1.2050", false},
		{"stop buy through ask", domain.OrderTypeStop, "1", "1.2000", "1.2040", "1.2050", true},
		{"stop buy not reached", domain.OrderTypeStop, "1", "1.2100", "1.2040", "1.2050", false},
		{"stop sell through bid", domain.OrderTypeStop, "-1", "1.2100", "1.2040", "1.2050", true},
		{"stop sell not reached", domain.OrderTypeStop, "-1", "1.2000", "1.2040", "1.2050", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := &domain.Order{Type: tt.kind, Volume: dec(tt.volume), ExpectedOpenPrice: decPtr(tt.expected)}
			assert.Equal(t, tt.triggered, triggered(order, decPtr(tt.bid), decPtr(tt.ask)))
		})
	}

	order := &domain.Order{Type: domain.OrderTypeLimit, Volume: dec("1"), ExpectedOpenPrice: decPtr("2")}
	assert.False(t, triggered(order, decPtr("1"), nil)) // no ask, no trigger
}

func TestOnQuoteChanged_ExecutesTriggeredPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	pending, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:         "rich",
		InstrumentID:      "EURUSD",
		Type:              domain.OrderTypeLimit,
		Volume:            dec("2"),
		ExpectedOpenPrice: decPtr("1.2000"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusWaitingForExecution, pending.Status)

	f.quote(t, "EURUSD", "1.2010", "1000", "1.2020", "1000")
	still, err := f.engine.GetOrder(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWaitingForExecution, still.Status)

	f.quote(t, "EURUSD", "1.1990", "1000", "1.2000", "1000")
	active, err := f.engine.GetOrder(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, active.Status)
	assert.True(t, active.OpenPrice.Equal(dec("1.2000")))
	require.Len(t, f.events.ofType(domain.EventTypeOrderActivated), 1)
}

func TestPlaceOrder_PendingAlreadyTriggeredExecutesImmediately(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	order, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:         "rich",
		InstrumentID:      "EURUSD",
		Type:              domain.OrderTypeLimit,
		Volume:            dec("1"),
		ExpectedOpenPrice: decPtr("1.2100"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, order.Status)
}

func TestOnQuoteChanged_StopLossAndTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	long, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("1"),
		StopLoss: decPtr("1.2000"), TakeProfit: decPtr("1.2200"),
	})
	require.NoError(t, err)
	short, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("-1"),
		StopLoss: decPtr("1.2210"), TakeProfit: decPtr("1.1900"),
	})
	require.NoError(t, err)

	f.quote(t, "EURUSD", "1.2200", "1000", "1.2210", "1000")

	longClosed, err := f.engine.GetOrder(long.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, longClosed.Status)
	assert.Equal(t, domain.CloseReasonTakeProfit, longClosed.CloseReason)

	shortClosed, err := f.engine.GetOrder(short.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, shortClosed.Status)
	assert.Equal(t, domain.CloseReasonStopLoss, shortClosed.CloseReason)

	realized := make(map[string]decimal.Decimal)
	for _, ev := range f.events.ofType(domain.EventTypeOrderClosed) {
		closedEv := ev.(domain.OrderClosed)
		realized[closedEv.Order.ID] = closedEv.RealizedPnL
	}
	assert.True(t, realized[long.ID].Equal(dec("0.02")), "long %s", realized[long.ID])   // (1.2200-1.2050)*1
	assert.True(t, realized[short.ID].Equal(dec("-0.02")), "short %s", realized[short.ID]) // (1.2210-1.2040)*-1
	assert.True(t, f.account(t, "rich").Balance.Equal(dec("1000")))
}

func TestStopsHit(t *testing.T) {
	buy := &domain.Order{Volume: dec("1"), StopLoss: decPtr("1.1"), TakeProfit: decPtr("1.3")}
	reason, hit := stopsHit(buy, decPtr("1.1"), decPtr("1.2"))
	assert.True(t, hit)
	assert.Equal(t, domain.CloseReasonStopLoss, reason)

	reason, hit = stopsHit(buy, decPtr("1.3"), decPtr("1.4"))
	assert.True(t, hit)
	assert.Equal(t, domain.CloseReasonTakeProfit, reason)

	_, hit = stopsHit(buy, decPtr("1.2"), decPtr("1.4"))
	assert.False(t, hit)

	sell := &domain.Order{Volume: dec("-1"), StopLoss: decPtr("1.3"), TakeProfit: decPtr("1.1")}
	reason, hit = stopsHit(sell, decPtr("1.2"), decPtr("1.3"))
	assert.True(t, hit)
	assert.Equal(t, domain.CloseReasonStopLoss, reason)

	reason, hit = stopsHit(sell, decPtr("1.0"), decPtr("1.1"))
	assert.True(t, hit)
	assert.Equal(t, domain.CloseReasonTakeProfit, reason)

	_, hit = stopsHit(sell, nil, nil)
	assert.False(t, hit)
}

func TestCancelPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	pending, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Type: domain.OrderTypeStop,
		Volume: dec("1"), ExpectedOpenPrice: decPtr("1.2500"),
	})
	require.NoError(t, err)

	cancelled, err := f.engine.CancelPendingOrder(context.Background(), pending.ID, domain.CloseReasonNone)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, cancelled.Status)
	assert.Equal(t, domain.CloseReasonCanceled, cancelled.CloseReason)
	assert.Len(t, f.events.ofType(domain.EventTypeOrderCancelled), 1)

	// Cancelling again is a no-op.
	again, err := f.engine.CancelPendingOrder(context.Background(), pending.ID, domain.CloseReasonCanceled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, again.Status)
	assert.Len(t, f.events.ofType(domain.EventTypeOrderCancelled), 1)

	// An executed order is not cancelled.
	active := f.market(t, "rich", "1")
	same, err := f.engine.CancelPendingOrder(context.Background(), active.ID, domain.CloseReasonCanceled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, same.Status)

	_, err = f.engine.CancelPendingOrder(context.Background(), "missing", domain.CloseReasonCanceled)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestExpirePendingOrders(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	validity := f.clock.Now().Add(time.Hour)
	expiring, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Type: domain.OrderTypeLimit,
		Volume: dec("1"), ExpectedOpenPrice: decPtr("1.1000"), ValidityTo: &validity,
	})
	require.NoError(t, err)
	open, err := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "rich", InstrumentID: "EURUSD", Type: domain.OrderTypeLimit,
		Volume: dec("1"), ExpectedOpenPrice: decPtr("1.1000"),
	})
	require.NoError(t, err)

	n, err := f.engine.ExpirePendingOrders(context.Background(), validity.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.engine.ExpirePendingOrders(context.Background(), validity)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.engine.GetOrder(expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonExpired, expired.CloseReason)

	still, err := f.engine.GetOrder(open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWaitingForExecution, still.Status)
}

func TestCloseActiveOrder_WithoutLiquidityStaysClosing(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	order := f.market(t, "rich", "1")

	f.quote(t, "EURUSD", "1.2040", "0", "1.2050", "1000") // bids gone

	closing, err := f.engine.CloseActiveOrder(context.Background(), order.ID, domain.CloseReasonNone)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosing, closing.Status)
	assert.Equal(t, domain.CloseReasonClose, closing.CloseReason)

	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	closed, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, closed.Status)

	_, err = f.engine.CloseActiveOrder(context.Background(), order.ID, domain.CloseReasonClose)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestChangeOrderLimits(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	order := f.market(t, "rich", "1")

	_, err := f.engine.ChangeOrderLimits(context.Background(), order.ID, decPtr("1.2100"), nil)
	assert.Equal(t, domain.RejectReasonInvalidStoploss, rejectReason(t, err))

	updated, err := f.engine.ChangeOrderLimits(context.Background(), order.ID, decPtr("1.2000"), decPtr("1.2500"))
	require.NoError(t, err)
	assert.True(t, updated.StopLoss.Equal(dec("1.2000")))

	stored, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.True(t, stored.TakeProfit.Equal(dec("1.2500")))

	cleared, err := f.engine.ChangeOrderLimits(context.Background(), order.ID, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.StopLoss)
	assert.Nil(t, cleared.TakeProfit)
}

func TestChargeOvernightSwaps_IdempotentPerOperation(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	order := f.market(t, "rich", "1")

	at := f.clock.Now().Add(24 * time.Hour)
	n, err := f.engine.ChargeOvernightSwaps(context.Background(), "op-1", at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.engine.ChargeOvernightSwaps(context.Background(), "op-1", at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "replayed operation id")

	n, err = f.engine.ChargeOvernightSwaps(context.Background(), "op-2", at)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "period already charged")

	pos, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.True(t, pos.SwapCommission.Equal(dec("0.0001")), "swap %s", pos.SwapCommission)
	assert.True(t, pos.SwapsChargedUntil.Equal(at))

	swaps := f.events.ofType(domain.EventTypeSwapCharged)
	require.Len(t, swaps, 1)
	assert.Equal(t, "op-1", swaps[0].(domain.SwapCharged).OperationID)

	_, err = f.engine.ChargeOvernightSwaps(context.Background(), "", at)
	assert.Error(t, err)
}

func TestChargeOvernightSwaps_RaisesMarginCall(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	order := f.market(t, "small", "50")

	before := f.account(t, "small")
	assert.True(t, before.Risk.TotalCapital.Equal(dec("19.95")), "capital %s", before.Risk.TotalCapital)
	assert.Equal(t, domain.AccountLevelNormal, before.Risk.Level)

	// Seven years at 3.65% on 50 lots.
	at := f.clock.Now().Add(7 * 365 * 24 * time.Hour)
	n, err := f.engine.ChargeOvernightSwaps(context.Background(), "op-1", at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pos, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.True(t, pos.SwapCommission.Equal(dec("12.775")), "swap %s", pos.SwapCommission)

	acc := f.account(t, "small")
	assert.True(t, acc.Balance.Equal(dec("20")))
	assert.True(t, acc.Risk.Costs.Equal(dec("12.775")), "costs %s", acc.Risk.Costs)
	assert.True(t, acc.Risk.TotalCapital.Equal(dec("7.175")), "capital %s", acc.Risk.TotalCapital)
	assert.Equal(t, "83.9024", acc.Risk.MarginUsageLevel.String()) // 6.02 / 7.175
	assert.Equal(t, domain.AccountLevelMarginCall, acc.Risk.Level)
	assert.Len(t, f.events.ofType(domain.EventTypeMarginCallRaised), 1)

	// A later tick at the same prices keeps the level and raises nothing new.
	require.NoError(t, f.engine.OnQuoteChanged(context.Background(), "EURUSD"))
	assert.Equal(t, domain.AccountLevelMarginCall, f.account(t, "small").Risk.Level)
	assert.Len(t, f.events.ofType(domain.EventTypeMarginCallRaised), 1)
}

func TestCloseActiveOrder_PartialCloseValuesRemainder(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	order := f.market(t, "rich", "50")

	f.quote(t, "EURUSD", "1.2040", "20", "1.2050", "1000")
	_, err := f.engine.CloseActiveOrder(context.Background(), order.ID, domain.CloseReasonClose)
	require.NoError(t, err)

	pos, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosing, pos.Status)
	assert.True(t, pos.RemainingCloseVolume().Equal(dec("30")))
	assert.True(t, pos.FplData.InitialMargin.Equal(dec("3.61")), "init %s", pos.FplData.InitialMargin) // 30 × 1.2040 / 10
	assert.True(t, pos.FplData.Fpl.Equal(dec("-0.05")), "fpl %s", pos.FplData.Fpl)

	acc := f.account(t, "rich")
	assert.True(t, acc.Risk.UsedMargin.Equal(dec("3.61")), "used %s", acc.Risk.UsedMargin)
	assert.True(t, acc.Risk.TotalCapital.Equal(dec("999.95")), "capital %s", acc.Risk.TotalCapital)
}

func TestCloseActiveOrder_KeepsMatchedFillsWhenAccountIsMissing(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	order := f.market(t, "rich", "1")

	f.quote(t, "EURUSD", "1.2040", "0", "1.2050", "1000")
	_, err := f.engine.CloseActiveOrder(context.Background(), order.ID, domain.CloseReasonClose)
	require.NoError(t, err)

	accounts := []domain.Account{
		{ID: "rich", TradingConditionID: "tc1", BaseAssetID: "USD", LegalEntity: "LE1", Balance: dec("1000")},
		{ID: "small", TradingConditionID: "tc1", BaseAssetID: "USD", LegalEntity: "LE1", Balance: dec("20")},
	}
	f.accounts.Refresh(accounts[1:])

	// The close matches, but cannot be realised without the account.
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	pos, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosing, pos.Status)
	assert.True(t, pos.MatchedCloseVolume().Equal(dec("1")), "matched %s", pos.MatchedCloseVolume())

	// Later ticks complete the close without matching the volume again.
	f.accounts.Refresh(accounts)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	closed, err := f.engine.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, closed.Status)
	assert.Len(t, closed.MatchedCloseOrders, 1)
	assert.True(t, closed.MatchedCloseVolume().Equal(dec("1")))
	assert.Len(t, f.events.ofType(domain.EventTypeOrderClosed), 1)
}

func TestEngine_PublishesBookChangesBeforeOrderEvents(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")
	f.events.reset()

	f.market(t, "rich", "1")

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.GreaterOrEqual(t, len(f.events.events), 3)
	assert.Equal(t, domain.EventTypeOrderBookLevelChanged, f.events.events[0].GetType())
	assert.Equal(t, domain.EventTypeOrderPlaced, f.events.events[1].GetType())
	assert.Equal(t, domain.EventTypeOrderActivated, f.events.events[2].GetType())
}

func TestEngine_ConcurrentQuotesAndOrders(t *testing.T) {
	f := newFixture(t)
	f.quote(t, "EURUSD", "1.2040", "1000", "1.2050", "1000")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				batch := domain.MarketMakerQuotes{
					MarketMakerID: fmt.Sprintf("mm-%d", i),
					InstrumentID:  "EURUSD",
					Orders: []domain.LimitOrder{
						{Price: dec("1.2040"), Volume: dec("5")},
						{Price: dec("1.2050"), Volume: dec("-5")},
					},
				}
				assert.NoError(t, f.engine.SetMarketMakerQuotes(context.Background(), batch))
				assert.NoError(t, f.engine.OnQuoteChanged(context.Background(), "EURUSD"))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				order, _ := f.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
					AccountID: "rich", InstrumentID: "EURUSD", Volume: dec("0.5"),
				})
				if order != nil {
					assert.Contains(t, []domain.OrderStatus{domain.OrderStatusActive, domain.OrderStatusRejected}, order.Status)
				}
			}
		}()
	}
	wg.Wait()

	levels := f.matching.Levels("EURUSD", 0)
	for _, l := range append(levels.Bids, levels.Asks...) {
		assert.True(t, l.Volume.IsPositive(), "level %s has volume %s", l.Price, l.Volume)
	}
	for _, pos := range f.orders.Positions("rich") {
		assert.NotEmpty(t, pos.MatchedOrders)
		assert.True(t, domain.MatchedVolume(pos.MatchedOrders).Equal(pos.AbsVolume()))
	}
}
