package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side of an order or position.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// DirectionOf derives the direction from a signed volume. Zero volume is a buy.
func DirectionOf(volume decimal.Decimal) Direction {
	if volume.IsNegative() {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderType represents how an order is executed.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// FillType controls whether an order accepts a partial match.
type FillType string

const (
	FillTypeFillOrKill  FillType = "fill_or_kill"
	FillTypePartialFill FillType = "partial_fill"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPlaced              OrderStatus = "placed"
	OrderStatusWaitingForExecution OrderStatus = "waiting_for_execution"
	OrderStatusActive              OrderStatus = "active"
	OrderStatusClosing             OrderStatus = "closing"
	OrderStatusClosed              OrderStatus = "closed"
	OrderStatusRejected            OrderStatus = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusClosed || s == OrderStatusRejected
}

// CloseReason records why an order left the book of live orders.
type CloseReason string

const (
	CloseReasonNone       CloseReason = ""
	CloseReasonClose      CloseReason = "close"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonStopOut    CloseReason = "stop_out"
	CloseReasonCanceled   CloseReason = "canceled"
	CloseReasonExpired    CloseReason = "expired"
)

// MatchedOrder is an immutable fill record.
type MatchedOrder struct {
	OrderID       string          `json:"order_id"` // counter order
	MarketMakerID string          `json:"market_maker_id"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"` // always positive
	MatchedAt     time.Time       `json:"matched_at"`
}

// MatchedVolume sums the volume of the given fills.
func MatchedVolume(fills []MatchedOrder) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Volume)
	}
	return total
}

// FplData is the cached margin and PnL snapshot of a position.
// It is valid only while CalculatedVersion equals the owning order's Version.
type FplData struct {
	Fpl                      decimal.Decimal `json:"fpl"`
	InitialMargin            decimal.Decimal `json:"initial_margin"`
	MarginMaintenance        decimal.Decimal `json:"margin_maintenance"`
	OpenCrossPrice           decimal.Decimal `json:"open_cross_price"`
	CloseCrossPrice          decimal.Decimal `json:"close_cross_price"`
	AccountBaseAssetAccuracy int32           `json:"account_base_asset_accuracy"`
	CalculatedVersion        uint64          `json:"calculated_version"`
}

// Order is a request to open or close exposure. Once matched it is a position.
type Order struct {
	ID                 string      `json:"id"`
	AccountID          string      `json:"account_id"`
	InstrumentID       string      `json:"instrument_id"`
	ClientID           string      `json:"client_id"`
	TradingConditionID string      `json:"trading_condition_id"`
	LegalEntity        string      `json:"legal_entity"`
	AccountAssetID     string      `json:"account_asset_id"`
	Type               OrderType   `json:"type"`
	FillType           FillType    `json:"fill_type"`
	Status             OrderStatus `json:"status"`

	Volume            decimal.Decimal  `json:"volume"` // signed: positive buys, negative sells
	ExpectedOpenPrice *decimal.Decimal `json:"expected_open_price,omitempty"`
	StopLoss          *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit        *decimal.Decimal `json:"take_profit,omitempty"`
	OpenPrice         decimal.Decimal  `json:"open_price"`
	ClosePrice        decimal.Decimal  `json:"close_price"`
	AssetAccuracy     int32            `json:"asset_accuracy"`

	MatchedOrders      []MatchedOrder `json:"matched_orders"`
	MatchedCloseOrders []MatchedOrder `json:"matched_close_orders"`

	OpenMatchingEngineID  string `json:"open_matching_engine_id,omitempty"`
	CloseMatchingEngineID string `json:"close_matching_engine_id,omitempty"`

	CloseReason      CloseReason  `json:"close_reason,omitempty"`
	RejectReason     RejectReason `json:"reject_reason,omitempty"`
	RejectReasonText string       `json:"reject_reason_text,omitempty"`
	Comment          string       `json:"comment,omitempty"`

	OpenCommission    decimal.Decimal `json:"open_commission"`
	CloseCommission   decimal.Decimal `json:"close_commission"`
	SwapCommission    decimal.Decimal `json:"swap_commission"`
	SwapsChargedUntil time.Time       `json:"swaps_charged_until"`

	CreateDate       time.Time  `json:"create_date"`
	OpenDate         *time.Time `json:"open_date,omitempty"`
	StartClosingDate *time.Time `json:"start_closing_date,omitempty"`
	CloseDate        *time.Time `json:"close_date,omitempty"`
	ValidityTo       *time.Time `json:"validity_to,omitempty"`

	// Version is bumped every time an input of FplData changes.
	Version uint64  `json:"version"`
	FplData FplData `json:"fpl_data"`
}

// Direction returns the side of the order.
func (o *Order) Direction() Direction {
	return DirectionOf(o.Volume)
}

// AbsVolume returns the unsigned order volume.
func (o *Order) AbsVolume() decimal.Decimal {
	return o.Volume.Abs()
}

// MatchedCloseVolume returns the closing volume matched so far.
func (o *Order) MatchedCloseVolume() decimal.Decimal {
	return MatchedVolume(o.MatchedCloseOrders)
}

// RemainingCloseVolume returns the volume still to match on the closing leg.
func (o *Order) RemainingCloseVolume() decimal.Decimal {
	rest := o.AbsVolume().Sub(o.MatchedCloseVolume())
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Touch marks the cached FplData as stale.
func (o *Order) Touch() {
	o.Version++
}

// IsFplStale reports whether FplData must be recomputed before it is read.
func (o *Order) IsFplStale() bool {
	return o.FplData.CalculatedVersion != o.Version
}

// Clone returns a deep copy suitable for what-if calculations and snapshots.
func (o *Order) Clone() *Order {
	c := *o
	c.ExpectedOpenPrice = cloneDecimalPtr(o.ExpectedOpenPrice)
	c.StopLoss = cloneDecimalPtr(o.StopLoss)
	c.TakeProfit = cloneDecimalPtr(o.TakeProfit)
	c.MatchedOrders = append([]MatchedOrder(nil), o.MatchedOrders...)
	c.MatchedCloseOrders = append([]MatchedOrder(nil), o.MatchedCloseOrders...)
	c.OpenDate = cloneTimePtr(o.OpenDate)
	c.StartClosingDate = cloneTimePtr(o.StartClosingDate)
	c.CloseDate = cloneTimePtr(o.CloseDate)
	c.ValidityTo = cloneTimePtr(o.ValidityTo)
	return &c
}

func cloneDecimalPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LimitOrder is a resting market-maker order in the order book.
type LimitOrder struct {
	ID            string          `json:"id"`
	MarketMakerID string          `json:"market_maker_id"`
	InstrumentID  string          `json:"instrument_id"`
	Volume        decimal.Decimal `json:"volume"` // signed: positive bids, negative asks
	Price         decimal.Decimal `json:"price"`
	CreateDate    time.Time       `json:"create_date"`
}

// Direction returns the book side the order rests on.
func (o *LimitOrder) Direction() Direction {
	return DirectionOf(o.Volume)
}

// OrderBookLevel is an aggregated price level of one side of the book.
// A zero volume means the level was removed.
type OrderBookLevel struct {
	InstrumentID string          `json:"instrument_id"`
	Direction    Direction       `json:"direction"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
}

// Quote is the best bid and ask of an instrument.
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Timestamp    time.Time       `json:"timestamp"`
}

// OpenPriceFor returns the price at which a position of the given direction opens.
func (q Quote) OpenPriceFor(position Direction) decimal.Decimal {
	if position == DirectionBuy {
		return q.Ask
	}
	return q.Bid
}

// ClosePriceFor returns the price at which a position of the given direction closes.
func (q Quote) ClosePriceFor(position Direction) decimal.Decimal {
	if position == DirectionBuy {
		return q.Bid
	}
	return q.Ask
}

// MarketMakerQuotes replaces the resting orders of one market maker.
type MarketMakerQuotes struct {
	MarketMakerID string       `json:"market_maker_id"`
	InstrumentID  string       `json:"instrument_id"`
	DeleteAll     bool         `json:"delete_all"` // wipe every resting order of the instrument first
	Orders        []LimitOrder `json:"orders"`
	Timestamp     time.Time    `json:"timestamp"`
}

// L2OrderBook represents an aggregated L2 order book snapshot.
type L2OrderBook struct {
	InstrumentID string           `json:"instrument_id"`
	Bids         []OrderBookLevel `json:"bids"`
	Asks         []OrderBookLevel `json:"asks"`
}

// OrderBookSnapshot is the persisted content of every order book.
type OrderBookSnapshot struct {
	SequenceID uint64                  `json:"sequence_id"`
	TakenAt    time.Time               `json:"taken_at"`
	Books      map[string][]LimitOrder `json:"books"` // instrument id -> resting orders in priority order
}
