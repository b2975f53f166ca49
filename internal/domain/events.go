package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an outbound event kind.
type EventType string

const (
	EventTypeOrderPlaced           EventType = "OrderPlaced"
	EventTypeOrderActivated        EventType = "OrderActivated"
	EventTypeOrderRejected         EventType = "OrderRejected"
	EventTypeOrderClosed           EventType = "OrderClosed"
	EventTypeOrderCancelled        EventType = "OrderCancelled"
	EventTypeMarginCallRaised      EventType = "MarginCallRaised"
	EventTypeStopOutRaised         EventType = "StopOutRaised"
	EventTypeAccountLevelChanged   EventType = "AccountLevelChanged"
	EventTypeOrderBookLevelChanged EventType = "OrderBookLevelChanged"
	EventTypeSwapCharged           EventType = "SwapCharged"
)

// Event is the base interface for all outbound events.
type Event interface {
	GetType() EventType
	// GetKey is the partition key consumers order by (order, account or instrument id).
	GetKey() string
}

// EventEnvelope wraps an event with metadata for serialization.
type EventEnvelope struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// OrderPlaced is emitted when an order is accepted, either resting as pending or executed.
type OrderPlaced struct {
	Order Order `json:"order"`
}

func (e OrderPlaced) GetType() EventType { return EventTypeOrderPlaced }
func (e OrderPlaced) GetKey() string     { return e.Order.ID }

// OrderActivated is emitted when an order becomes a position.
type OrderActivated struct {
	Order Order `json:"order"`
}

func (e OrderActivated) GetType() EventType { return EventTypeOrderActivated }
func (e OrderActivated) GetKey() string     { return e.Order.ID }

// OrderRejected is emitted when an order is rejected with a reason code.
type OrderRejected struct {
	Order   Order             `json:"order"`
	Context map[string]string `json:"context,omitempty"`
}

func (e OrderRejected) GetType() EventType { return EventTypeOrderRejected }
func (e OrderRejected) GetKey() string     { return e.Order.ID }

// OrderClosed is emitted when a position's closing volume is fully matched.
type OrderClosed struct {
	Order       Order           `json:"order"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

func (e OrderClosed) GetType() EventType { return EventTypeOrderClosed }
func (e OrderClosed) GetKey() string     { return e.Order.ID }

// OrderCancelled is emitted when a pending order is cancelled or expires.
type OrderCancelled struct {
	Order Order `json:"order"`
}

func (e OrderCancelled) GetType() EventType { return EventTypeOrderCancelled }
func (e OrderCancelled) GetKey() string     { return e.Order.ID }

// MarginCallRaised is emitted once when an account enters the margin call level.
type MarginCallRaised struct {
	AccountID string      `json:"account_id"`
	Risk      AccountRisk `json:"risk"`
}

func (e MarginCallRaised) GetType() EventType { return EventTypeMarginCallRaised }
func (e MarginCallRaised) GetKey() string     { return e.AccountID }

// StopOutRaised is emitted once when an account enters the stop-out level.
type StopOutRaised struct {
	AccountID string      `json:"account_id"`
	Risk      AccountRisk `json:"risk"`
	OrderIDs  []string    `json:"order_ids"` // positions moved to closing
}

func (e StopOutRaised) GetType() EventType { return EventTypeStopOutRaised }
func (e StopOutRaised) GetKey() string     { return e.AccountID }

// AccountLevelChanged is emitted on every level transition, including recoveries.
type AccountLevelChanged struct {
	AccountID string       `json:"account_id"`
	Previous  AccountLevel `json:"previous"`
	Current   AccountLevel `json:"current"`
}

func (e AccountLevelChanged) GetType() EventType { return EventTypeAccountLevelChanged }
func (e AccountLevelChanged) GetKey() string     { return e.AccountID }

// OrderBookLevelChanged is emitted for every book mutation batch.
type OrderBookLevelChanged struct {
	SequenceID   uint64           `json:"sequence_id"`
	InstrumentID string           `json:"instrument_id"`
	Levels       []OrderBookLevel `json:"levels"`
	BestBid      *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk      *decimal.Decimal `json:"best_ask,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

func (e OrderBookLevelChanged) GetType() EventType { return EventTypeOrderBookLevelChanged }
func (e OrderBookLevelChanged) GetKey() string     { return e.InstrumentID }

// SwapCharged is emitted when an overnight swap is charged to a position.
type SwapCharged struct {
	OperationID string          `json:"operation_id"`
	OrderID     string          `json:"order_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
}

func (e SwapCharged) GetType() EventType { return EventTypeSwapCharged }
func (e SwapCharged) GetKey() string     { return e.OrderID }

// SerializeEvent converts an event to JSON bytes with envelope.
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event.
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var event Event
	switch envelope.Type {
	case EventTypeOrderPlaced:
		event = &OrderPlaced{}
	case EventTypeOrderActivated:
		event = &OrderActivated{}
	case EventTypeOrderRejected:
		event = &OrderRejected{}
	case EventTypeOrderClosed:
		event = &OrderClosed{}
	case EventTypeOrderCancelled:
		event = &OrderCancelled{}
	case EventTypeMarginCallRaised:
		event = &MarginCallRaised{}
	case EventTypeStopOutRaised:
		event = &StopOutRaised{}
	case EventTypeAccountLevelChanged:
		event = &AccountLevelChanged{}
	case EventTypeOrderBookLevelChanged:
		event = &OrderBookLevelChanged{}
	case EventTypeSwapCharged:
		event = &SwapCharged{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}

	if err := json.Unmarshal(envelope.Data, event); err != nil {
		return nil, err
	}
	return event, nil
}
