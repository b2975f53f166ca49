package margin

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// SecondsPerYear is the day-count basis for swap proration.
const SecondsPerYear = 365 * 24 * 60 * 60

// Swap returns round(seconds/SecondsPerYear × ratePct/100 × |volume| × fx, accuracy).
// A positive result is a cost to the position holder.
func Swap(from, to time.Time, ratePct, volume, fx decimal.Decimal, accuracy int32) decimal.Decimal {
	if !to.After(from) {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(int64(to.Sub(from) / time.Second))
	yearFraction := seconds.DivRound(decimal.NewFromInt(SecondsPerYear), rateScale)
	return yearFraction.
		Mul(ratePct.DivRound(hundred, rateScale)).
		Mul(volume.Abs()).
		Mul(fx).
		Round(accuracy)
}

// SwapCharge is one computed swap for a position.
type SwapCharge struct {
	Amount decimal.Decimal
	From   time.Time
	To     time.Time
}

// SwapFor computes the swap owed by a position for the period after its last charge up to `until`.
// ok is false when nothing is due.
func (c *Calculator) SwapFor(order *domain.Order, account *domain.Account, until time.Time) (charge SwapCharge, ok bool, err error) {
	from := order.SwapsChargedUntil
	if order.OpenDate != nil && order.OpenDate.After(from) {
		from = *order.OpenDate
	}
	if !until.After(from) {
		return SwapCharge{}, false, nil
	}

	pc, err := c.load(order, account)
	if err != nil {
		return SwapCharge{}, false, err
	}

	rate := pc.trading.SwapLongPct
	if order.Direction() == domain.DirectionSell {
		rate = pc.trading.SwapShortPct
	}

	return SwapCharge{
		Amount: Swap(from, until, rate, order.Volume, pc.fx, pc.instrument.Accuracy),
		From:   from,
		To:     until,
	}, true, nil
}

// SwapLedger remembers which (operation, order) pairs were charged so a replayed
// operation id never charges a position twice.
type SwapLedger struct {
	mu      sync.Mutex
	charged map[string]struct{}
}

// NewSwapLedger creates an empty ledger.
func NewSwapLedger() *SwapLedger {
	return &SwapLedger{charged: make(map[string]struct{})}
}

// Claim records the pair and reports whether it was new.
func (l *SwapLedger) Claim(operationID, orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := operationID + "/" + orderID
	if _, done := l.charged[key]; done {
		return false
	}
	l.charged[key] = struct{}{}
	return true
}
