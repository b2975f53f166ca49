package trading

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// OnQuoteChanged runs the active-order scan for one instrument. The whole scan,
// from repricing positions to matching their closes, holds the matching lock once.
func (e *Engine) OnQuoteChanged(ctx context.Context, instrumentID string) error {
	_, span := telemetry.Tracer.Start(ctx, "trading.OnQuoteChanged", trace.WithAttributes(
		attribute.String("instrument.id", instrumentID),
	))
	defer span.End()

	return e.run(func(o *op) error {
		e.scan(o, instrumentID)
		return nil
	})
}

func (e *Engine) scan(o *op, instrumentID string) {
	bid, ask := o.tx.BestPrices(instrumentID)

	// Reprice open positions.
	for _, pos := range e.orders.ByInstrument(instrumentID, domain.OrderStatusActive, domain.OrderStatusClosing) {
		price := closeSide(pos.Direction(), bid, ask)
		if price == nil || price.Equal(pos.ClosePrice) {
			continue
		}
		pos.ClosePrice = *price
		pos.Touch()
		e.store(pos)
	}

	// Trigger pending orders. Each execution consumes liquidity, so prices are re-read.
	for _, pending := range e.orders.ByInstrument(instrumentID, domain.OrderStatusWaitingForExecution) {
		if !triggered(pending, bid, ask) {
			continue
		}
		e.execute(o, pending)
		bid, ask = o.tx.BestPrices(instrumentID)
	}

	// Recompute every account with exposure here. A stop-out moves all of the
	// account's active positions to Closing before any SL/TP check.
	for _, accountID := range e.orders.AccountsWithPositions(instrumentID) {
		e.recompute(o, accountID)
	}

	for _, pos := range e.orders.ByInstrument(instrumentID, domain.OrderStatusActive) {
		if reason, hit := stopsHit(pos, bid, ask); hit {
			e.startClosing(o, pos, reason)
		}
	}

	for _, pos := range e.orders.ByInstrument(instrumentID, domain.OrderStatusClosing) {
		o.markClosing(pos.ID)
	}
	e.settle(o)
}

// execute opens a triggered pending order or rejects it.
func (e *Engine) execute(o *op, order *domain.Order) {
	account, inst, re := e.validate(order)
	if re == nil {
		re = e.open(o, order, account, inst)
	}
	if re != nil {
		e.reject(o, order, re)
		return
	}
	o.emit(domain.OrderActivated{Order: *order.Clone()})
}

// recompute rebuilds the account's risk from all of its positions and emits the
// level events when the level changed since the last recompute.
func (e *Engine) recompute(o *op, accountID string) {
	account, err := e.accounts.Get(accountID)
	if err != nil {
		e.logger.Error("failed to load account for risk", "account_id", accountID, "error", err)
		return
	}

	positions := e.orders.Positions(accountID)
	risk, err := e.calc.AccountRisk(account, positions)
	if err != nil {
		e.logger.Error("failed to recompute account risk", "account_id", accountID, "error", err)
		return
	}
	for _, pos := range positions {
		e.store(pos)
	}

	if _, err := e.accounts.Update(accountID, func(acc *domain.Account) error {
		acc.Risk = risk
		return nil
	}); err != nil {
		e.logger.Error("failed to store account risk", "account_id", accountID, "error", err)
		return
	}

	previous := account.Risk.Level
	if previous == "" {
		previous = domain.AccountLevelNormal
	}
	if previous == risk.Level {
		return
	}

	o.emit(domain.AccountLevelChanged{AccountID: accountID, Previous: previous, Current: risk.Level})
	e.logger.Info("account level changed",
		"account_id", accountID,
		"previous", previous,
		"current", risk.Level,
		"margin_usage", risk.MarginUsageLevel.String(),
	)

	switch risk.Level {
	case domain.AccountLevelMarginCall:
		telemetry.MarginCallsTotal.Inc()
		o.emit(domain.MarginCallRaised{AccountID: accountID, Risk: risk})
	case domain.AccountLevelStopOut:
		e.stopOut(o, accountID, risk)
	}
}

func (e *Engine) stopOut(o *op, accountID string, risk domain.AccountRisk) {
	active := e.orders.ByAccount(accountID, domain.OrderStatusActive)
	ids := make([]string, 0, len(active))
	for _, pos := range active {
		e.startClosing(o, pos, domain.CloseReasonStopOut)
		ids = append(ids, pos.ID)
	}

	telemetry.StopOutsTotal.Inc()
	o.emit(domain.StopOutRaised{AccountID: accountID, Risk: risk, OrderIDs: ids})
	e.logger.Warn("account stopped out",
		"account_id", accountID,
		"positions", len(ids),
		"margin_usage", risk.MarginUsageLevel.String(),
		"total_capital", risk.TotalCapital.String(),
	)
}

// stopsHit checks a position's stop loss and take profit against its close price.
func stopsHit(pos *domain.Order, bid, ask *decimal.Decimal) (domain.CloseReason, bool) {
	if pos.Direction() == domain.DirectionBuy {
		if bid == nil {
			return domain.CloseReasonNone, false
		}
		if pos.StopLoss != nil && bid.LessThanOrEqual(*pos.StopLoss) {
			return domain.CloseReasonStopLoss, true
		}
		if pos.TakeProfit != nil && bid.GreaterThanOrEqual(*pos.TakeProfit) {
			return domain.CloseReasonTakeProfit, true
		}
		return domain.CloseReasonNone, false
	}

	if ask == nil {
		return domain.CloseReasonNone, false
	}
	if pos.StopLoss != nil && ask.GreaterThanOrEqual(*pos.StopLoss) {
		return domain.CloseReasonStopLoss, true
	}
	if pos.TakeProfit != nil && ask.LessThanOrEqual(*pos.TakeProfit) {
		return domain.CloseReasonTakeProfit, true
	}
	return domain.CloseReasonNone, false
}
