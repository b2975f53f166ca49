package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/matching"
	"github.com/nathanyu/margin-trading/internal/orderbook"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// CancelPendingOrder cancels an order that is still waiting for its trigger.
// Cancelling an order that already started executing, or already finished, is a no-op.
func (e *Engine) CancelPendingOrder(ctx context.Context, id string, reason domain.CloseReason) (*domain.Order, error) {
	_, span := telemetry.Tracer.Start(ctx, "trading.CancelPendingOrder", trace.WithAttributes(
		attribute.String("order.id", id),
	))
	defer span.End()

	if reason == domain.CloseReasonNone {
		reason = domain.CloseReasonCanceled
	}

	var result *domain.Order
	err := e.run(func(o *op) error {
		order, err := e.orders.Get(id)
		if errors.Is(err, domain.ErrOrderNotFound) {
			result, err = e.GetOrder(id)
			return err
		}
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusWaitingForExecution {
			e.cancel(o, order, reason)
		}
		result = order
		return nil
	})
	return result, err
}

// ExpirePendingOrders cancels every pending order whose validity ended at or before now.
func (e *Engine) ExpirePendingOrders(ctx context.Context, now time.Time) (int, error) {
	_, span := telemetry.Tracer.Start(ctx, "trading.ExpirePendingOrders")
	defer span.End()

	expired := 0
	err := e.run(func(o *op) error {
		for _, order := range e.orders.ByStatus(domain.OrderStatusWaitingForExecution) {
			if order.ValidityTo == nil || order.ValidityTo.After(now) {
				continue
			}
			e.cancel(o, order, domain.CloseReasonExpired)
			expired++
		}
		return nil
	})
	span.SetAttributes(attribute.Int("orders.expired", expired))
	return expired, err
}

func (e *Engine) cancel(o *op, order *domain.Order, reason domain.CloseReason) {
	now := e.timestamp()
	order.Status = domain.OrderStatusClosed
	order.CloseReason = reason
	order.CloseDate = &now
	e.finish(order)
	countOrder(order)

	o.emit(domain.OrderCancelled{Order: *order.Clone()})
	e.logger.Info("pending order cancelled",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"reason", reason,
	)
}

// CloseActiveOrder starts closing a position and matches as much of it as the book allows.
// A position already Closing gets another matching attempt.
func (e *Engine) CloseActiveOrder(ctx context.Context, id string, reason domain.CloseReason) (*domain.Order, error) {
	_, span := telemetry.Tracer.Start(ctx, "trading.CloseActiveOrder", trace.WithAttributes(
		attribute.String("order.id", id),
	))
	defer span.End()

	if reason == domain.CloseReasonNone {
		reason = domain.CloseReasonClose
	}

	var result *domain.Order
	err := e.run(func(o *op) error {
		order, err := e.orders.Get(id)
		if err != nil {
			return err
		}
		switch order.Status {
		case domain.OrderStatusActive:
			e.startClosing(o, order, reason)
		case domain.OrderStatusClosing:
		default:
			return fmt.Errorf("close order %s in status %s: %w", id, order.Status, domain.ErrInvalidStatus)
		}
		e.matchClose(o, order)
		e.settle(o)
		result = order
		return nil
	})
	return result, err
}

// ChangeOrderLimits replaces the stop loss and take profit of a pending order or an open position.
// A nil value removes the limit.
func (e *Engine) ChangeOrderLimits(ctx context.Context, id string, stopLoss, takeProfit *decimal.Decimal) (*domain.Order, error) {
	_, span := telemetry.Tracer.Start(ctx, "trading.ChangeOrderLimits", trace.WithAttributes(
		attribute.String("order.id", id),
	))
	defer span.End()

	var result *domain.Order
	err := e.run(func(o *op) error {
		order, err := e.orders.Get(id)
		if err != nil {
			return err
		}

		var reference decimal.Decimal
		switch order.Status {
		case domain.OrderStatusWaitingForExecution:
			reference = *order.ExpectedOpenPrice
		case domain.OrderStatusActive:
			bid, ask := o.tx.BestPrices(order.InstrumentID)
			price := closeSide(order.Direction(), bid, ask)
			if price == nil {
				return withQuote(domain.NewRejectError(domain.RejectReasonNoLiquidity,
					"instrument %s has no quote", order.InstrumentID), order, bid, ask)
			}
			reference = *price
		default:
			return fmt.Errorf("change limits of order %s in status %s: %w", id, order.Status, domain.ErrInvalidStatus)
		}

		order.StopLoss = stopLoss
		order.TakeProfit = takeProfit
		if re := validateStops(order, reference); re != nil {
			return re
		}
		e.store(order)
		result = order
		return nil
	})
	return result, err
}

func (e *Engine) startClosing(o *op, order *domain.Order, reason domain.CloseReason) {
	now := e.timestamp()
	order.Status = domain.OrderStatusClosing
	order.CloseReason = reason
	order.StartClosingDate = &now
	order.CloseMatchingEngineID = uuid.NewString()
	e.store(order)
	countOrder(order)

	o.markClosing(order.ID)
	o.touch(order.AccountID)
}

// matchClose matches the remaining closing volume. Without liquidity the position
// stays Closing and is retried on the next tick.
func (e *Engine) matchClose(o *op, order *domain.Order) {
	// Fully matched earlier but not yet realised.
	if !order.RemainingCloseVolume().IsPositive() {
		e.completeClose(o, order)
		return
	}

	res, err := o.tx.MatchForClose(order)
	if err != nil {
		if errors.Is(err, matching.ErrNoLiquidity) {
			e.logger.Debug("no liquidity to close position", "order_id", order.ID, "error", err)
			return
		}
		e.logger.Error("failed to match close", "order_id", order.ID, "error", err)
		return
	}
	if err := res.Commit(); err != nil {
		e.logger.Error("failed to commit close match", "order_id", order.ID, "error", err)
		return
	}

	order.MatchedCloseOrders = append(order.MatchedCloseOrders, res.Fills...)
	order.Touch()
	if order.RemainingCloseVolume().IsPositive() {
		e.store(order)
		e.logger.Info("position partially closed",
			"order_id", order.ID,
			"matched", res.Volume.String(),
			"remaining", order.RemainingCloseVolume().String(),
		)
		return
	}
	e.completeClose(o, order)
}

// completeClose prices the fully matched closing leg and realises the result
// into the account balance: PnL minus commissions and swaps.
func (e *Engine) completeClose(o *op, order *domain.Order) {
	account, err := e.accounts.Get(order.AccountID)
	if err != nil {
		e.store(order)
		e.logger.Error("closed position without account", "order_id", order.ID, "error", err)
		return
	}

	accuracy := order.AssetAccuracy
	if inst, err := e.instruments.GetInstrument(order.InstrumentID); err == nil {
		accuracy = inst.Accuracy
	}
	closePrice, err := orderbook.WeightedAveragePrice(order.MatchedCloseOrders, accuracy)
	if err != nil {
		e.store(order)
		e.logger.Error("failed to price closing leg", "order_id", order.ID, "error", err)
		return
	}

	order.ClosePrice = closePrice
	order.Touch()
	if err := e.calc.Calculate(order, account); err != nil {
		e.logger.Error("failed to calculate closed position", "order_id", order.ID, "error", err)
	}
	if commission, err := e.calc.CommissionFor(order, account, closePrice); err == nil {
		order.CloseCommission = commission
	} else {
		e.logger.Error("failed to calculate close commission", "order_id", order.ID, "error", err)
	}

	realized := order.FplData.Fpl.
		Sub(order.OpenCommission).
		Sub(order.CloseCommission).
		Sub(order.SwapCommission)

	now := e.timestamp()
	order.Status = domain.OrderStatusClosed
	order.CloseDate = &now

	if _, err := e.accounts.Update(order.AccountID, func(acc *domain.Account) error {
		acc.Balance = acc.Balance.Add(realized)
		return nil
	}); err != nil {
		e.logger.Error("failed to realise pnl", "order_id", order.ID, "account_id", order.AccountID, "error", err)
	}

	e.finish(order)
	countOrder(order)
	o.touch(order.AccountID)
	o.emit(domain.OrderClosed{Order: *order.Clone(), RealizedPnL: realized})

	e.logger.Info("position closed",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"reason", order.CloseReason,
		"close_price", closePrice.String(),
		"realized_pnl", realized.String(),
	)
}

// settle matches every order moved to Closing and recomputes every touched account
// until neither produces more work. A stop-out found here closes positions in the same pass.
func (e *Engine) settle(o *op) {
	for len(o.closing) > 0 || len(o.touched) > 0 {
		var closing []*domain.Order
		for id := range o.closing {
			order, err := e.orders.Get(id)
			if err != nil || order.Status != domain.OrderStatusClosing {
				continue
			}
			closing = append(closing, order)
		}
		o.closing = make(map[string]struct{})

		// Oldest position closes first when liquidity runs short.
		sort.Slice(closing, func(i, j int) bool {
			if !closing[i].CreateDate.Equal(closing[j].CreateDate) {
				return closing[i].CreateDate.Before(closing[j].CreateDate)
			}
			return closing[i].ID < closing[j].ID
		})
		for _, order := range closing {
			e.matchClose(o, order)
		}

		touched := sortedKeys(o.touched)
		o.touched = make(map[string]struct{})
		for _, id := range touched {
			e.recompute(o, id)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
