package trading

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/matching"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// PlaceOrderRequest is an inbound order request.
type PlaceOrderRequest struct {
	AccountID         string
	InstrumentID      string
	Type              domain.OrderType
	FillType          domain.FillType
	Volume            decimal.Decimal // signed: positive buys, negative sells
	ExpectedOpenPrice *decimal.Decimal
	StopLoss          *decimal.Decimal
	TakeProfit        *decimal.Decimal
	ValidityTo        *time.Time
	Comment           string
}

// PlaceOrder validates and executes an order. Market orders, and pending orders
// whose trigger is already met, are matched immediately; other pending orders
// wait for a tick. A rejected order is returned together with its *domain.RejectError.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	_, span := telemetry.Tracer.Start(ctx, "trading.PlaceOrder", trace.WithAttributes(
		attribute.String("account.id", req.AccountID),
		attribute.String("instrument.id", req.InstrumentID),
		attribute.String("order.type", string(req.Type)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order := e.newOrder(req)
	span.SetAttributes(attribute.String("order.id", order.ID))

	err := e.run(func(o *op) error {
		if re := e.place(o, order); re != nil {
			e.reject(o, order, re)
			return re
		}
		e.settle(o)
		return nil
	})
	if err == nil {
		return order, nil
	}

	re := domain.AsRejectError(err)
	if order.Status != domain.OrderStatusRejected {
		// The critical section faulted before the order could be rejected inside it.
		o := &op{}
		e.reject(o, order, re)
		e.publish(nil, o.events)
	}
	span.RecordError(re)
	span.SetStatus(codes.Error, string(re.Reason))
	return order, re
}

func (e *Engine) newOrder(req PlaceOrderRequest) *domain.Order {
	fill := req.FillType
	if fill == "" {
		fill = domain.FillTypeFillOrKill
	}
	kind := req.Type
	if kind == "" {
		kind = domain.OrderTypeMarket
	}
	return &domain.Order{
		ID:                uuid.NewString(),
		AccountID:         req.AccountID,
		InstrumentID:      req.InstrumentID,
		Type:              kind,
		FillType:          fill,
		Status:            domain.OrderStatusPlaced,
		Volume:            req.Volume,
		ExpectedOpenPrice: req.ExpectedOpenPrice,
		StopLoss:          req.StopLoss,
		TakeProfit:        req.TakeProfit,
		ValidityTo:        req.ValidityTo,
		Comment:           req.Comment,
		CreateDate:        e.timestamp(),
	}
}

// place runs inside the critical section and leaves order Active, WaitingForExecution,
// or untouched with a rejection to apply.
func (e *Engine) place(o *op, order *domain.Order) *domain.RejectError {
	account, inst, re := e.validate(order)
	if re != nil {
		return re
	}
	if re := e.checkPositionLimit(order, account); re != nil {
		return re
	}

	bid, ask := o.tx.BestPrices(order.InstrumentID)

	if order.Type == domain.OrderTypeMarket {
		if bid == nil || ask == nil {
			return withQuote(domain.NewRejectError(domain.RejectReasonNoLiquidity,
				"instrument %s has no quote", order.InstrumentID), order, bid, ask)
		}
		if re := validateStops(order, *closeSide(order.Direction(), bid, ask)); re != nil {
			return withQuote(re, order, bid, ask)
		}
		placed := order.Clone()
		if re := e.open(o, order, account, inst); re != nil {
			return re
		}
		o.emit(domain.OrderPlaced{Order: *placed}, domain.OrderActivated{Order: *order.Clone()})
		return nil
	}

	if re := validateStops(order, *order.ExpectedOpenPrice); re != nil {
		return re
	}
	if triggered(order, bid, ask) {
		placed := order.Clone()
		if re := e.open(o, order, account, inst); re != nil {
			return re
		}
		o.emit(domain.OrderPlaced{Order: *placed}, domain.OrderActivated{Order: *order.Clone()})
		return nil
	}

	order.Status = domain.OrderStatusWaitingForExecution
	e.store(order)
	countOrder(order)
	o.emit(domain.OrderPlaced{Order: *order.Clone()})
	e.logger.Info("pending order placed",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"instrument_id", order.InstrumentID,
		"type", order.Type,
		"expected_price", order.ExpectedOpenPrice.String(),
	)
	return nil
}

// validate checks everything that does not depend on the book and copies the
// account's trading context onto the order.
func (e *Engine) validate(order *domain.Order) (*domain.Account, domain.Instrument, *domain.RejectError) {
	var inst domain.Instrument

	if order.Volume.IsZero() {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidVolume, "volume must not be zero")
	}

	account, err := e.accounts.Get(order.AccountID)
	if err != nil {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidAccount, "%v", err)
	}
	if account.IsDisabled {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidAccount, "account %s is disabled", account.ID)
	}

	inst, err = e.instruments.GetInstrument(order.InstrumentID)
	if err != nil {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidInstrument, "%v", err)
	}
	if account.LegalEntity != "" && inst.LegalEntity != "" && account.LegalEntity != inst.LegalEntity {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidInstrument,
			"instrument %s is not offered to legal entity %s", inst.ID, account.LegalEntity)
	}
	if inst.TradingDisabled {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInstrumentTradingDisabled,
			"trading is disabled for %s", inst.ID)
	}

	ti, err := e.instruments.GetTradingInstrument(account.TradingConditionID, inst.ID)
	if err != nil {
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidInstrument, "%v", err)
	}

	if order.Direction() == domain.DirectionSell && inst.ShortPositionsDisabled {
		return nil, inst, domain.NewRejectError(domain.RejectReasonShortPositionsDisabled,
			"short positions are disabled for %s", inst.ID)
	}

	volume := order.AbsVolume()
	if ti.DealMinLimit.IsPositive() && volume.LessThan(ti.DealMinLimit) {
		return nil, inst, domain.NewRejectError(domain.RejectReasonMinOrderSizeLimit, "volume below minimum").
			With("volume", volume).
			With("min_limit", ti.DealMinLimit)
	}
	if ti.DealMaxLimit.IsPositive() && volume.GreaterThan(ti.DealMaxLimit) {
		return nil, inst, domain.NewRejectError(domain.RejectReasonMaxOrderSizeLimit, "volume above maximum").
			With("volume", volume).
			With("max_limit", ti.DealMaxLimit)
	}

	switch order.Type {
	case domain.OrderTypeMarket:
		order.ExpectedOpenPrice = nil
	case domain.OrderTypeLimit, domain.OrderTypeStop:
		if order.ExpectedOpenPrice == nil || !order.ExpectedOpenPrice.IsPositive() {
			return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidExpectedOpenPrice,
				"%s order needs a positive expected open price", order.Type)
		}
	default:
		return nil, inst, domain.NewRejectError(domain.RejectReasonInvalidExpectedOpenPrice,
			"unknown order type %q", order.Type)
	}

	order.ClientID = account.ClientID
	order.TradingConditionID = account.TradingConditionID
	order.LegalEntity = account.LegalEntity
	order.AccountAssetID = account.BaseAssetID
	order.AssetAccuracy = inst.Accuracy
	return account, inst, nil
}

// checkPositionLimit caps the account's total exposure on the instrument, pending orders included.
func (e *Engine) checkPositionLimit(order *domain.Order, account *domain.Account) *domain.RejectError {
	ti, err := e.instruments.GetTradingInstrument(account.TradingConditionID, order.InstrumentID)
	if err != nil {
		return domain.NewRejectError(domain.RejectReasonInvalidInstrument, "%v", err)
	}
	if !ti.PositionLimit.IsPositive() {
		return nil
	}

	exposure := order.AbsVolume()
	for _, existing := range e.orders.ByAccount(account.ID) {
		if existing.InstrumentID == order.InstrumentID && existing.ID != order.ID {
			exposure = exposure.Add(existing.AbsVolume())
		}
	}
	if exposure.GreaterThan(ti.PositionLimit) {
		return domain.NewRejectError(domain.RejectReasonMaxPositionLimit, "position limit exceeded").
			With("exposure", exposure).
			With("position_limit", ti.PositionLimit)
	}
	return nil
}

// open matches order against the book and turns it into a position. Nothing is
// committed unless the projected account stays at Normal with non-negative free margin.
func (e *Engine) open(o *op, order *domain.Order, account *domain.Account, inst domain.Instrument) *domain.RejectError {
	bid, ask := o.tx.BestPrices(order.InstrumentID)

	res, err := o.tx.MatchForOpen(order)
	if err != nil {
		if errors.Is(err, matching.ErrNoLiquidity) {
			return withQuote(domain.NewRejectError(domain.RejectReasonNoLiquidity, "%v", err), order, bid, ask)
		}
		return domain.AsRejectError(err)
	}

	openPrice, err := res.Price(inst.Accuracy)
	if err != nil {
		return domain.NewRejectError(domain.RejectReasonTechnicalError, "open price: %v", err)
	}

	candidate := order.Clone()
	candidate.Status = domain.OrderStatusActive
	candidate.Volume = signed(res.Volume, order.Direction())
	candidate.OpenPrice = openPrice
	if price := closeSide(order.Direction(), bid, ask); price != nil {
		candidate.ClosePrice = *price
	}
	candidate.Touch()

	commission, err := e.calc.CommissionFor(candidate, account, openPrice)
	if err != nil {
		return domain.NewRejectError(domain.RejectReasonTechnicalError, "commission: %v", err)
	}

	candidate.OpenCommission = commission

	// Same risk function as the live recompute, with the candidate as one more position.
	positions := append(e.orders.Positions(account.ID), candidate.Clone())
	risk, err := e.calc.AccountRisk(account.Clone(), positions)
	if err != nil {
		return domain.NewRejectError(domain.RejectReasonTechnicalError, "margin projection: %v", err)
	}
	if risk.FreeMargin.IsNegative() {
		return domain.NewRejectError(domain.RejectReasonNotEnoughBalance, "not enough free margin").
			With("free_margin", risk.FreeMargin).
			With("margin_init", risk.MarginInit).
			With("balance", account.Balance).
			With("open_price", openPrice)
	}
	if risk.Level != domain.AccountLevelNormal {
		return domain.NewRejectError(domain.RejectReasonAccountInvalidState, "position would put the account at %s", risk.Level).
			With("margin_usage", risk.MarginUsageLevel).
			With("used_margin", risk.UsedMargin).
			With("total_capital", risk.TotalCapital)
	}

	if err := res.Commit(); err != nil {
		return domain.NewRejectError(domain.RejectReasonTechnicalError, "commit match: %v", err)
	}

	now := e.timestamp()
	order.Status = domain.OrderStatusActive
	order.Volume = candidate.Volume
	order.OpenPrice = openPrice
	order.ClosePrice = candidate.ClosePrice
	order.MatchedOrders = res.Fills
	order.OpenMatchingEngineID = res.MatchingEngineID
	order.OpenDate = &now
	order.SwapsChargedUntil = now
	order.OpenCommission = commission
	order.Touch()
	if err := e.calc.Calculate(order, account); err != nil {
		e.logger.Error("failed to calculate opened position", "order_id", order.ID, "error", err)
	}

	e.store(order)
	countOrder(order)
	o.touch(order.AccountID)

	e.logger.Info("position opened",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"instrument_id", order.InstrumentID,
		"volume", order.Volume.String(),
		"open_price", openPrice.String(),
		"fills", len(res.Fills),
	)
	return nil
}

// reject finalizes order as Rejected. Account state is never touched.
func (e *Engine) reject(o *op, order *domain.Order, re *domain.RejectError) {
	order.Status = domain.OrderStatusRejected
	order.RejectReason = re.Reason
	order.RejectReasonText = re.Error()
	e.finish(order)
	countOrder(order)

	o.emit(domain.OrderRejected{Order: *order.Clone(), Context: re.Context})
	e.logger.Warn("order rejected",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"instrument_id", order.InstrumentID,
		"reason", re.Reason,
		"detail", re.Detail,
	)
}

// validateStops checks SL and TP against the price the position would close at.
func validateStops(order *domain.Order, reference decimal.Decimal) *domain.RejectError {
	buy := order.Direction() == domain.DirectionBuy

	if sl := order.StopLoss; sl != nil {
		if !sl.IsPositive() || (buy && sl.GreaterThanOrEqual(reference)) || (!buy && sl.LessThanOrEqual(reference)) {
			return domain.NewRejectError(domain.RejectReasonInvalidStoploss, "stop loss on the wrong side of the price").
				With("stop_loss", *sl).
				With("reference_price", reference).
				WithString("direction", string(order.Direction()))
		}
	}
	if tp := order.TakeProfit; tp != nil {
		if !tp.IsPositive() || (buy && tp.LessThanOrEqual(reference)) || (!buy && tp.GreaterThanOrEqual(reference)) {
			return domain.NewRejectError(domain.RejectReasonInvalidTakeProfit, "take profit on the wrong side of the price").
				With("take_profit", *tp).
				With("reference_price", reference).
				WithString("direction", string(order.Direction()))
		}
	}
	return nil
}

// triggered reports whether a pending order's expected price is reached.
func triggered(order *domain.Order, bid, ask *decimal.Decimal) bool {
	if order.ExpectedOpenPrice == nil {
		return false
	}
	expected := *order.ExpectedOpenPrice
	buy := order.Direction() == domain.DirectionBuy

	switch {
	case order.Type == domain.OrderTypeLimit && buy:
		return ask != nil && ask.LessThanOrEqual(expected)
	case order.Type == domain.OrderTypeLimit:
		return bid != nil && bid.GreaterThanOrEqual(expected)
	case order.Type == domain.OrderTypeStop && buy:
		return ask != nil && ask.GreaterThanOrEqual(expected)
	case order.Type == domain.OrderTypeStop:
		return bid != nil && bid.LessThanOrEqual(expected)
	default:
		return false
	}
}

// closeSide is the price a position of the given direction closes at: bid for a buy.
func closeSide(d domain.Direction, bid, ask *decimal.Decimal) *decimal.Decimal {
	if d == domain.DirectionBuy {
		return bid
	}
	return ask
}

func signed(volume decimal.Decimal, d domain.Direction) decimal.Decimal {
	if d == domain.DirectionSell {
		return volume.Abs().Neg()
	}
	return volume.Abs()
}

func withQuote(re *domain.RejectError, order *domain.Order, bid, ask *decimal.Decimal) *domain.RejectError {
	re.WithString("instrument", order.InstrumentID).
		With("requested_volume", order.AbsVolume())
	if order.ExpectedOpenPrice != nil {
		re.With("requested_price", *order.ExpectedOpenPrice)
	}
	if bid != nil {
		re.With("bid", *bid)
	}
	if ask != nil {
		re.With("ask", *ask)
	}
	return re
}
