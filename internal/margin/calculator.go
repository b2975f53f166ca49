package margin

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/orderbook"
)

const (
	// rateScale is the number of decimal places kept for intermediate quotients
	// before the final rounding to an asset accuracy.
	rateScale = 10

	usageScale = 4
)

var hundred = decimal.NewFromInt(100)

// InstrumentProvider is the read side of the instrument reference data.
type InstrumentProvider interface {
	GetInstrument(id string) (domain.Instrument, error)
	GetTradingInstrument(conditionID, instrumentID string) (domain.TradingInstrument, error)
}

// TradingConditionProvider is the read side of the trading conditions.
type TradingConditionProvider interface {
	GetTradingCondition(id string) (domain.TradingCondition, error)
}

// Margin returns round(|volume| × price × fx / leverage, accuracy).
func Margin(volume, price, fx, leverage decimal.Decimal, accuracy int32) (decimal.Decimal, error) {
	if leverage.IsZero() {
		return decimal.Zero, fmt.Errorf("leverage: %w", ErrDivisionByZero)
	}
	notional := volume.Abs().Mul(price).Mul(fx)
	return notional.DivRound(leverage, rateScale).Round(accuracy), nil
}

// PnL returns round((close − open) × volume × fx, accuracy). A signed volume makes
// a falling price profitable for a sell.
func PnL(openPrice, closePrice, volume, fx decimal.Decimal, accuracy int32) decimal.Decimal {
	return closePrice.Sub(openPrice).Mul(volume).Mul(fx).Round(accuracy)
}

// Commission returns round(|volume| × price × rate × fx, accuracy).
func Commission(volume, price, rate, fx decimal.Decimal, accuracy int32) decimal.Decimal {
	return volume.Abs().Mul(price).Mul(rate).Mul(fx).Round(accuracy)
}

// Calculator computes position and account risk figures.
type Calculator struct {
	fx          *FxRates
	instruments InstrumentProvider
	conditions  TradingConditionProvider
}

// NewCalculator creates a calculator.
func NewCalculator(fx *FxRates, instruments InstrumentProvider, conditions TradingConditionProvider) *Calculator {
	return &Calculator{fx: fx, instruments: instruments, conditions: conditions}
}

// positionContext bundles the reference data one position needs.
type positionContext struct {
	instrument domain.Instrument
	trading    domain.TradingInstrument
	condition  domain.TradingCondition
	fx         decimal.Decimal
}

func (c *Calculator) load(order *domain.Order, account *domain.Account) (positionContext, error) {
	var pc positionContext

	inst, err := c.instruments.GetInstrument(order.InstrumentID)
	if err != nil {
		return pc, err
	}
	ti, err := c.instruments.GetTradingInstrument(account.TradingConditionID, order.InstrumentID)
	if err != nil {
		return pc, err
	}
	cond, err := c.conditions.GetTradingCondition(account.TradingConditionID)
	if err != nil {
		return pc, err
	}
	fx, err := c.fx.Rate(inst.QuoteAssetID, account.BaseAssetID, account.LegalEntity)
	if err != nil {
		return pc, err
	}

	return positionContext{instrument: inst, trading: ti, condition: cond, fx: fx}, nil
}

// Calculate recomputes the position's FplData unconditionally. Margin is valued at the
// position's close price, falling back to the open price before the first tick.
func (c *Calculator) Calculate(order *domain.Order, account *domain.Account) error {
	pc, err := c.load(order, account)
	if err != nil {
		return err
	}

	acc := pc.condition.BaseAssetAccuracy
	price := order.ClosePrice
	if price.IsZero() {
		price = order.OpenPrice
	}

	// A partially closed position keeps margin only for what is still open.
	open := order.Volume
	fpl := decimal.Zero
	if order.Status == domain.OrderStatusClosing && len(order.MatchedCloseOrders) > 0 {
		open = withSign(order.RemainingCloseVolume(), order.Volume)
		matchedPrice, err := orderbook.WeightedAveragePrice(order.MatchedCloseOrders, pc.instrument.Accuracy)
		if err != nil {
			return fmt.Errorf("order %s close fills: %w", order.ID, err)
		}
		fpl = PnL(order.OpenPrice, matchedPrice, withSign(order.MatchedCloseVolume(), order.Volume), pc.fx, acc)
	}

	initMargin, err := Margin(open, price, pc.fx, pc.trading.LeverageInit, acc)
	if err != nil {
		return fmt.Errorf("order %s init margin: %w", order.ID, err)
	}
	maintenance, err := Margin(open, price, pc.fx, pc.trading.LeverageMaintenance, acc)
	if err != nil {
		return fmt.Errorf("order %s maintenance margin: %w", order.ID, err)
	}

	if !order.ClosePrice.IsZero() && !open.IsZero() {
		fpl = fpl.Add(PnL(order.OpenPrice, order.ClosePrice, open, pc.fx, acc))
	}

	openCross := order.FplData.OpenCrossPrice
	if openCross.IsZero() {
		openCross = pc.fx
	}

	order.FplData = domain.FplData{
		Fpl:                      fpl,
		InitialMargin:            initMargin,
		MarginMaintenance:        maintenance,
		OpenCrossPrice:           openCross,
		CloseCrossPrice:          pc.fx,
		AccountBaseAssetAccuracy: acc,
		CalculatedVersion:        order.Version,
	}
	return nil
}

func withSign(volume, like decimal.Decimal) decimal.Decimal {
	if like.IsNegative() {
		return volume.Abs().Neg()
	}
	return volume.Abs()
}

// Costs returns what a position has been charged but not yet realised: open
// commission plus accrued swaps.
func Costs(order *domain.Order) decimal.Decimal {
	return order.OpenCommission.Add(order.SwapCommission)
}

// Ensure recomputes FplData only when the order changed since the last calculation.
func (c *Calculator) Ensure(order *domain.Order, account *domain.Account) error {
	if !order.IsFplStale() {
		return nil
	}
	return c.Calculate(order, account)
}

// AccountRisk rebuilds the account's risk figures from all of its open positions.
// Total capital is balance plus floating PnL minus each position's Costs.
// Positions are updated in place with fresh FplData.
func (c *Calculator) AccountRisk(account *domain.Account, positions []*domain.Order) (domain.AccountRisk, error) {
	cond, err := c.conditions.GetTradingCondition(account.TradingConditionID)
	if err != nil {
		return domain.AccountRisk{}, err
	}

	risk := domain.AccountRisk{
		UsedMargin: decimal.Zero,
		MarginInit: decimal.Zero,
		PnL:        decimal.Zero,
		Costs:      decimal.Zero,
		Version:    account.Risk.Version + 1,
	}
	for _, pos := range positions {
		if err := c.Ensure(pos, account); err != nil {
			return domain.AccountRisk{}, fmt.Errorf("account %s position %s: %w", account.ID, pos.ID, err)
		}
		risk.UsedMargin = risk.UsedMargin.Add(pos.FplData.MarginMaintenance)
		risk.MarginInit = risk.MarginInit.Add(pos.FplData.InitialMargin)
		risk.PnL = risk.PnL.Add(pos.FplData.Fpl)
		risk.Costs = risk.Costs.Add(Costs(pos))
		risk.OpenPositionsCount++
	}

	risk.TotalCapital = account.Balance.Add(risk.PnL).Sub(risk.Costs)
	risk.FreeMargin = risk.TotalCapital.Sub(risk.MarginInit)
	risk.MarginUsageLevel = MarginUsage(risk.UsedMargin, risk.TotalCapital)
	risk.Level = Level(risk, cond)
	return risk, nil
}

// MarginUsage returns usedMargin / totalCapital in percent. A non-positive capital
// yields zero; Level treats that case separately.
func MarginUsage(usedMargin, totalCapital decimal.Decimal) decimal.Decimal {
	if !totalCapital.IsPositive() {
		return decimal.Zero
	}
	return usedMargin.Mul(hundred).DivRound(totalCapital, usageScale)
}

// Level maps risk figures to an account level.
func Level(risk domain.AccountRisk, cond domain.TradingCondition) domain.AccountLevel {
	if risk.OpenPositionsCount == 0 || !risk.UsedMargin.IsPositive() {
		return domain.AccountLevelNormal
	}
	if !risk.TotalCapital.IsPositive() {
		return domain.AccountLevelStopOut
	}
	switch {
	case risk.MarginUsageLevel.GreaterThanOrEqual(cond.StopOutPercent):
		return domain.AccountLevelStopOut
	case risk.MarginUsageLevel.GreaterThanOrEqual(cond.MarginCallPercent):
		return domain.AccountLevelMarginCall
	default:
		return domain.AccountLevelNormal
	}
}

// CommissionFor returns the commission for trading volume of order at price, in the account asset.
func (c *Calculator) CommissionFor(order *domain.Order, account *domain.Account, price decimal.Decimal) (decimal.Decimal, error) {
	pc, err := c.load(order, account)
	if err != nil {
		return decimal.Zero, err
	}
	return Commission(order.Volume, price, pc.trading.CommissionRate, pc.fx, pc.condition.BaseAssetAccuracy), nil
}
