package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountLevel is the risk level of an account.
type AccountLevel string

const (
	AccountLevelNormal     AccountLevel = "normal"
	AccountLevelMarginCall AccountLevel = "margin_call"
	AccountLevelStopOut    AccountLevel = "stop_out"
)

// Severity orders levels so that StopOut > MarginCall > Normal.
func (l AccountLevel) Severity() int {
	switch l {
	case AccountLevelMarginCall:
		return 1
	case AccountLevelStopOut:
		return 2
	default:
		return 0
	}
}

// AccountRisk is the derived risk snapshot of an account.
// It is always recomputed from the open positions, never patched.
type AccountRisk struct {
	UsedMargin         decimal.Decimal `json:"used_margin"`
	MarginInit         decimal.Decimal `json:"margin_init"`
	PnL                decimal.Decimal `json:"pnl"`
	Costs              decimal.Decimal `json:"costs"` // open commissions and swaps not yet realised
	TotalCapital       decimal.Decimal `json:"total_capital"`
	FreeMargin         decimal.Decimal `json:"free_margin"`
	MarginUsageLevel   decimal.Decimal `json:"margin_usage_level"` // percent
	OpenPositionsCount int             `json:"open_positions_count"`
	Level              AccountLevel    `json:"level"`
	Version            uint64          `json:"version"`
}

// Account is a trading account. Orders reference it by id only.
type Account struct {
	ID                 string          `json:"id" yaml:"id"`
	ClientID           string          `json:"client_id" yaml:"client_id"`
	TradingConditionID string          `json:"trading_condition_id" yaml:"trading_condition_id"`
	BaseAssetID        string          `json:"base_asset_id" yaml:"base_asset_id"`
	LegalEntity        string          `json:"legal_entity" yaml:"legal_entity"`
	Balance            decimal.Decimal `json:"balance" yaml:"balance"`
	IsDisabled         bool            `json:"is_disabled" yaml:"is_disabled"`
	Risk               AccountRisk     `json:"risk" yaml:"-"`
}

// Clone returns a copy of the account. Decimal values are immutable so a shallow copy is enough.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// Instrument is a tradable asset pair.
type Instrument struct {
	ID                     string `json:"id" yaml:"id"`
	BaseAssetID            string `json:"base_asset_id" yaml:"base_asset_id"`
	QuoteAssetID           string `json:"quote_asset_id" yaml:"quote_asset_id"`
	Accuracy               int32  `json:"accuracy" yaml:"accuracy"`
	LegalEntity            string `json:"legal_entity" yaml:"legal_entity"`
	TradingDisabled        bool   `json:"trading_disabled" yaml:"trading_disabled"`
	ShortPositionsDisabled bool   `json:"short_positions_disabled" yaml:"short_positions_disabled"`
}

// TradingInstrument holds the per trading condition parameters of an instrument.
type TradingInstrument struct {
	TradingConditionID  string          `json:"trading_condition_id" yaml:"trading_condition_id"`
	InstrumentID        string          `json:"instrument_id" yaml:"instrument_id"`
	LeverageInit        decimal.Decimal `json:"leverage_init" yaml:"leverage_init"`
	LeverageMaintenance decimal.Decimal `json:"leverage_maintenance" yaml:"leverage_maintenance"`
	DealMinLimit        decimal.Decimal `json:"deal_min_limit" yaml:"deal_min_limit"`
	DealMaxLimit        decimal.Decimal `json:"deal_max_limit" yaml:"deal_max_limit"`
	PositionLimit       decimal.Decimal `json:"position_limit" yaml:"position_limit"`
	SwapLongPct         decimal.Decimal `json:"swap_long_pct" yaml:"swap_long_pct"`
	SwapShortPct        decimal.Decimal `json:"swap_short_pct" yaml:"swap_short_pct"`
	CommissionRate      decimal.Decimal `json:"commission_rate" yaml:"commission_rate"`
}

// Validate checks the leverage values used as divisors.
func (ti TradingInstrument) Validate() error {
	if !ti.LeverageInit.IsPositive() || !ti.LeverageMaintenance.IsPositive() {
		return fmt.Errorf("trading instrument %s/%s: leverage must be positive", ti.TradingConditionID, ti.InstrumentID)
	}
	if ti.DealMaxLimit.IsPositive() && ti.DealMinLimit.GreaterThan(ti.DealMaxLimit) {
		return fmt.Errorf("trading instrument %s/%s: deal min limit exceeds max limit", ti.TradingConditionID, ti.InstrumentID)
	}
	return nil
}

// TradingCondition holds the account-level risk thresholds.
type TradingCondition struct {
	ID                string          `json:"id" yaml:"id"`
	LegalEntity       string          `json:"legal_entity" yaml:"legal_entity"`
	BaseAssetAccuracy int32           `json:"base_asset_accuracy" yaml:"base_asset_accuracy"`
	MarginCallPercent decimal.Decimal `json:"margin_call_percent" yaml:"margin_call_percent"`
	StopOutPercent    decimal.Decimal `json:"stop_out_percent" yaml:"stop_out_percent"`
}

// Validate enforces that a stop-out is strictly more severe than a margin call.
func (tc TradingCondition) Validate() error {
	if !tc.MarginCallPercent.IsPositive() {
		return fmt.Errorf("trading condition %s: margin call percent must be positive", tc.ID)
	}
	if !tc.StopOutPercent.GreaterThan(tc.MarginCallPercent) {
		return fmt.Errorf("trading condition %s: stop out percent %s must exceed margin call percent %s",
			tc.ID, tc.StopOutPercent, tc.MarginCallPercent)
	}
	return nil
}
