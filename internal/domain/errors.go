package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RejectReason is the typed cause of an order rejection.
type RejectReason string

const (
	RejectReasonNone                      RejectReason = ""
	RejectReasonInvalidVolume             RejectReason = "InvalidVolume"
	RejectReasonInvalidInstrument         RejectReason = "InvalidInstrument"
	RejectReasonInvalidAccount            RejectReason = "InvalidAccount"
	RejectReasonInvalidExpectedOpenPrice  RejectReason = "InvalidExpectedOpenPrice"
	RejectReasonInvalidStoploss           RejectReason = "InvalidStoploss"
	RejectReasonInvalidTakeProfit         RejectReason = "InvalidTakeProfit"
	RejectReasonMinOrderSizeLimit         RejectReason = "MinOrderSizeLimit"
	RejectReasonMaxOrderSizeLimit         RejectReason = "MaxOrderSizeLimit"
	RejectReasonMaxPositionLimit          RejectReason = "MaxPositionLimit"
	RejectReasonShortPositionsDisabled    RejectReason = "ShortPositionsDisabled"
	RejectReasonNoLiquidity               RejectReason = "NoLiquidity"
	RejectReasonNotEnoughBalance          RejectReason = "NotEnoughBalance"
	RejectReasonAccountInvalidState       RejectReason = "AccountInvalidState"
	RejectReasonInstrumentTradingDisabled RejectReason = "InstrumentTradingDisabled"
	RejectReasonTechnicalError            RejectReason = "TechnicalError"
)

// RejectError carries the reason code of a rejection together with the
// values needed to explain it without log correlation.
type RejectError struct {
	Reason  RejectReason
	Detail  string
	Context map[string]string
}

// NewRejectError creates a RejectError with an optional formatted detail.
func NewRejectError(reason RejectReason, format string, args ...any) *RejectError {
	return &RejectError{
		Reason:  reason,
		Detail:  fmt.Sprintf(format, args...),
		Context: make(map[string]string),
	}
}

// With attaches a context value and returns the error for chaining.
func (e *RejectError) With(key string, value fmt.Stringer) *RejectError {
	if value != nil {
		e.Context[key] = value.String()
	}
	return e
}

// WithString attaches a plain string context value.
func (e *RejectError) WithString(key, value string) *RejectError {
	e.Context[key] = value
	return e
}

func (e *RejectError) Error() string {
	if len(e.Context) == 0 {
		return string(e.Reason) + ": " + e.Detail
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Context[k])
	}
	return string(e.Reason) + ": " + e.Detail + " [" + strings.Join(parts, " ") + "]"
}

// AsRejectError extracts a RejectError from err. Any other error becomes a TechnicalError.
func AsRejectError(err error) *RejectError {
	if err == nil {
		return nil
	}
	var re *RejectError
	if errors.As(err, &re) {
		return re
	}
	return NewRejectError(RejectReasonTechnicalError, "%v", err)
}

var (
	// ErrOrderNotFound is returned when no live order has the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAccountNotFound is returned when the account lookup fails.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInstrumentNotFound is returned when the instrument lookup fails.
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrTradingConditionNotFound is returned when the trading condition lookup fails.
	ErrTradingConditionNotFound = errors.New("trading condition not found")

	// ErrTradingInstrumentNotFound is returned when an instrument is not configured for a trading condition.
	ErrTradingInstrumentNotFound = errors.New("trading instrument not found")

	// ErrQuoteNotFound is returned when an instrument has no quote.
	ErrQuoteNotFound = errors.New("quote not found")

	// ErrInvalidStatus is returned when an operation does not apply to the order's current status.
	ErrInvalidStatus = errors.New("invalid order status for operation")

	// ErrSnapshotNotFound is returned by repositories when nothing was saved yet.
	ErrSnapshotNotFound = errors.New("order book snapshot not found")
)
