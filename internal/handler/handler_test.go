package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/marketdata"
	"github.com/nathanyu/margin-trading/internal/trading"
)

type fakeTrading struct {
	placed   []trading.PlaceOrderRequest
	place    func(req trading.PlaceOrderRequest) (*domain.Order, error)
	orders   map[string]*domain.Order
	accounts map[string]*domain.Account
	batches  []domain.MarketMakerQuotes
	limits   [2]*decimal.Decimal
}

func newFakeTrading() *fakeTrading {
	return &fakeTrading{
		orders:   make(map[string]*domain.Order),
		accounts: make(map[string]*domain.Account),
	}
}

func (f *fakeTrading) PlaceOrder(_ context.Context, req trading.PlaceOrderRequest) (*domain.Order, error) {
	f.placed = append(f.placed, req)
	return f.place(req)
}

func (f *fakeTrading) lookup(id string) (*domain.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return order, nil
}

func (f *fakeTrading) CancelPendingOrder(_ context.Context, id string, reason domain.CloseReason) (*domain.Order, error) {
	order, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusClosed
	order.CloseReason = reason
	return order, nil
}

func (f *fakeTrading) CloseActiveOrder(_ context.Context, id string, reason domain.CloseReason) (*domain.Order, error) {
	order, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusActive {
		return nil, fmt.Errorf("close order %s: %w", id, domain.ErrInvalidStatus)
	}
	order.Status = domain.OrderStatusClosing
	order.CloseReason = reason
	return order, nil
}

func (f *fakeTrading) ChangeOrderLimits(_ context.Context, id string, sl, tp *decimal.Decimal) (*domain.Order, error) {
	order, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	f.limits = [2]*decimal.Decimal{sl, tp}
	order.StopLoss, order.TakeProfit = sl, tp
	return order, nil
}

func (f *fakeTrading) SetMarketMakerQuotes(_ context.Context, batch domain.MarketMakerQuotes) error {
	if batch.InstrumentID == "UNKNOWN" {
		return fmt.Errorf("instrument %s: %w", batch.InstrumentID, domain.ErrInstrumentNotFound)
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeTrading) GetOrder(id string) (*domain.Order, error) {
	return f.lookup(id)
}

func (f *fakeTrading) GetAccount(id string) (*domain.Account, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	return acc, nil
}

func (f *fakeTrading) AccountOrders(accountID string) ([]*domain.Order, error) {
	if _, err := f.GetAccount(accountID); err != nil {
		return nil, err
	}
	return nil, nil
}

type fakeBooks struct{ depth int }

func (b *fakeBooks) Levels(instrumentID string, depth int) *domain.L2OrderBook {
	b.depth = depth
	return &domain.L2OrderBook{
		InstrumentID: instrumentID,
		Bids:         []domain.OrderBookLevel{{InstrumentID: instrumentID, Direction: domain.DirectionBuy, Price: decimal.RequireFromString("1.2040"), Volume: decimal.NewFromInt(5)}},
		Asks:         []domain.OrderBookLevel{},
	}
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeTrading, *fakeBooks, *marketdata.QuoteCache) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tr := newFakeTrading()
	books := &fakeBooks{}
	quotes := marketdata.NewQuoteCache()

	r := gin.New()
	NewHandler(tr, books, quotes).RegisterRoutes(r)
	return r, tr, books, quotes
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	w := doJSON(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "margin-trading")
}

func TestPlaceOrder_Active(t *testing.T) {
	r, tr, _, _ := setupRouter(t)
	tr.place = func(req trading.PlaceOrderRequest) (*domain.Order, error) {
		return &domain.Order{ID: "o1", AccountID: req.AccountID, Volume: req.Volume, Status: domain.OrderStatusActive}, nil
	}

	w := doJSON(r, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":    "a1",
		"instrument_id": "EURUSD",
		"volume":        "-1.5",
		"stop_loss":     "1.3",
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, tr.placed, 1)
	assert.True(t, tr.placed[0].Volume.Equal(decimal.RequireFromString("-1.5")))
	require.NotNil(t, tr.placed[0].StopLoss)
	assert.True(t, tr.placed[0].StopLoss.Equal(decimal.RequireFromString("1.3")))
	assert.Nil(t, tr.placed[0].TakeProfit)
}

func TestPlaceOrder_Pending(t *testing.T) {
	r, tr, _, _ := setupRouter(t)
	tr.place = func(req trading.PlaceOrderRequest) (*domain.Order, error) {
		return &domain.Order{ID: "o1", Status: domain.OrderStatusWaitingForExecution}, nil
	}

	validity := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	w := doJSON(r, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":          "a1",
		"instrument_id":       "EURUSD",
		"type":                "limit",
		"volume":              1,
		"expected_open_price": "1.1",
		"validity_to":         validity,
	})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, domain.OrderTypeLimit, tr.placed[0].Type)
	require.NotNil(t, tr.placed[0].ValidityTo)
	assert.True(t, tr.placed[0].ValidityTo.Equal(validity))
}

func TestPlaceOrder_Rejected(t *testing.T) {
	r, tr, _, _ := setupRouter(t)
	tr.place = func(req trading.PlaceOrderRequest) (*domain.Order, error) {
		re := domain.NewRejectError(domain.RejectReasonNotEnoughBalance, "free margin below zero").
			WithString("instrument", req.InstrumentID)
		return &domain.Order{ID: "o1", Status: domain.OrderStatusRejected, RejectReason: re.Reason}, re
	}

	w := doJSON(r, http.MethodPost, "/v1/orders", map[string]any{
		"account_id":    "a1",
		"instrument_id": "EURUSD",
		"volume":        "1",
	})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body struct {
		Reason  domain.RejectReason `json:"reason"`
		Context map[string]string   `json:"context"`
		Order   domain.Order        `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.RejectReasonNotEnoughBalance, body.Reason)
	assert.Equal(t, "EURUSD", body.Context["instrument"])
	assert.Equal(t, domain.OrderStatusRejected, body.Order.Status)
}

func TestPlaceOrder_BadRequest(t *testing.T) {
	r, tr, _, _ := setupRouter(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing account", map[string]any{"instrument_id": "EURUSD", "volume": "1"}},
		{"unknown type", map[string]any{"account_id": "a1", "instrument_id": "EURUSD", "volume": "1", "type": "iceberg"}},
		{"unknown fill type", map[string]any{"account_id": "a1", "instrument_id": "EURUSD", "volume": "1", "fill_type": "all"}},
		{"bad volume", map[string]any{"account_id": "a1", "instrument_id": "EURUSD", "volume": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, tr.placed)
}

func TestOrderLifecycleRoutes(t *testing.T) {
	r, tr, _, _ := setupRouter(t)
	tr.orders["p1"] = &domain.Order{ID: "p1", Status: domain.OrderStatusWaitingForExecution}
	tr.orders["a1"] = &domain.Order{ID: "a1", Status: domain.OrderStatusActive}

	w := doJSON(r, http.MethodGet, "/v1/orders/p1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodDelete, "/v1/orders/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.CloseReasonCanceled, tr.orders["p1"].CloseReason)

	w = doJSON(r, http.MethodPost, "/v1/orders/a1/close", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, domain.CloseReasonClose, tr.orders["a1"].CloseReason)

	w = doJSON(r, http.MethodPost, "/v1/orders/a1/close", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestChangeLimits(t *testing.T) {
	r, tr, _, _ := setupRouter(t)
	tr.orders["a1"] = &domain.Order{ID: "a1", Status: domain.OrderStatusActive}

	w := doJSON(r, http.MethodPut, "/v1/orders/a1/limits", map[string]any{"take_profit": "1.25"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, tr.limits[0])
	require.NotNil(t, tr.limits[1])
	assert.True(t, tr.limits[1].Equal(decimal.RequireFromString("1.25")))
}

func TestAccountRoutes(t *testing.T) {
	r, tr, _, _ := setupRouter(t)
	tr.accounts["acc1"] = &domain.Account{ID: "acc1", Balance: decimal.NewFromInt(1000)}

	w := doJSON(r, http.MethodGet, "/v1/accounts/acc1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/accounts/acc1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = doJSON(r, http.MethodGet, "/v1/accounts/nope/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetQuotes(t *testing.T) {
	r, tr, _, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/quotes", map[string]any{
		"market_maker_id": "mm1",
		"instrument_id":   "EURUSD",
		"orders": []map[string]any{
			{"id": "b1", "price": "1.2040", "volume": "5"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, tr.batches, 1)
	assert.Equal(t, "mm1", tr.batches[0].Orders[0].MarketMakerID)
	assert.Equal(t, "EURUSD", tr.batches[0].Orders[0].InstrumentID)

	w = doJSON(r, http.MethodPost, "/v1/quotes", map[string]any{"market_maker_id": "mm1", "instrument_id": "UNKNOWN"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarketData(t *testing.T) {
	r, _, books, quotes := setupRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/marketdata/orderbook/EURUSD?depth=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, books.depth)

	w = doJSON(r, http.MethodGet, "/v1/marketdata/quotes/EURUSD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"quote"`)

	quotes.Set(domain.Quote{
		InstrumentID: "EURUSD",
		Bid:          decimal.RequireFromString("1.2040"),
		Ask:          decimal.RequireFromString("1.2050"),
		Timestamp:    time.Now(),
	})
	w = doJSON(r, http.MethodGet, "/v1/marketdata/quotes/EURUSD?count=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Quote   *domain.Quote  `json:"quote"`
		History []domain.Quote `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Quote)
	assert.True(t, body.Quote.Ask.Equal(decimal.RequireFromString("1.2050")))
	assert.Len(t, body.History, 1)
}
