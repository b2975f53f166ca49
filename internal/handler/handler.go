package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/trading"
)

// Trading is the order and account surface of the trading engine.
type Trading interface {
	PlaceOrder(ctx context.Context, req trading.PlaceOrderRequest) (*domain.Order, error)
	CancelPendingOrder(ctx context.Context, id string, reason domain.CloseReason) (*domain.Order, error)
	CloseActiveOrder(ctx context.Context, id string, reason domain.CloseReason) (*domain.Order, error)
	ChangeOrderLimits(ctx context.Context, id string, stopLoss, takeProfit *decimal.Decimal) (*domain.Order, error)
	SetMarketMakerQuotes(ctx context.Context, batch domain.MarketMakerQuotes) error
	GetOrder(id string) (*domain.Order, error)
	GetAccount(id string) (*domain.Account, error)
	AccountOrders(accountID string) ([]*domain.Order, error)
}

// Books exposes aggregated book depth.
type Books interface {
	Levels(instrumentID string, depth int) *domain.L2OrderBook
}

// Quotes exposes the current quote and its recent history.
type Quotes interface {
	GetQuote(instrumentID string) (domain.Quote, error)
	History(instrumentID string, n int) []domain.Quote
}

// Handler holds the HTTP handler dependencies.
type Handler struct {
	trading Trading
	books   Books
	quotes  Quotes
}

// NewHandler creates a new Handler.
func NewHandler(t Trading, books Books, quotes Quotes) *Handler {
	return &Handler{trading: t, books: books, quotes: quotes}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.GET("/orders/:id", h.GetOrder)
		v1.DELETE("/orders/:id", h.CancelOrder)
		v1.POST("/orders/:id/close", h.CloseOrder)
		v1.PUT("/orders/:id/limits", h.ChangeLimits)

		v1.GET("/accounts/:id", h.GetAccount)
		v1.GET("/accounts/:id/orders", h.GetAccountOrders)

		v1.POST("/quotes", h.SetQuotes)
		v1.GET("/marketdata/orderbook/:instrument", h.GetOrderBook)
		v1.GET("/marketdata/quotes/:instrument", h.GetQuotes)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "margin-trading",
	})
}

// PlaceOrderRequest is the request body for placing an order.
type PlaceOrderRequest struct {
	AccountID         string           `json:"account_id" binding:"required"`
	InstrumentID      string           `json:"instrument_id" binding:"required"`
	Type              domain.OrderType `json:"type"`
	FillType          domain.FillType  `json:"fill_type"`
	Volume            decimal.Decimal  `json:"volume"`
	ExpectedOpenPrice *decimal.Decimal `json:"expected_open_price,omitempty"`
	StopLoss          *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit        *decimal.Decimal `json:"take_profit,omitempty"`
	ValidityTo        *time.Time       `json:"validity_to,omitempty"`
	Comment           string           `json:"comment,omitempty"`
}

// PlaceOrder handles POST /v1/orders. A rejected order is returned with 422 and its reason.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Type {
	case "", domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be 'market', 'limit' or 'stop'"})
		return
	}
	switch req.FillType {
	case "", domain.FillTypeFillOrKill, domain.FillTypePartialFill:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "fill_type must be 'fill_or_kill' or 'partial_fill'"})
		return
	}

	order, err := h.trading.PlaceOrder(c.Request.Context(), trading.PlaceOrderRequest{
		AccountID:         req.AccountID,
		InstrumentID:      req.InstrumentID,
		Type:              req.Type,
		FillType:          req.FillType,
		Volume:            req.Volume,
		ExpectedOpenPrice: req.ExpectedOpenPrice,
		StopLoss:          req.StopLoss,
		TakeProfit:        req.TakeProfit,
		ValidityTo:        req.ValidityTo,
		Comment:           req.Comment,
	})
	if err != nil {
		writeError(c, order, err)
		return
	}

	status := http.StatusCreated
	if order.Status == domain.OrderStatusWaitingForExecution {
		status = http.StatusAccepted
	}
	c.JSON(status, order)
}

// GetOrder handles GET /v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.trading.GetOrder(c.Param("id"))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder handles DELETE /v1/orders/:id.
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.trading.CancelPendingOrder(c.Request.Context(), c.Param("id"), domain.CloseReasonCanceled)
	if err != nil {
		writeError(c, order, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CloseOrder handles POST /v1/orders/:id/close. A position that cannot be fully
// matched yet stays closing and is answered with 202.
func (h *Handler) CloseOrder(c *gin.Context) {
	order, err := h.trading.CloseActiveOrder(c.Request.Context(), c.Param("id"), domain.CloseReasonClose)
	if err != nil {
		writeError(c, order, err)
		return
	}
	if order.Status == domain.OrderStatusClosing {
		c.JSON(http.StatusAccepted, order)
		return
	}
	c.JSON(http.StatusOK, order)
}

// ChangeLimitsRequest replaces both limits; an omitted limit is removed.
type ChangeLimitsRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

// ChangeLimits handles PUT /v1/orders/:id/limits.
func (h *Handler) ChangeLimits(c *gin.Context) {
	var req ChangeLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.trading.ChangeOrderLimits(c.Request.Context(), c.Param("id"), req.StopLoss, req.TakeProfit)
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetAccount handles GET /v1/accounts/:id.
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.trading.GetAccount(c.Param("id"))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// GetAccountOrders handles GET /v1/accounts/:id/orders.
func (h *Handler) GetAccountOrders(c *gin.Context) {
	orders, err := h.trading.AccountOrders(c.Param("id"))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

// SetQuotes handles POST /v1/quotes with one market-maker batch.
func (h *Handler) SetQuotes(c *gin.Context) {
	var batch domain.MarketMakerQuotes
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for i := range batch.Orders {
		if batch.Orders[i].InstrumentID == "" {
			batch.Orders[i].InstrumentID = batch.InstrumentID
		}
		if batch.Orders[i].MarketMakerID == "" {
			batch.Orders[i].MarketMakerID = batch.MarketMakerID
		}
	}

	if err := h.trading.SetMarketMakerQuotes(c.Request.Context(), batch); err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// GetOrderBook handles GET /v1/marketdata/orderbook/:instrument.
func (h *Handler) GetOrderBook(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "10"))
	if err != nil || depth < 0 {
		depth = 10
	}
	c.JSON(http.StatusOK, h.books.Levels(c.Param("instrument"), depth))
}

// GetQuotes handles GET /v1/marketdata/quotes/:instrument.
func (h *Handler) GetQuotes(c *gin.Context) {
	instrumentID := c.Param("instrument")
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count <= 0 {
		count = 100
	}

	history := h.quotes.History(instrumentID, count)
	if history == nil {
		history = []domain.Quote{}
	}
	resp := gin.H{"instrument_id": instrumentID, "history": history}
	if q, err := h.quotes.GetQuote(instrumentID); err == nil {
		resp["quote"] = q
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps engine errors to HTTP statuses.
func writeError(c *gin.Context, order *domain.Order, err error) {
	var re *domain.RejectError
	switch {
	case errors.As(err, &re):
		body := gin.H{
			"error":   re.Error(),
			"reason":  re.Reason,
			"context": re.Context,
		}
		if order != nil {
			body["order"] = order
		}
		status := http.StatusUnprocessableEntity
		if re.Reason == domain.RejectReasonTechnicalError {
			status = http.StatusInternalServerError
		}
		c.JSON(status, body)
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrInstrumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
