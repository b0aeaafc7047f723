package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/limit-market/internal/deal"
	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/ledger"
	"github.com/nathanyu/limit-market/internal/marketdata"
	"github.com/nathanyu/limit-market/internal/matching"
	"github.com/nathanyu/limit-market/internal/orderbook"
	"github.com/nathanyu/limit-market/internal/sequencer"
	"github.com/nathanyu/limit-market/internal/store"
)

const defaultCandleCount = 100

// Handler holds the HTTP handler dependencies.
type Handler struct {
	sequencer *sequencer.Sequencer
	engine    *matching.Engine
	ledger    *ledger.Ledger
	deals     *deal.Aggregator
	publisher *marketdata.Publisher
	logger    *slog.Logger
}

// NewHandler creates a new Handler. Order placement and cancellation go
// through seq; market reads go straight to engine.
func NewHandler(seq *sequencer.Sequencer, engine *matching.Engine, l *ledger.Ledger, deals *deal.Aggregator, publisher *marketdata.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sequencer: seq,
		engine:    engine,
		ledger:    l,
		deals:     deals,
		publisher: publisher,
		logger:    logger,
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/order", h.PlaceOrder)
		v1.DELETE("/order/:id", h.CancelOrder)
		v1.GET("/market/:ticker", h.GetMarket)
		v1.GET("/trades", h.GetTrades)
		v1.GET("/marketdata/candles", h.GetCandles)
		v1.POST("/accounts", h.OpenAccount)
		v1.GET("/accounts/:id", h.GetAccount)
		v1.GET("/positions", h.GetPosition)
		v1.GET("/deals", h.GetDeals)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "limit-market",
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrder), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, sequencer.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// PlaceOrderRequest is the request body for placing an order. Type defaults
// to LIMIT.
type PlaceOrderRequest struct {
	Account   uuid.UUID        `json:"account" binding:"required"`
	Ticker    domain.Ticker    `json:"ticker" binding:"required"`
	Type      domain.OrderType `json:"type"`
	Direction domain.Direction `json:"direction" binding:"required"`
	Price     decimal.Decimal  `json:"price"`
	Quantity  int64            `json:"quantity"`
}

// PlaceOrder handles POST /v1/order.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeLimit
	}

	result, err := h.sequencer.Submit(c.Request.Context(), domain.Order{
		Account:   req.Account,
		Ticker:    req.Ticker,
		Type:      req.Type,
		Direction: req.Direction,
		Price:     req.Price,
		Quantity:  req.Quantity,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// CancelOrder handles DELETE /v1/order/:id.
func (h *Handler) CancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.sequencer.Cancel(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// GetMarket handles GET /v1/market/:ticker.
func (h *Handler) GetMarket(c *gin.Context) {
	view, err := h.engine.Market(c.Request.Context(), domain.Ticker(c.Param("ticker")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetTrades handles GET /v1/trades.
func (h *Handler) GetTrades(c *gin.Context) {
	var account uuid.UUID
	if raw := c.Query("account"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
			return
		}
		account = parsed
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since format, use RFC3339"})
			return
		}
		since = parsed
	}

	trades := h.publisher.GetTrades(domain.Ticker(c.Query("ticker")), account, since)
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

// GetCandles handles GET /v1/marketdata/candles.
func (h *Handler) GetCandles(c *gin.Context) {
	ticker := c.Query("ticker")
	if ticker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker is required"})
		return
	}

	count, err := strconv.Atoi(c.DefaultQuery("count", strconv.Itoa(defaultCandleCount)))
	if err != nil || count <= 0 {
		count = defaultCandleCount
	}

	candles := h.publisher.GetCandles(domain.Ticker(ticker), count)
	if candles == nil {
		candles = []domain.Candlestick{}
	}
	c.JSON(http.StatusOK, candles)
}

// OpenAccountRequest is the request body for opening an account. A missing
// id is generated.
type OpenAccountRequest struct {
	ID       uuid.UUID               `json:"id"`
	Cash     decimal.Decimal         `json:"cash"`
	Holdings map[domain.Ticker]int64 `json:"holdings"`
}

// OpenAccount handles POST /v1/accounts.
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	acc, err := h.ledger.Open(req.ID, req.Cash, req.Holdings)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

// GetAccount handles GET /v1/accounts/:id.
func (h *Handler) GetAccount(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}

	acc, err := h.ledger.Account(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":      acc,
		"total_assets": acc.TotalAssets(),
	})
}

// GetPosition handles GET /v1/positions.
func (h *Handler) GetPosition(c *gin.Context) {
	account, err := uuid.Parse(c.Query("account"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	ticker := c.Query("ticker")
	if ticker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker is required"})
		return
	}

	c.JSON(http.StatusOK, h.deals.Position(account, domain.Ticker(ticker)))
}

// GetDeals handles GET /v1/deals.
func (h *Handler) GetDeals(c *gin.Context) {
	account, err := uuid.Parse(c.Query("account"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	c.JSON(http.StatusOK, h.deals.Deals(account))
}
