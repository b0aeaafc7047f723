package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/eventbus"
	"github.com/nathanyu/limit-market/internal/orderbook"
	"github.com/nathanyu/limit-market/internal/telemetry"
)

const defaultHistoryLimit = 100

// ErrRejected wraps a permission check failure. The checker's own error is
// kept in the chain.
var ErrRejected = errors.New("order rejected")

var tracer = otel.Tracer("github.com/nathanyu/limit-market/internal/matching")

// OrderRepository is the persisted set of resting orders.
type OrderRepository interface {
	Resting(ctx context.Context, ticker domain.Ticker) ([]domain.Order, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Order, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

// TradeRepository is the persisted trade history.
type TradeRepository interface {
	History(ctx context.Context, ticker domain.Ticker, limit int) ([]domain.Trade, error)
}

// PermissionChecker decides whether an account may place an order.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, order domain.Order) error
}

// Result is the outcome of one placed order.
type Result struct {
	Sequence uint64         `json:"sequence,omitempty"`
	Order    domain.Order   `json:"order"` // taker state after matching
	Trades   []domain.Trade `json:"trades"`
	Events   []domain.Event `json:"-"`
}

// Engine runs one order at a time through a book rebuilt from the
// repositories: load, match, drain, dispatch, publish. Repositories are only
// ever changed by the handlers registered on the dispatcher, and a batch that
// fails there leaves them as they were before the order.
//
// Engine does not serialize calls itself. Two concurrent PlaceOrder calls for
// the same ticker race on the repositories; callers go through a
// sequencer.Sequencer.
type Engine struct {
	orders      OrderRepository
	trades      TradeRepository
	bus         *eventbus.Dispatcher
	permissions PermissionChecker
	sink        eventbus.Sink

	historyLimit int
	bookOpts     []orderbook.Option
	now          func() time.Time
	newID        func() uuid.UUID
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPermissionChecker runs c before every order. Without one every order is
// permitted.
func WithPermissionChecker(c PermissionChecker) Option {
	return func(e *Engine) { e.permissions = c }
}

// WithSink publishes every dispatched batch to s.
func WithSink(s eventbus.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithHistoryLimit sets how many recent trades seed each book.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithClock sets the clock used for order creation and trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.bookOpts = append(e.bookOpts, orderbook.WithClock(now))
	}
}

// WithIDGenerator sets the source of order and trade ids.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(e *Engine) {
		e.newID = newID
		e.bookOpts = append(e.bookOpts, orderbook.WithIDGenerator(newID))
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over the given repositories. bus must have the
// handlers that persist order and trade events registered.
func NewEngine(orders OrderRepository, trades TradeRepository, bus *eventbus.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		orders:       orders,
		trades:       trades,
		bus:          bus,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		newID:        uuid.New,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlaceOrder matches one order against its instrument's book and applies the
// resulting events. A zero ID or creation time is filled in.
func (e *Engine) PlaceOrder(ctx context.Context, order domain.Order) (*Result, error) {
	ctx, span := tracer.Start(ctx, "matching.PlaceOrder",
		trace.WithAttributes(
			attribute.String("order.ticker", string(order.Ticker)),
			attribute.String("order.direction", string(order.Direction)),
			attribute.Int64("order.quantity", order.Quantity),
		),
	)
	defer span.End()
	ctx = telemetry.WithLogAttrs(ctx, slog.String("account", order.Account.String()))

	start := time.Now()
	result, err := e.placeOrder(ctx, order)
	telemetry.OrderProcessingDuration.Observe(time.Since(start).Seconds())
	telemetry.OrdersTotal.WithLabelValues(string(order.Direction), resultLabel(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WarnContext(ctx, "order not placed",
			slog.String("ticker", string(order.Ticker)),
			slog.String("direction", string(order.Direction)),
			slog.Any("error", err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", result.Order.ID.String()),
		attribute.String("order.status", string(result.Order.Status)),
		attribute.Int("trades", len(result.Trades)),
	)
	span.SetStatus(codes.Ok, "")
	e.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", result.Order.ID.String()),
		slog.String("ticker", string(result.Order.Ticker)),
		slog.String("status", string(result.Order.Status)),
		slog.Int("trades", len(result.Trades)),
	)
	return result, nil
}

func (e *Engine) placeOrder(ctx context.Context, order domain.Order) (*Result, error) {
	if order.Ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", orderbook.ErrInvalidOrder)
	}
	if order.ID == uuid.Nil {
		order.ID = e.newID()
	}
	if order.Created.IsZero() {
		order.Created = e.now()
	}

	book, err := e.loadBook(ctx, order.Ticker)
	if err != nil {
		return nil, err
	}
	if err := book.Validate(order); err != nil {
		return nil, err
	}
	if e.permissions != nil {
		if err := e.permissions.CheckPermission(ctx, order); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}

	if err := book.SendOrder(order); err != nil {
		return nil, err
	}
	events := book.DrainEvents()

	if err := e.bus.Dispatch(ctx, events); err != nil {
		return nil, fmt.Errorf("apply events of order %s: %w", order.ID, err)
	}
	e.publish(ctx, events)
	e.observeBook(book)

	return newResult(order, events), nil
}

// newResult derives the taker's final state from the drained events. A taker
// that rested has an OrderCreated snapshot; one that did not was filled.
func newResult(order domain.Order, events []domain.Event) *Result {
	result := &Result{
		Order:  order,
		Trades: []domain.Trade{},
		Events: events,
	}
	rested := false
	for _, event := range events {
		switch ev := event.(type) {
		case domain.TradeCreated:
			result.Trades = append(result.Trades, ev.Trade)
			telemetry.TradesTotal.WithLabelValues(string(ev.Trade.Ticker)).Inc()
			telemetry.TradedQuantity.WithLabelValues(string(ev.Trade.Ticker)).Add(float64(ev.Trade.Quantity))
		case domain.OrderCreated:
			if ev.Order.ID == order.ID {
				result.Order = ev.Order
				rested = true
			}
		}
	}
	if !rested {
		result.Order.Quantity = 0
		result.Order.Status = domain.OrderStatusCompleted
	}
	return result
}

func (e *Engine) publish(ctx context.Context, events []domain.Event) {
	if e.sink == nil || len(events) == 0 {
		return
	}
	// Repositories are already updated; a failed broadcast is reported, not
	// rolled back.
	if err := e.sink.Publish(ctx, events); err != nil {
		telemetry.EventPublishFailures.Inc()
		e.logger.ErrorContext(ctx, "publish events", slog.Int("count", len(events)), slog.Any("error", err))
	}
}

func (e *Engine) observeBook(book *orderbook.OrderBook) {
	ticker := string(book.Ticker())
	telemetry.OrderBookDepth.WithLabelValues(ticker, "bid").Set(float64(totalQuantity(book.BidDepth())))
	telemetry.OrderBookDepth.WithLabelValues(ticker, "ask").Set(float64(totalQuantity(book.AskDepth())))
}

func totalQuantity(levels []domain.DepthLevel) int64 {
	var total int64
	for _, l := range levels {
		total += l.Quantity
	}
	return total
}

// CancelOrder withdraws a resting order. The book never sees cancellations:
// the row is removed from the repository and the next rebuild no longer
// contains it. The returned order carries status CANCELED.
func (e *Engine) CancelOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "matching.CancelOrder",
		trace.WithAttributes(attribute.String("order.id", id.String())),
	)
	defer span.End()

	order, err := e.orders.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Order{}, fmt.Errorf("cancel order %s: %w", id, err)
	}
	if err := e.orders.Remove(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Order{}, fmt.Errorf("cancel order %s: %w", id, err)
	}
	order.Status = domain.OrderStatusCanceled

	telemetry.OrdersTotal.WithLabelValues(string(order.Direction), "canceled").Inc()
	e.logger.InfoContext(ctx, "order canceled",
		slog.String("order_id", id.String()),
		slog.String("ticker", string(order.Ticker)),
		slog.Int64("quantity", order.Quantity),
	)
	return order, nil
}

// Market returns the depth and recent trades of an instrument.
func (e *Engine) Market(ctx context.Context, ticker domain.Ticker) (domain.MarketView, error) {
	ctx, span := tracer.Start(ctx, "matching.Market",
		trace.WithAttributes(attribute.String("order.ticker", string(ticker))),
	)
	defer span.End()

	book, err := e.loadBook(ctx, ticker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.MarketView{}, err
	}
	return book.View(), nil
}

func (e *Engine) loadBook(ctx context.Context, ticker domain.Ticker) (*orderbook.OrderBook, error) {
	resting, err := e.orders.Resting(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("load resting orders of %s: %w", ticker, err)
	}
	history, err := e.trades.History(ctx, ticker, e.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load trades of %s: %w", ticker, err)
	}

	book, err := orderbook.New(ticker, resting, history, e.bookOpts...)
	if err != nil {
		e.logger.ErrorContext(ctx, "order book snapshot rejected",
			slog.String("ticker", string(ticker)),
			slog.Int("resting", len(resting)),
			slog.Any("error", err),
		)
		return nil, err
	}
	return book, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, orderbook.ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "failed"
	}
}
