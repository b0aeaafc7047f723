package store

import (
	"context"
	"fmt"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/eventbus"
)

// OrderHandler mirrors book lifecycle events into the order store.
type OrderHandler struct {
	repo *OrderStore
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(repo *OrderStore) *OrderHandler {
	return &OrderHandler{repo: repo}
}

// Register subscribes the handler to order events.
func (h *OrderHandler) Register(d *eventbus.Dispatcher) {
	d.Register(domain.EventKindOrderCreated, h.HandleOrderCreated)
	d.Register(domain.EventKindOrderUpdated, h.HandleOrderUpdated)
	d.Register(domain.EventKindOrderCompleted, h.HandleOrderCompleted)
	d.Enlist(h.repo)
}

func (h *OrderHandler) HandleOrderCreated(ctx context.Context, event domain.Event) error {
	ev, ok := event.(domain.OrderCreated)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	return h.repo.AddMany(ctx, []domain.Order{ev.Order})
}

func (h *OrderHandler) HandleOrderUpdated(ctx context.Context, event domain.Event) error {
	ev, ok := event.(domain.OrderUpdated)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	return h.repo.Update(ctx, ev.Order)
}

func (h *OrderHandler) HandleOrderCompleted(ctx context.Context, event domain.Event) error {
	ev, ok := event.(domain.OrderCompleted)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	return h.repo.Remove(ctx, ev.Order.ID)
}

// TradeHandler appends every new trade to the trade store.
type TradeHandler struct {
	repo *TradeStore
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(repo *TradeStore) *TradeHandler {
	return &TradeHandler{repo: repo}
}

// Register subscribes the handler to trade events.
func (h *TradeHandler) Register(d *eventbus.Dispatcher) {
	d.Register(domain.EventKindTradeCreated, h.HandleTradeCreated)
	d.Enlist(h.repo)
}

func (h *TradeHandler) HandleTradeCreated(ctx context.Context, event domain.Event) error {
	ev, ok := event.(domain.TradeCreated)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	return h.repo.Add(ctx, ev.Trade)
}
