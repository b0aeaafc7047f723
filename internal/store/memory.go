package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nathanyu/limit-market/internal/domain"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
)

type storedOrder struct {
	order domain.Order
	seq   uint64 // insertion order, breaks ties on equal creation time
}

// OrderStore keeps resting orders in memory.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*storedOrder
	seq    uint64
}

// NewOrderStore creates an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[uuid.UUID]*storedOrder),
	}
}

// AddMany inserts orders. Nothing is inserted if any id already exists.
func (s *OrderStore) AddMany(_ context.Context, orders []domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range orders {
		if _, exists := s.orders[o.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
		}
	}
	for _, o := range orders {
		s.seq++
		s.orders[o.ID] = &storedOrder{order: o, seq: s.seq}
	}
	return nil
}

// Update replaces a stored order, keeping its time priority.
func (s *OrderStore) Update(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.orders[order.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}
	stored.order = order
	return nil
}

// Remove deletes an order.
func (s *OrderStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[id]; !exists {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	delete(s.orders, id)
	return nil
}

// Get returns an order by id.
func (s *OrderStore) Get(_ context.Context, id uuid.UUID) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.orders[id]
	if !exists {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return stored.order, nil
}

// Resting returns the PENDING and PARTIAL orders of a ticker in time priority.
func (s *OrderStore) Resting(_ context.Context, ticker domain.Ticker) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*storedOrder
	for _, stored := range s.orders {
		if stored.order.Ticker == ticker && stored.order.IsResting() {
			rows = append(rows, stored)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].order.Created.Equal(rows[j].order.Created) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].order.Created.Before(rows[j].order.Created)
	})

	orders := make([]domain.Order, len(rows))
	for i, stored := range rows {
		orders[i] = stored.order
	}
	return orders, nil
}

// Snapshot captures the stored orders. The returned func puts them back.
func (s *OrderStore) Snapshot() func() {
	s.mu.RLock()
	orders := make(map[uuid.UUID]storedOrder, len(s.orders))
	for id, stored := range s.orders {
		orders[id] = *stored
	}
	seq := s.seq
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.orders = make(map[uuid.UUID]*storedOrder, len(orders))
		for id, stored := range orders {
			s.orders[id] = &stored
		}
		s.seq = seq
	}
}

// TradeStore is an append-only in-memory trade log.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[domain.Ticker][]domain.Trade
}

// NewTradeStore creates an empty trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[domain.Ticker][]domain.Trade),
	}
}

// Add appends a trade.
func (s *TradeStore) Add(_ context.Context, trade domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.Ticker] = append(s.trades[trade.Ticker], trade)
	return nil
}

// History returns up to limit of the most recent trades of a ticker, oldest
// first. limit <= 0 returns all of them.
func (s *TradeStore) History(_ context.Context, ticker domain.Ticker, limit int) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.trades[ticker]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	trades := make([]domain.Trade, len(all))
	copy(trades, all)
	return trades, nil
}

// Snapshot captures the length of every ticker's log. The returned func
// truncates the logs back to it.
func (s *TradeStore) Snapshot() func() {
	s.mu.RLock()
	lengths := make(map[domain.Ticker]int, len(s.trades))
	for ticker, trades := range s.trades {
		lengths[ticker] = len(trades)
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for ticker, trades := range s.trades {
			n, ok := lengths[ticker]
			if !ok {
				delete(s.trades, ticker)
				continue
			}
			s.trades[ticker] = trades[:n:n]
		}
	}
}
