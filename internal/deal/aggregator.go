package deal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/eventbus"
)

// Status of a deal. A deal is PROCESSING while its position is open and
// CLOSED once the position returns to flat.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusClosed     Status = "CLOSED"
)

// Deal is one account's side of a trade.
type Deal struct {
	ID        uuid.UUID        `json:"id"`
	Account   uuid.UUID        `json:"account"`
	Trade     uuid.UUID        `json:"trade"`
	Ticker    domain.Ticker    `json:"ticker"`
	Direction domain.Direction `json:"direction"`
	Status    Status           `json:"status"`
	Documents []string         `json:"documents"`
}

// Position is an account's net holding in one instrument. Quantity is
// positive for long, negative for short; AvgPrice is the volume weighted
// entry price of the open quantity.
type Position struct {
	Account  uuid.UUID       `json:"account"`
	Ticker   domain.Ticker   `json:"ticker"`
	Quantity int64           `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

type positionKey struct {
	account uuid.UUID
	ticker  domain.Ticker
}

// Aggregator rolls trades into deals and per-account, per-instrument positions.
type Aggregator struct {
	mu        sync.RWMutex
	deals     map[uuid.UUID][]Deal // account -> deals
	positions map[positionKey]*Position
	newID     func() uuid.UUID
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		deals:     make(map[uuid.UUID][]Deal),
		positions: make(map[positionKey]*Position),
		newID:     uuid.New,
	}
}

// Register subscribes the aggregator to the trades of applied batches.
func (a *Aggregator) Register(d *eventbus.Dispatcher) {
	d.Subscribe(domain.EventKindTradeCreated, a.HandleTradeCreated)
}

// HandleTradeCreated records a deal for each side and updates both positions.
func (a *Aggregator) HandleTradeCreated(_ context.Context, event domain.Event) error {
	ev, ok := event.(domain.TradeCreated)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	trade := ev.Trade

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, side := range []struct {
		account   uuid.UUID
		direction domain.Direction
		delta     int64
	}{
		{trade.Buyer, domain.DirectionBuy, trade.Quantity},
		{trade.Seller, domain.DirectionSell, -trade.Quantity},
	} {
		a.deals[side.account] = append(a.deals[side.account], Deal{
			ID:        a.newID(),
			Account:   side.account,
			Trade:     trade.ID,
			Ticker:    trade.Ticker,
			Direction: side.direction,
			Status:    StatusProcessing,
			Documents: []string{},
		})
		p := a.position(side.account, trade.Ticker)
		p.apply(side.delta, trade.Price)
		if p.Quantity == 0 {
			a.closeDeals(side.account, trade.Ticker)
		}
	}
	return nil
}

func (a *Aggregator) closeDeals(account uuid.UUID, ticker domain.Ticker) {
	deals := a.deals[account]
	for i := range deals {
		if deals[i].Ticker == ticker && deals[i].Status == StatusProcessing {
			deals[i].Status = StatusClosed
		}
	}
}

func (a *Aggregator) position(account uuid.UUID, ticker domain.Ticker) *Position {
	key := positionKey{account: account, ticker: ticker}
	p, exists := a.positions[key]
	if !exists {
		p = &Position{Account: account, Ticker: ticker, AvgPrice: decimal.Zero}
		a.positions[key] = p
	}
	return p
}

// apply adds a signed fill to the position.
func (p *Position) apply(delta int64, price decimal.Decimal) {
	next := p.Quantity + delta
	switch {
	case next == 0:
		p.AvgPrice = decimal.Zero
	case p.Quantity == 0 || (p.Quantity > 0) != (next > 0):
		// opened, or flipped through zero
		p.AvgPrice = price
	case (p.Quantity > 0) == (delta > 0):
		// increased in the same direction
		prev := p.AvgPrice.Mul(decimal.NewFromInt(abs(p.Quantity)))
		add := price.Mul(decimal.NewFromInt(abs(delta)))
		p.AvgPrice = prev.Add(add).Div(decimal.NewFromInt(abs(next)))
	}
	// reduced: average entry price is unchanged
	p.Quantity = next
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Deals returns the deals of an account in trade order.
func (a *Aggregator) Deals(account uuid.UUID) []Deal {
	a.mu.RLock()
	defer a.mu.RUnlock()

	deals := make([]Deal, len(a.deals[account]))
	copy(deals, a.deals[account])
	return deals
}

// Position returns an account's position in a ticker. The zero position is
// returned for instruments never traded.
func (a *Aggregator) Position(account uuid.UUID, ticker domain.Ticker) Position {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if p, exists := a.positions[positionKey{account: account, ticker: ticker}]; exists {
		return *p
	}
	return Position{Account: account, Ticker: ticker, AvgPrice: decimal.Zero}
}
