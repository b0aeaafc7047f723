package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/eventbus"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountExists    = errors.New("account already exists")
	ErrInvalidAmount    = errors.New("amount must not be negative")
	ErrPermission       = errors.New("permission denied")
	ErrNotEnoughMoney   = errors.New("not enough money")
	ErrNotEnoughHolding = errors.New("not enough holdings")
)

// Account tracks a user's cash balance, traded amounts and holdings.
type Account struct {
	ID              uuid.UUID               `json:"id"`
	Cash            decimal.Decimal         `json:"cash"`
	BuyDealsAmount  decimal.Decimal         `json:"buy_deals_amount"`
	SellDealsAmount decimal.Decimal         `json:"sell_deals_amount"`
	Holdings        map[domain.Ticker]int64 `json:"holdings"`
}

// TotalAssets is cash plus the amounts of all deals.
func (a Account) TotalAssets() decimal.Decimal {
	return a.Cash.Add(a.BuyDealsAmount).Add(a.SellDealsAmount)
}

func (a *Account) clone() Account {
	holdings := make(map[domain.Ticker]int64, len(a.Holdings))
	for k, v := range a.Holdings {
		holdings[k] = v
	}
	c := *a
	c.Holdings = holdings
	return c
}

// Ledger holds accounts. It answers the pre-trade permission check and
// settles trades drained from order books.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
	logger   *slog.Logger
}

// New creates an empty ledger.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		accounts: make(map[uuid.UUID]*Account),
		logger:   logger,
	}
}

// Open creates an account with starting balances.
func (l *Ledger) Open(id uuid.UUID, cash decimal.Decimal, holdings map[domain.Ticker]int64) (Account, error) {
	if cash.IsNegative() {
		return Account{}, fmt.Errorf("%w: cash %s", ErrInvalidAmount, cash)
	}
	h := make(map[domain.Ticker]int64, len(holdings))
	for k, v := range holdings {
		if v < 0 {
			return Account{}, fmt.Errorf("%w: %s holding %d", ErrInvalidAmount, k, v)
		}
		h[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[id]; exists {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	acc := &Account{
		ID:              id,
		Cash:            cash,
		BuyDealsAmount:  decimal.Zero,
		SellDealsAmount: decimal.Zero,
		Holdings:        h,
	}
	l.accounts[id] = acc
	return acc.clone(), nil
}

// Account returns a copy of an account.
func (l *Ledger) Account(id uuid.UUID) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, exists := l.accounts[id]
	if !exists {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acc.clone(), nil
}

// Accounts returns a copy of all accounts ordered by id.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		result = append(result, acc.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return result
}

// CheckPermission decides whether an order may be sent to a book: a buy
// needs cash for its full amount at the limit price, a sell needs the shares.
func (l *Ledger) CheckPermission(_ context.Context, order domain.Order) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, exists := l.accounts[order.Account]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, order.Account)
	}

	switch order.Direction {
	case domain.DirectionBuy:
		if cost := order.Amount(); acc.Cash.LessThan(cost) {
			return fmt.Errorf("%w: insufficient funds: need %s, available %s", ErrPermission, cost, acc.Cash)
		}
	case domain.DirectionSell:
		if held := acc.Holdings[order.Ticker]; held < order.Quantity {
			return fmt.Errorf("%w: insufficient shares: need %d %s, available %d", ErrPermission, order.Quantity, order.Ticker, held)
		}
	}
	return nil
}

// Register subscribes the ledger to trade events.
func (l *Ledger) Register(d *eventbus.Dispatcher) {
	d.Register(domain.EventKindTradeCreated, l.HandleTradeCreated)
	d.Enlist(l)
}

// Snapshot captures every account. The returned func restores them; accounts
// opened in between are kept.
func (l *Ledger) Snapshot() func() {
	l.mu.RLock()
	saved := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		saved = append(saved, acc.clone())
	}
	l.mu.RUnlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		for _, acc := range saved {
			*l.accounts[acc.ID] = acc
		}
	}
}

// HandleTradeCreated moves cash from buyer to seller and shares from seller
// to buyer. Nothing changes if either side cannot cover the trade.
func (l *Ledger) HandleTradeCreated(ctx context.Context, event domain.Event) error {
	ev, ok := event.(domain.TradeCreated)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	trade := ev.Trade

	l.mu.Lock()
	defer l.mu.Unlock()

	buyer, exists := l.accounts[trade.Buyer]
	if !exists {
		return fmt.Errorf("%w: buyer %s", ErrAccountNotFound, trade.Buyer)
	}
	seller, exists := l.accounts[trade.Seller]
	if !exists {
		return fmt.Errorf("%w: seller %s", ErrAccountNotFound, trade.Seller)
	}

	cost := trade.Amount()
	if buyer.Cash.LessThan(cost) {
		return fmt.Errorf("%w: buyer %s needs %s, has %s", ErrNotEnoughMoney, buyer.ID, cost, buyer.Cash)
	}
	if held := seller.Holdings[trade.Ticker]; held < trade.Quantity {
		return fmt.Errorf("%w: seller %s needs %d %s, has %d", ErrNotEnoughHolding, seller.ID, trade.Quantity, trade.Ticker, held)
	}

	// Buyer: deduct cash, receive shares
	buyer.Cash = buyer.Cash.Sub(cost)
	buyer.BuyDealsAmount = buyer.BuyDealsAmount.Add(cost)
	buyer.Holdings[trade.Ticker] += trade.Quantity

	// Seller: deduct shares, receive cash
	seller.Cash = seller.Cash.Add(cost)
	seller.SellDealsAmount = seller.SellDealsAmount.Add(cost)
	seller.Holdings[trade.Ticker] -= trade.Quantity

	l.logger.DebugContext(ctx, "trade settled",
		slog.String("trade_id", trade.ID.String()),
		slog.String("ticker", string(trade.Ticker)),
		slog.String("amount", cost.String()),
	)
	return nil
}
