package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/limit-market/internal/domain"
)

var (
	user1 = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	user2 = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(nil)
	_, err := l.Open(user1, decimal.NewFromInt(100_000), map[domain.Ticker]int64{"AAPL": 5000})
	require.NoError(t, err)
	_, err = l.Open(user2, decimal.NewFromInt(100_000), map[domain.Ticker]int64{"AAPL": 5000})
	require.NoError(t, err)
	return l
}

func order(account uuid.UUID, direction domain.Direction, price int64, qty int64) domain.Order {
	return domain.Order{
		ID:        uuid.New(),
		Account:   account,
		Ticker:    "AAPL",
		Type:      domain.OrderTypeLimit,
		Direction: direction,
		Price:     decimal.NewFromInt(price),
		Quantity:  qty,
	}
}

func TestCheckPermission_Buy(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	assert.NoError(t, l.CheckPermission(ctx, order(user1, domain.DirectionBuy, 100, 1000)))

	// 100 * 1001 = 100,100 > 100,000
	err := l.CheckPermission(ctx, order(user1, domain.DirectionBuy, 100, 1001))
	assert.ErrorIs(t, err, ErrPermission)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestCheckPermission_Sell(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	assert.NoError(t, l.CheckPermission(ctx, order(user1, domain.DirectionSell, 100, 5000)))

	err := l.CheckPermission(ctx, order(user1, domain.DirectionSell, 100, 5001))
	assert.ErrorIs(t, err, ErrPermission)
	assert.Contains(t, err.Error(), "insufficient shares")
}

func TestCheckPermission_UnknownAccount(t *testing.T) {
	l := newTestLedger(t)

	err := l.CheckPermission(context.Background(), order(uuid.New(), domain.DirectionBuy, 1, 1))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestOpen_Errors(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Open(user1, decimal.Zero, nil)
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = l.Open(uuid.New(), decimal.NewFromInt(-1), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestHandleTradeCreated_Settles(t *testing.T) {
	l := newTestLedger(t)

	trade := domain.Trade{
		ID:       uuid.New(),
		Ticker:   "AAPL",
		Price:    decimal.RequireFromString("10.5"),
		Quantity: 100,
		Buyer:    user1,
		Seller:   user2,
	}
	require.NoError(t, l.HandleTradeCreated(context.Background(), domain.TradeCreated{Trade: trade}))

	buyer, err := l.Account(user1)
	require.NoError(t, err)
	assert.Equal(t, "98950", buyer.Cash.String())
	assert.Equal(t, "1050", buyer.BuyDealsAmount.String())
	assert.Equal(t, int64(5100), buyer.Holdings["AAPL"])

	seller, err := l.Account(user2)
	require.NoError(t, err)
	assert.Equal(t, "101050", seller.Cash.String())
	assert.Equal(t, "1050", seller.SellDealsAmount.String())
	assert.Equal(t, int64(4900), seller.Holdings["AAPL"])
}

func TestHandleTradeCreated_NotEnoughMoneyLeavesAccountsUntouched(t *testing.T) {
	l := newTestLedger(t)

	trade := domain.Trade{
		ID:       uuid.New(),
		Ticker:   "AAPL",
		Price:    decimal.NewFromInt(1000),
		Quantity: 101,
		Buyer:    user1,
		Seller:   user2,
	}
	err := l.HandleTradeCreated(context.Background(), domain.TradeCreated{Trade: trade})
	assert.ErrorIs(t, err, ErrNotEnoughMoney)

	buyer, _ := l.Account(user1)
	seller, _ := l.Account(user2)
	assert.Equal(t, "100000", buyer.Cash.String())
	assert.Equal(t, int64(5000), seller.Holdings["AAPL"])
}

func TestAccount_ReturnsCopy(t *testing.T) {
	l := newTestLedger(t)

	acc, err := l.Account(user1)
	require.NoError(t, err)
	acc.Holdings["AAPL"] = 0

	again, err := l.Account(user1)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), again.Holdings["AAPL"])

	_, err = l.Account(uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Len(t, l.Accounts(), 2)
}

func TestSnapshot_RestoresSettledAccounts(t *testing.T) {
	l := newTestLedger(t)
	restore := l.Snapshot()

	trade := domain.Trade{
		ID:       uuid.New(),
		Ticker:   "AAPL",
		Price:    decimal.NewFromInt(10),
		Quantity: 100,
		Buyer:    user1,
		Seller:   user2,
	}
	require.NoError(t, l.HandleTradeCreated(context.Background(), domain.TradeCreated{Trade: trade}))
	opened := uuid.New()
	_, err := l.Open(opened, decimal.NewFromInt(1), nil)
	require.NoError(t, err)

	restore()

	buyer, err := l.Account(user1)
	require.NoError(t, err)
	assert.Equal(t, "100000", buyer.Cash.String())
	assert.True(t, buyer.BuyDealsAmount.IsZero())
	assert.Equal(t, int64(5000), buyer.Holdings["AAPL"])

	seller, err := l.Account(user2)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), seller.Holdings["AAPL"])

	// accounts opened after the snapshot survive
	_, err = l.Account(opened)
	assert.NoError(t, err)
}
