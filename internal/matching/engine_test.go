package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/limit-market/internal/deal"
	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/eventbus"
	"github.com/nathanyu/limit-market/internal/ledger"
	"github.com/nathanyu/limit-market/internal/orderbook"
	"github.com/nathanyu/limit-market/internal/store"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	epoch = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
)

type fixture struct {
	engine *Engine
	orders *store.OrderStore
	trades *store.TradeStore
	ledger *ledger.Ledger
	bus    *eventbus.Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		orders: store.NewOrderStore(),
		trades: store.NewTradeStore(),
		ledger: ledger.New(nil),
		bus:    eventbus.NewDispatcher(nil),
	}
	store.NewOrderHandler(f.orders).Register(f.bus)
	store.NewTradeHandler(f.trades).Register(f.bus)
	f.ledger.Register(f.bus)

	for _, id := range []uuid.UUID{alice, bob} {
		_, err := f.ledger.Open(id, decimal.NewFromInt(10_000), map[domain.Ticker]int64{"AAPL": 1_000})
		require.NoError(t, err)
	}

	tick := epoch
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	opts = append([]Option{WithClock(clock), WithPermissionChecker(f.ledger)}, opts...)
	f.engine = NewEngine(f.orders, f.trades, f.bus, opts...)
	return f
}

func limit(account uuid.UUID, direction domain.Direction, price string, qty int64) domain.Order {
	return domain.Order{
		Account:   account,
		Ticker:    "AAPL",
		Type:      domain.OrderTypeLimit,
		Direction: direction,
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
	}
}

func (f *fixture) place(t *testing.T, order domain.Order) *Result {
	t.Helper()
	result, err := f.engine.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	return result
}

func TestPlaceOrder_Rests(t *testing.T) {
	f := newFixture(t)

	result := f.place(t, limit(alice, domain.DirectionBuy, "10", 20))

	assert.NotEqual(t, uuid.Nil, result.Order.ID)
	assert.Equal(t, domain.OrderStatusPending, result.Order.Status)
	assert.Equal(t, int64(20), result.Order.Quantity)
	assert.Equal(t, epoch.Add(time.Second), result.Order.Created)
	assert.Empty(t, result.Trades)
	require.Len(t, result.Events, 1)
	assert.Equal(t, domain.EventKindOrderCreated, result.Events[0].Kind())

	stored, err := f.orders.Get(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Order, stored)

	view, err := f.engine.Market(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, view.Bids, 1)
	assert.Equal(t, int64(20), view.Bids[0].Quantity)
	assert.Empty(t, view.Asks)
}

func TestPlaceOrder_MatchesAcrossUnitsOfWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.place(t, limit(alice, domain.DirectionSell, "10", 10))
	second := f.place(t, limit(alice, domain.DirectionSell, "12", 20))

	result := f.place(t, limit(bob, domain.DirectionBuy, "12", 15))

	require.Len(t, result.Trades, 2)
	assert.Equal(t, "10", result.Trades[0].Price.String())
	assert.Equal(t, int64(10), result.Trades[0].Quantity)
	assert.Equal(t, "12", result.Trades[1].Price.String())
	assert.Equal(t, int64(5), result.Trades[1].Quantity)
	assert.Equal(t, domain.OrderStatusCompleted, result.Order.Status)
	assert.Zero(t, result.Order.Quantity)

	// the filled maker is gone, the partially filled one is updated in place
	_, err := f.orders.Get(ctx, first.Order.ID)
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
	maker, err := f.orders.Get(ctx, second.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), maker.Quantity)
	assert.Equal(t, domain.OrderStatusPartial, maker.Status)

	history, err := f.trades.History(ctx, "AAPL", 0)
	require.NoError(t, err)
	assert.Equal(t, result.Trades, history)

	// 10*10 + 12*5 = 160
	buyer, err := f.ledger.Account(bob)
	require.NoError(t, err)
	assert.Equal(t, "9840", buyer.Cash.String())
	assert.Equal(t, int64(1_015), buyer.Holdings["AAPL"])
	seller, err := f.ledger.Account(alice)
	require.NoError(t, err)
	assert.Equal(t, "10160", seller.Cash.String())
	assert.Equal(t, int64(985), seller.Holdings["AAPL"])

	view, err := f.engine.Market(ctx, "AAPL")
	require.NoError(t, err)
	assert.Empty(t, view.Bids)
	require.Len(t, view.Asks, 1)
	assert.Equal(t, int64(15), view.Asks[0].Quantity)
	assert.Len(t, view.Trades, 2)
}

func TestPlaceOrder_RemainderRestsPartial(t *testing.T) {
	f := newFixture(t)

	f.place(t, limit(alice, domain.DirectionSell, "10", 10))
	result := f.place(t, limit(bob, domain.DirectionBuy, "11", 25))

	assert.Equal(t, domain.OrderStatusPartial, result.Order.Status)
	assert.Equal(t, int64(15), result.Order.Quantity)
	require.Len(t, result.Trades, 1)

	resting, err := f.orders.Resting(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, resting, 1)
	assert.Equal(t, result.Order.ID, resting[0].ID)
}

func TestPlaceOrder_PermissionRejected(t *testing.T) {
	f := newFixture(t)

	// 10,001 > 10,000 cash
	_, err := f.engine.PlaceOrder(context.Background(), limit(alice, domain.DirectionBuy, "1", 10_001))
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ledger.ErrPermission)

	_, err = f.engine.PlaceOrder(context.Background(), limit(uuid.New(), domain.DirectionSell, "1", 1))
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	resting, err := f.orders.Resting(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Empty(t, resting)
}

type countingChecker struct{ calls int }

func (c *countingChecker) CheckPermission(context.Context, domain.Order) error {
	c.calls++
	return nil
}

func TestPlaceOrder_InvalidBeforePermission(t *testing.T) {
	checker := &countingChecker{}
	f := newFixture(t, WithPermissionChecker(checker))

	market := limit(alice, domain.DirectionBuy, "10", 1)
	market.Type = domain.OrderTypeMarket
	noTicker := limit(alice, domain.DirectionBuy, "10", 1)
	noTicker.Ticker = ""

	for name, order := range map[string]domain.Order{
		"zero quantity":  limit(alice, domain.DirectionBuy, "10", 0),
		"negative price": limit(alice, domain.DirectionSell, "-1", 5),
		"no direction":   limit(alice, "", "10", 5),
		"market":         market,
		"no ticker":      noTicker,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.PlaceOrder(context.Background(), order)
			assert.ErrorIs(t, err, orderbook.ErrInvalidOrder)
		})
	}
	assert.Zero(t, checker.calls)
}

func TestPlaceOrder_CorruptBookState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bid := limit(alice, domain.DirectionBuy, "11", 5)
	bid.ID, bid.Status, bid.Created = uuid.New(), domain.OrderStatusPending, epoch
	ask := limit(bob, domain.DirectionSell, "10", 5)
	ask.ID, ask.Status, ask.Created = uuid.New(), domain.OrderStatusPending, epoch
	require.NoError(t, f.orders.AddMany(ctx, []domain.Order{bid, ask}))

	_, err := f.engine.PlaceOrder(ctx, limit(alice, domain.DirectionBuy, "1", 1))
	assert.ErrorIs(t, err, orderbook.ErrCorruptBookState)

	_, err = f.engine.Market(ctx, "AAPL")
	assert.ErrorIs(t, err, orderbook.ErrCorruptBookState)
}

func TestPlaceOrder_HandlerFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk full")
	f.bus.Register(domain.EventKindOrderCreated, func(context.Context, domain.Event) error { return boom })

	_, err := f.engine.PlaceOrder(context.Background(), limit(alice, domain.DirectionBuy, "10", 1))
	assert.ErrorIs(t, err, boom)

	resting, err := f.orders.Resting(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Empty(t, resting)
}

func TestPlaceOrder_FailedSettlementLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deals := deal.NewAggregator()
	deals.Register(f.bus)

	carol := uuid.New()
	_, err := f.ledger.Open(carol, decimal.NewFromInt(100), map[domain.Ticker]int64{"AAPL": 10})
	require.NoError(t, err)

	// both sells pass the check against the same 10 shares
	first := f.place(t, limit(carol, domain.DirectionSell, "10", 10))
	second := f.place(t, limit(carol, domain.DirectionSell, "10", 10))

	_, err = f.engine.PlaceOrder(ctx, limit(alice, domain.DirectionBuy, "10", 25))
	require.ErrorIs(t, err, ledger.ErrNotEnoughHolding)

	resting, err := f.orders.Resting(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, resting, 2)
	assert.Equal(t, first.Order, resting[0])
	assert.Equal(t, second.Order, resting[1])

	history, err := f.trades.History(ctx, "AAPL", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	seller, err := f.ledger.Account(carol)
	require.NoError(t, err)
	assert.Equal(t, "100", seller.Cash.String())
	assert.Equal(t, int64(10), seller.Holdings["AAPL"])
	buyer, err := f.ledger.Account(alice)
	require.NoError(t, err)
	assert.Equal(t, "10000", buyer.Cash.String())
	assert.Equal(t, int64(1_000), buyer.Holdings["AAPL"])

	assert.Empty(t, deals.Deals(carol))
	assert.Empty(t, deals.Deals(alice))

	// the book is intact: the first sell still fills
	result := f.place(t, limit(bob, domain.DirectionBuy, "10", 10))
	require.Len(t, result.Trades, 1)
	assert.Equal(t, carol, result.Trades[0].Seller)
}

func TestPlaceOrder_CallerGoneDuringDispatch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	maker := f.place(t, limit(alice, domain.DirectionSell, "10", 10))
	f.bus.Register(domain.EventKindOrderCompleted, func(context.Context, domain.Event) error {
		cancel()
		return nil
	})

	result, err := f.engine.PlaceOrder(ctx, limit(bob, domain.DirectionBuy, "10", 10))
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)

	_, err = f.orders.Get(context.Background(), maker.Order.ID)
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
	history, err := f.trades.History(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

type recordingSink struct {
	batches [][]domain.Event
	err     error
}

func (s *recordingSink) Publish(_ context.Context, events []domain.Event) error {
	s.batches = append(s.batches, events)
	return s.err
}

func TestPlaceOrder_PublishesToSink(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink))

	result := f.place(t, limit(alice, domain.DirectionSell, "10", 5))

	require.Len(t, sink.batches, 1)
	assert.Equal(t, result.Events, sink.batches[0])
}

func TestPlaceOrder_SinkFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("nats down")}
	f := newFixture(t, WithSink(sink))

	result, err := f.engine.PlaceOrder(context.Background(), limit(alice, domain.DirectionSell, "10", 5))
	require.NoError(t, err)

	_, err = f.orders.Get(context.Background(), result.Order.ID)
	assert.NoError(t, err)
}

func TestPlaceOrder_HistoryLimit(t *testing.T) {
	f := newFixture(t, WithHistoryLimit(2))
	ctx := context.Background()

	for range 3 {
		f.place(t, limit(alice, domain.DirectionSell, "10", 1))
		f.place(t, limit(bob, domain.DirectionBuy, "10", 1))
	}

	view, err := f.engine.Market(ctx, "AAPL")
	require.NoError(t, err)
	assert.Len(t, view.Trades, 2)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	placed := f.place(t, limit(alice, domain.DirectionBuy, "10", 20))

	canceled, err := f.engine.CancelOrder(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, canceled.Status)
	assert.Equal(t, int64(20), canceled.Quantity)

	view, err := f.engine.Market(ctx, "AAPL")
	require.NoError(t, err)
	assert.Empty(t, view.Bids)

	// a canceled order no longer matches
	result := f.place(t, limit(bob, domain.DirectionSell, "10", 20))
	assert.Empty(t, result.Trades)

	_, err = f.engine.CancelOrder(ctx, placed.Order.ID)
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestMarket_UnknownTicker(t *testing.T) {
	f := newFixture(t)

	view, err := f.engine.Market(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, domain.Ticker("MSFT"), view.Ticker)
	assert.Empty(t, view.Bids)
	assert.Empty(t, view.Asks)
	assert.Empty(t, view.Trades)
}
