package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/limit-market/internal/domain"
)

func TestDispatch_RoutesByKindInOrder(t *testing.T) {
	d := NewDispatcher(nil)

	var seen []string
	d.Register(domain.EventKindOrderCreated, func(_ context.Context, e domain.Event) error {
		seen = append(seen, "created")
		return nil
	})
	d.Register(domain.EventKindTradeCreated, func(_ context.Context, e domain.Event) error {
		seen = append(seen, "trade-1")
		return nil
	})
	d.Register(domain.EventKindTradeCreated, func(_ context.Context, e domain.Event) error {
		seen = append(seen, "trade-2")
		return nil
	})

	events := []domain.Event{
		domain.TradeCreated{Trade: domain.Trade{ID: uuid.New()}},
		domain.OrderUpdated{}, // no handler
		domain.OrderCreated{Order: domain.Order{ID: uuid.New()}},
	}
	require.NoError(t, d.Dispatch(context.Background(), events))

	assert.Equal(t, []string{"trade-1", "trade-2", "created"}, seen)
}

func TestDispatch_StopsAtFirstError(t *testing.T) {
	d := NewDispatcher(nil)
	boom := errors.New("boom")

	calls := 0
	d.Register(domain.EventKindOrderCompleted, func(_ context.Context, e domain.Event) error {
		calls++
		return boom
	})

	err := d.Dispatch(context.Background(), []domain.Event{
		domain.OrderCompleted{},
		domain.OrderCompleted{},
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDispatch_CanceledContext(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(domain.EventKindOrderCreated, func(_ context.Context, e domain.Event) error {
		t.Fatal("handler must not run")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Dispatch(ctx, []domain.Event{domain.OrderCreated{}})
	assert.ErrorIs(t, err, context.Canceled)
}

type counter struct{ n int }

func (c *counter) Snapshot() func() {
	saved := c.n
	return func() { c.n = saved }
}

func TestDispatch_RollsBackOnError(t *testing.T) {
	d := NewDispatcher(nil)
	state := &counter{n: 7}
	d.Enlist(state)

	boom := errors.New("boom")
	d.Register(domain.EventKindTradeCreated, func(_ context.Context, e domain.Event) error {
		state.n++
		if state.n == 9 {
			return boom
		}
		return nil
	})
	var notified int
	d.Subscribe(domain.EventKindTradeCreated, func(_ context.Context, e domain.Event) error {
		notified++
		return nil
	})

	err := d.Dispatch(context.Background(), []domain.Event{
		domain.TradeCreated{},
		domain.TradeCreated{},
		domain.TradeCreated{},
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 7, state.n)
	assert.Zero(t, notified)
}

func TestDispatch_SubscribersAfterApply(t *testing.T) {
	d := NewDispatcher(nil)

	var seen []string
	d.Subscribe(domain.EventKindOrderCreated, func(_ context.Context, e domain.Event) error {
		seen = append(seen, "subscriber")
		return errors.New("ignored")
	})
	d.Register(domain.EventKindOrderCreated, func(_ context.Context, e domain.Event) error {
		seen = append(seen, "handler")
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), []domain.Event{
		domain.OrderCreated{},
		domain.OrderCreated{},
	}))
	assert.Equal(t, []string{"handler", "handler", "subscriber", "subscriber"}, seen)
}

func TestDispatch_CancelAfterStartCompletesBatch(t *testing.T) {
	d := NewDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	d.Register(domain.EventKindOrderCreated, func(ctx context.Context, e domain.Event) error {
		calls++
		cancel()
		return ctx.Err()
	})

	require.NoError(t, d.Dispatch(ctx, []domain.Event{
		domain.OrderCreated{},
		domain.OrderCreated{},
	}))
	assert.Equal(t, 2, calls)
}
