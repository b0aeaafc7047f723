package orderbook

import (
	"time"

	"github.com/google/uuid"
)

// Option configures an OrderBook.
type Option func(*OrderBook)

// WithClock sets the source of trade timestamps. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(ob *OrderBook) {
		ob.now = now
	}
}

// WithIDGenerator sets the source of trade ids. Default: uuid.New.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(ob *OrderBook) {
		ob.newID = newID
	}
}
