package orderbook

import "errors"

var (
	// ErrInvalidOrder rejects an order before any state change: wrong type,
	// direction or instrument, or a non-positive quantity or price.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrCorruptBookState means the resting snapshot a book was built from is
	// inconsistent, e.g. crossed.
	ErrCorruptBookState = errors.New("corrupt book state")
)
