package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ticker identifies a single tradable instrument.
type Ticker string

// Direction represents the order side (buy or sell).
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the side an order of this direction matches against.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderType represents the type of order. Only LIMIT orders are matched;
// MARKET is reserved.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
)

// Order represents a limit order for one instrument.
// Quantity is the remaining quantity and only ever decreases.
type Order struct {
	ID        uuid.UUID       `json:"id"`
	Account   uuid.UUID       `json:"account"`
	Ticker    Ticker          `json:"ticker"`
	Type      OrderType       `json:"type"`
	Direction Direction       `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Created   time.Time       `json:"created"`
	Status    OrderStatus     `json:"status"`
}

// Amount is the order's notional value at its limit price.
func (o Order) Amount() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// IsResting reports whether the order can still sit in a book.
func (o Order) IsResting() bool {
	return o.Quantity > 0 && (o.Status == OrderStatusPending || o.Status == OrderStatusPartial)
}

// Trade is an immutable record of one match between a taker and a maker.
// Price is always the maker's price.
type Trade struct {
	ID       uuid.UUID       `json:"id"`
	Ticker   Ticker          `json:"ticker"`
	Date     time.Time       `json:"date"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Buyer    uuid.UUID       `json:"buyer"`
	Seller   uuid.UUID       `json:"seller"`
}

// Amount is the cash value exchanged by the trade.
func (t Trade) Amount() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// DepthLevel is an aggregated price level of one book side.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// MarketView is the read-side projection of a book.
type MarketView struct {
	Ticker Ticker       `json:"ticker"`
	Bids   []DepthLevel `json:"bids"`
	Asks   []DepthLevel `json:"asks"`
	Trades []Trade      `json:"trades"`
}

// Candlestick represents OHLCV data for a time interval.
type Candlestick struct {
	Ticker    Ticker          `json:"ticker"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Interval  string          `json:"interval"` // e.g. "1m"
}
