package orderbook

import (
	"container/list"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/limit-market/internal/domain"
)

// bookLevel is a price level in one side of the book.
// It holds a doubly-linked list of orders at this price (FIFO).
type bookLevel struct {
	Price       decimal.Decimal
	TotalVolume int64
	Orders      *list.List // of *domain.Order
}

// Book represents one side (buy or sell) of an order book.
// Levels are kept sorted best first: descending for bids, ascending for asks.
type Book struct {
	Side   domain.Direction
	levels []*bookLevel
}

// NewBook creates a new order book side.
func NewBook(side domain.Direction) *Book {
	return &Book{Side: side}
}

// better reports whether price x has priority over price y on this side.
func (b *Book) better(x, y decimal.Decimal) bool {
	if b.Side == domain.DirectionBuy {
		return x.GreaterThan(y)
	}
	return x.LessThan(y)
}

// search returns the index of the level at price, or where it would be inserted.
func (b *Book) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(b.levels), func(i int) bool {
		return !b.better(b.levels[i].Price, price)
	})
	return i, i < len(b.levels) && b.levels[i].Price.Equal(price)
}

// BestPrice returns the best price on this side.
func (b *Book) BestPrice() (decimal.Decimal, bool) {
	if len(b.levels) == 0 {
		return decimal.Zero, false
	}
	return b.levels[0].Price, true
}

// HasOrders returns whether this side has any resting orders.
func (b *Book) HasOrders() bool {
	return len(b.levels) > 0
}

// best returns the best price level, or nil if the side is empty.
func (b *Book) best() *bookLevel {
	if len(b.levels) == 0 {
		return nil
	}
	return b.levels[0]
}

// addOrder appends an order to the tail of the price level's linked list.
func (b *Book) addOrder(order *domain.Order) {
	i, found := b.search(order.Price)
	if !found {
		level := &bookLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		b.levels = append(b.levels, nil)
		copy(b.levels[i+1:], b.levels[i:])
		b.levels[i] = level
	}

	level := b.levels[i]
	level.TotalVolume += order.Quantity
	level.Orders.PushBack(order)
}

// removeBest drops the best level once it is empty.
func (b *Book) removeBest() {
	b.levels[0] = nil
	b.levels = b.levels[1:]
}

// depth collects the aggregated levels in priority order.
func (b *Book) depth() []domain.DepthLevel {
	levels := make([]domain.DepthLevel, len(b.levels))
	for i, level := range b.levels {
		levels[i] = domain.DepthLevel{
			Price:    level.Price,
			Quantity: level.TotalVolume,
		}
	}
	return levels
}

// OrderBook holds the two-sided book, the session trade list and the
// outgoing event buffer for a single instrument.
//
// An OrderBook is not safe for concurrent use. It is meant to be built from
// persisted state for one unit of work, mutated, drained and discarded.
//
// Orders of the same account match each other like any other pair.
type OrderBook struct {
	ticker   domain.Ticker
	BuyBook  *Book
	SellBook *Book

	trades []domain.Trade
	events []domain.Event

	now   func() time.Time
	newID func() uuid.UUID
}

// New builds a book from already resting orders, in the order given, without
// matching them and without emitting events. history seeds the trade list.
// A snapshot that leaves the book crossed fails with ErrCorruptBookState.
func New(ticker domain.Ticker, resting []domain.Order, history []domain.Trade, opts ...Option) (*OrderBook, error) {
	ob := &OrderBook{
		ticker:   ticker,
		BuyBook:  NewBook(domain.DirectionBuy),
		SellBook: NewBook(domain.DirectionSell),
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(ob)
	}

	for _, order := range resting {
		if err := ob.checkResting(order); err != nil {
			return nil, err
		}
		o := order
		ob.side(o.Direction).addOrder(&o)
	}

	bid, hasBid := ob.BuyBook.BestPrice()
	ask, hasAsk := ob.SellBook.BestPrice()
	if hasBid && hasAsk && bid.GreaterThanOrEqual(ask) {
		return nil, fmt.Errorf("%w: best bid %s >= best ask %s", ErrCorruptBookState, bid, ask)
	}

	ob.trades = append(ob.trades, history...)
	return ob, nil
}

func (ob *OrderBook) checkResting(o domain.Order) error {
	switch {
	case o.Ticker != ob.ticker:
		return fmt.Errorf("%w: order %s belongs to %s, book is %s", ErrCorruptBookState, o.ID, o.Ticker, ob.ticker)
	case o.Type != domain.OrderTypeLimit:
		return fmt.Errorf("%w: order %s has type %s", ErrCorruptBookState, o.ID, o.Type)
	case o.Direction != domain.DirectionBuy && o.Direction != domain.DirectionSell:
		return fmt.Errorf("%w: order %s has direction %q", ErrCorruptBookState, o.ID, o.Direction)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: order %s has quantity %d", ErrCorruptBookState, o.ID, o.Quantity)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: order %s has price %s", ErrCorruptBookState, o.ID, o.Price)
	}
	return nil
}

// Ticker returns the instrument this book trades.
func (ob *OrderBook) Ticker() domain.Ticker {
	return ob.ticker
}

func (ob *OrderBook) side(d domain.Direction) *Book {
	if d == domain.DirectionBuy {
		return ob.BuyBook
	}
	return ob.SellBook
}

// SendOrder routes a limit order by its direction.
func (ob *OrderBook) SendOrder(order domain.Order) error {
	switch order.Direction {
	case domain.DirectionBuy:
		return ob.SendBuyLimitOrder(order)
	case domain.DirectionSell:
		return ob.SendSellLimitOrder(order)
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidOrder, order.Direction)
	}
}

// SendBuyLimitOrder matches a buy order against the asks and rests the remainder.
func (ob *OrderBook) SendBuyLimitOrder(order domain.Order) error {
	if err := ob.validate(order, domain.DirectionBuy); err != nil {
		return err
	}
	ob.matchOrder(&order)
	return nil
}

// SendSellLimitOrder matches a sell order against the bids and rests the remainder.
func (ob *OrderBook) SendSellLimitOrder(order domain.Order) error {
	if err := ob.validate(order, domain.DirectionSell); err != nil {
		return err
	}
	ob.matchOrder(&order)
	return nil
}

// Validate reports whether SendOrder would accept the order, without
// touching the book.
func (ob *OrderBook) Validate(order domain.Order) error {
	if order.Direction != domain.DirectionBuy && order.Direction != domain.DirectionSell {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidOrder, order.Direction)
	}
	return ob.validate(order, order.Direction)
}

func (ob *OrderBook) validate(o domain.Order, direction domain.Direction) error {
	switch {
	case o.Type != domain.OrderTypeLimit:
		return fmt.Errorf("%w: type %s is not matchable", ErrInvalidOrder, o.Type)
	case o.Direction != direction:
		return fmt.Errorf("%w: direction %s, expected %s", ErrInvalidOrder, o.Direction, direction)
	case o.Ticker != ob.ticker:
		return fmt.Errorf("%w: ticker %s, book is %s", ErrInvalidOrder, o.Ticker, ob.ticker)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidOrder, o.Quantity)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price %s must be positive", ErrInvalidOrder, o.Price)
	}
	return nil
}

// crosses reports whether the taker's limit reaches the given resting price.
func crosses(taker *domain.Order, price decimal.Decimal) bool {
	if taker.Direction == domain.DirectionBuy {
		return price.LessThanOrEqual(taker.Price)
	}
	return price.GreaterThanOrEqual(taker.Price)
}

// matchOrder consumes the opposite side level by level until the taker is
// filled or no longer crosses, then rests whatever is left.
// taker is owned by the book from here on.
func (ob *OrderBook) matchOrder(taker *domain.Order) {
	own := ob.side(taker.Direction)
	opposite := ob.side(taker.Direction.Opposite())

	taker.Status = domain.OrderStatusPending
	if taker.Created.IsZero() {
		taker.Created = ob.now()
	}

	for taker.Quantity > 0 {
		level := opposite.best()
		if level == nil || !crosses(taker, level.Price) {
			own.addOrder(taker)
			ob.events = append(ob.events, domain.OrderCreated{Order: *taker})
			return
		}

		ob.fillLevel(taker, level)

		if level.Orders.Len() == 0 {
			opposite.removeBest()
		}
	}
}

// fillLevel matches the taker against one price level in time priority.
func (ob *OrderBook) fillLevel(taker *domain.Order, level *bookLevel) {
	for e := level.Orders.Front(); e != nil && taker.Quantity > 0; e = e.Next() {
		maker := e.Value.(*domain.Order)

		matchQty := min(taker.Quantity, maker.Quantity)

		maker.Quantity -= matchQty
		taker.Quantity -= matchQty
		level.TotalVolume -= matchQty

		if maker.Quantity == 0 {
			maker.Status = domain.OrderStatusCompleted
			ob.events = append(ob.events, domain.OrderCompleted{Order: *maker})
		} else {
			maker.Status = domain.OrderStatusPartial
			ob.events = append(ob.events, domain.OrderUpdated{Order: *maker})
		}

		if taker.Quantity == 0 {
			taker.Status = domain.OrderStatusCompleted
		} else {
			taker.Status = domain.OrderStatusPartial
		}

		buyer, seller := taker.Account, maker.Account
		if taker.Direction == domain.DirectionSell {
			buyer, seller = maker.Account, taker.Account
		}

		trade := domain.Trade{
			ID:       ob.newID(),
			Ticker:   ob.ticker,
			Date:     ob.now(),
			Price:    maker.Price, // execute at maker's (resting) price
			Quantity: matchQty,
			Buyer:    buyer,
			Seller:   seller,
		}
		ob.trades = append(ob.trades, trade)
		ob.events = append(ob.events, domain.TradeCreated{Trade: trade})
	}

	// Drop filled makers
	for e := level.Orders.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*domain.Order).Quantity == 0 {
			level.Orders.Remove(e)
		}
		e = next
	}
}

// BidDepth returns the aggregated bid levels, highest price first.
func (ob *OrderBook) BidDepth() []domain.DepthLevel {
	return ob.BuyBook.depth()
}

// AskDepth returns the aggregated ask levels, lowest price first.
func (ob *OrderBook) AskDepth() []domain.DepthLevel {
	return ob.SellBook.depth()
}

// BestBid returns the highest resting buy price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	return ob.BuyBook.BestPrice()
}

// BestAsk returns the lowest resting sell price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	return ob.SellBook.BestPrice()
}

// Trades returns the session's trades: the seeded history followed by every
// trade produced since construction.
func (ob *OrderBook) Trades() []domain.Trade {
	trades := make([]domain.Trade, len(ob.trades))
	copy(trades, ob.trades)
	return trades
}

// DrainEvents returns the buffered events in emission order and clears the buffer.
func (ob *OrderBook) DrainEvents() []domain.Event {
	events := ob.events
	ob.events = nil
	return events
}

// View returns the depth and trade projection of the book.
func (ob *OrderBook) View() domain.MarketView {
	return domain.MarketView{
		Ticker: ob.ticker,
		Bids:   ob.BidDepth(),
		Asks:   ob.AskDepth(),
		Trades: ob.Trades(),
	}
}
