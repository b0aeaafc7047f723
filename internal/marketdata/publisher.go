package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/eventbus"
)

const (
	ringBufferCapacity = 100
	tradeLogCapacity   = 10_000
	defaultInterval    = "1m"
)

// candleState tracks the current (building) candlestick for a ticker.
type candleState struct {
	current  *domain.Candlestick
	hasData  bool
	interval time.Duration
}

// RingBuffer is a fixed-size circular buffer of candlesticks.
type RingBuffer struct {
	data  [ringBufferCapacity]*domain.Candlestick
	head  int // next write position
	count int
}

// Push adds a candlestick to the ring buffer.
func (rb *RingBuffer) Push(c *domain.Candlestick) {
	rb.data[rb.head] = c
	rb.head = (rb.head + 1) % ringBufferCapacity
	if rb.count < ringBufferCapacity {
		rb.count++
	}
}

// GetRecent returns the N most recent candlesticks, oldest first.
func (rb *RingBuffer) GetRecent(n int) []*domain.Candlestick {
	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]*domain.Candlestick, n)
	start := (rb.head - n + ringBufferCapacity) % ringBufferCapacity
	for i := range n {
		idx := (start + i) % ringBufferCapacity
		result[i] = rb.data[idx]
	}
	return result
}

// Publisher consumes TradeCreated events and maintains candlesticks and a
// queryable log of the most recent trades.
type Publisher struct {
	mu sync.RWMutex

	// Per-ticker candlestick ring buffers (completed candles)
	candles map[domain.Ticker]*RingBuffer

	// Per-ticker current (building) candle state
	states map[domain.Ticker]*candleState

	// Most recent trades across tickers, oldest first
	trades     []domain.Trade
	tradeLimit int

	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewPublisher creates a new market data publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		candles:    make(map[domain.Ticker]*RingBuffer),
		states:     make(map[domain.Ticker]*candleState),
		tradeLimit: tradeLogCapacity,
		interval:   time.Minute,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Register subscribes the publisher to the trades of applied batches.
func (p *Publisher) Register(d *eventbus.Dispatcher) {
	d.Subscribe(domain.EventKindTradeCreated, p.HandleTradeCreated)
}

// Start begins closing candles on every interval boundary.
func (p *Publisher) Start() {
	go p.run()
}

// Stop shuts down the publisher.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Publisher) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("market data publisher started")
	for {
		select {
		case <-ticker.C:
			p.rotateCandlesticks()
		case <-p.done:
			p.logger.Info("market data publisher stopped")
			return
		}
	}
}

// HandleTradeCreated records the trade and folds it into the current candle.
func (p *Publisher) HandleTradeCreated(_ context.Context, event domain.Event) error {
	ev, ok := event.(domain.TradeCreated)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades = append(p.trades, ev.Trade)
	if over := len(p.trades) - p.tradeLimit; over > 0 {
		p.trades = p.trades[over:]
	}
	p.updateCandle(ev.Trade)
	return nil
}

// updateCandle updates the current candlestick for a ticker based on a trade.
func (p *Publisher) updateCandle(trade domain.Trade) {
	state, exists := p.states[trade.Ticker]
	if !exists {
		state = &candleState{
			interval: p.interval,
		}
		p.states[trade.Ticker] = state
	}

	if !state.hasData {
		// First trade in this interval
		state.current = &domain.Candlestick{
			Ticker:    trade.Ticker,
			Open:      trade.Price,
			High:      trade.Price,
			Low:       trade.Price,
			Close:     trade.Price,
			Volume:    trade.Quantity,
			Timestamp: trade.Date.Truncate(state.interval),
			Interval:  defaultInterval,
		}
		state.hasData = true
		return
	}

	c := state.current
	if trade.Price.GreaterThan(c.High) {
		c.High = trade.Price
	}
	if trade.Price.LessThan(c.Low) {
		c.Low = trade.Price
	}
	c.Close = trade.Price
	c.Volume += trade.Quantity
}

// rotateCandlesticks closes the current candle and starts a new interval.
func (p *Publisher) rotateCandlesticks() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ticker, state := range p.states {
		if !state.hasData {
			continue
		}

		rb, exists := p.candles[ticker]
		if !exists {
			rb = &RingBuffer{}
			p.candles[ticker] = rb
		}
		rb.Push(state.current)

		state.hasData = false
		state.current = nil
	}
}

// GetCandles returns up to count recent candlesticks for a ticker, the
// building one last.
func (p *Publisher) GetCandles(ticker domain.Ticker, count int) []domain.Candlestick {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if count <= 0 {
		return nil
	}
	state, building := p.states[ticker]
	building = building && state.hasData
	if building {
		count--
	}

	var result []domain.Candlestick
	if rb, exists := p.candles[ticker]; exists {
		for _, c := range rb.GetRecent(count) {
			result = append(result, *c)
		}
	}
	if building {
		result = append(result, *state.current)
	}
	return result
}

// GetTrades returns trades matching the filter criteria. Zero values match all.
func (p *Publisher) GetTrades(ticker domain.Ticker, account uuid.UUID, since time.Time) []domain.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []domain.Trade
	for _, trade := range p.trades {
		if ticker != "" && trade.Ticker != ticker {
			continue
		}
		if account != uuid.Nil && trade.Buyer != account && trade.Seller != account {
			continue
		}
		if !since.IsZero() && trade.Date.Before(since) {
			continue
		}
		result = append(result, trade)
	}
	return result
}
