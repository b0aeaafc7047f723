package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nathanyu/limit-market/internal/domain"
	"github.com/nathanyu/limit-market/internal/matching"
	"github.com/nathanyu/limit-market/internal/telemetry"
)

// ErrStopped is returned for requests submitted to, or still queued in, a
// stopped sequencer.
var ErrStopped = errors.New("sequencer stopped")

// Processor runs one unit of work. matching.Engine implements it.
type Processor interface {
	PlaceOrder(ctx context.Context, order domain.Order) (*matching.Result, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
}

type request struct {
	ctx      context.Context
	order    domain.Order
	cancelID uuid.UUID
	reply    chan response
}

type response struct {
	result *matching.Result
	order  domain.Order
	err    error
}

// Sequencer serializes every mutation of the books through a single
// goroutine, stamping a monotonically increasing inbound sequence number on
// each request and an outbound one on each emitted event batch. Callers block
// until their own request has been processed.
type Sequencer struct {
	inboundSeq  atomic.Uint64
	outboundSeq atomic.Uint64
	processor   Processor
	requests    chan request

	logger   *slog.Logger
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSequencer creates a sequencer feeding p. bufferSize bounds how many
// requests may wait in the queue.
func NewSequencer(p Processor, bufferSize int, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		processor: p,
		requests:  make(chan request, bufferSize),
		logger:    logger,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start begins the sequencer's application loop in a goroutine.
func (s *Sequencer) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop shuts the loop down and waits for the request in flight to finish.
// Queued requests fail with ErrStopped.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sequencer) run() {
	defer s.wg.Done()
	defer close(s.stopped)

	s.logger.Info("sequencer started")
	for {
		select {
		case <-s.done:
			s.drain()
			s.logger.Info("sequencer stopped", slog.Uint64("inbound_seq", s.inboundSeq.Load()))
			return
		case req := <-s.requests:
			s.process(req)
		}
	}
}

func (s *Sequencer) drain() {
	for {
		select {
		case req := <-s.requests:
			req.reply <- response{err: ErrStopped}
		default:
			return
		}
	}
}

func (s *Sequencer) process(req request) {
	seq := s.inboundSeq.Add(1)
	telemetry.SequencerInboundSeq.Set(float64(seq))
	req.ctx = telemetry.WithLogAttrs(req.ctx, slog.Uint64("seq", seq))

	// The caller gave up while queued; skip rather than mutate on its behalf.
	if err := req.ctx.Err(); err != nil {
		req.reply <- response{err: err}
		return
	}

	if req.cancelID != uuid.Nil {
		order, err := s.processor.CancelOrder(req.ctx, req.cancelID)
		req.reply <- response{order: order, err: err}
		return
	}

	result, err := s.processor.PlaceOrder(req.ctx, req.order)
	if err == nil {
		result.Sequence = seq
		if len(result.Events) > 0 {
			out := s.outboundSeq.Add(1)
			telemetry.SequencerOutboundSeq.Set(float64(out))
		}
	}
	s.logger.DebugContext(req.ctx, "request sequenced", slog.Uint64("seq", seq))
	req.reply <- response{result: result, err: err}
}

// Submit queues an order and waits for it to be matched.
func (s *Sequencer) Submit(ctx context.Context, order domain.Order) (*matching.Result, error) {
	resp, err := s.enqueue(ctx, request{ctx: ctx, order: order})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// Cancel queues a cancellation and waits for it to be applied.
func (s *Sequencer) Cancel(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	if id == uuid.Nil {
		return domain.Order{}, errors.New("cancel: order id is required")
	}
	resp, err := s.enqueue(ctx, request{ctx: ctx, cancelID: id})
	if err != nil {
		return domain.Order{}, err
	}
	return resp.order, resp.err
}

func (s *Sequencer) enqueue(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case <-s.done:
		return response{}, ErrStopped
	default:
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-s.done:
		return response{}, ErrStopped
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-s.stopped:
		// queued after the final drain
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrStopped
		}
	}
}

// CurrentInboundSeq returns the current inbound sequence number.
func (s *Sequencer) CurrentInboundSeq() uint64 {
	return s.inboundSeq.Load()
}

// CurrentOutboundSeq returns the current outbound sequence number.
func (s *Sequencer) CurrentOutboundSeq() uint64 {
	return s.outboundSeq.Load()
}
