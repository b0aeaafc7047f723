package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nathanyu/limit-market/internal/domain"
)

// HandlerFunc reacts to one drained event.
type HandlerFunc func(ctx context.Context, event domain.Event) error

// Sink receives drained events after they have been dispatched, e.g. to
// broadcast them to subscribers outside the process.
type Sink interface {
	Publish(ctx context.Context, events []domain.Event) error
}

// Snapshotter is state written by registered handlers. Snapshot captures it
// and returns a func that puts it back.
type Snapshotter interface {
	Snapshot() (restore func())
}

// Dispatcher routes drained events to the handlers registered for their kind.
//
// A batch is applied as a whole: events are delivered one at a time, in the
// order given, to the registered handlers. If one of them fails, every
// enlisted Snapshotter is restored to its state before the batch. Only once
// the batch has been applied do subscribers see its events.
type Dispatcher struct {
	mu           sync.RWMutex
	handlers     map[domain.EventKind][]HandlerFunc
	subscribers  map[domain.EventKind][]HandlerFunc
	participants []Snapshotter
	logger       *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers:    make(map[domain.EventKind][]HandlerFunc),
		subscribers: make(map[domain.EventKind][]HandlerFunc),
		logger:      logger,
	}
}

// Register adds a handler for an event kind. Handlers of the same kind run in
// registration order. A handler error fails the batch.
func (d *Dispatcher) Register(kind domain.EventKind, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], handler)
}

// Enlist adds state that is rolled back when a batch fails.
func (d *Dispatcher) Enlist(s Snapshotter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants = append(d.participants, s)
}

// Subscribe adds a handler that sees the events of applied batches only.
// Its errors are logged and do not affect the batch.
func (d *Dispatcher) Subscribe(kind domain.EventKind, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[kind] = append(d.subscribers[kind], handler)
}

// Dispatch applies a batch of events and stops at the first handler error,
// after restoring the enlisted state. Events without a handler are skipped.
//
// ctx is only checked before the batch starts; once started a batch runs to
// completion or rollback.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()

	restores := make([]func(), len(d.participants))
	for i, p := range d.participants {
		restores[i] = p.Snapshot()
	}

	if err := d.apply(ctx, events); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		d.logger.WarnContext(ctx, "batch rolled back", slog.Int("events", len(events)), slog.Any("error", err))
		return err
	}

	d.notify(ctx, events)
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, events []domain.Event) error {
	for i, event := range events {
		handlers := d.handlers[event.Kind()]
		if len(handlers) == 0 {
			d.logger.DebugContext(ctx, "no handler for event", slog.String("kind", string(event.Kind())))
			continue
		}
		for _, handle := range handlers {
			if err := handle(ctx, event); err != nil {
				return fmt.Errorf("dispatch %s (%d of %d): %w", event.Kind(), i+1, len(events), err)
			}
		}
	}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, events []domain.Event) {
	for _, event := range events {
		for _, handle := range d.subscribers[event.Kind()] {
			if err := handle(ctx, event); err != nil {
				d.logger.ErrorContext(ctx, "subscriber failed",
					slog.String("kind", string(event.Kind())),
					slog.Any("error", err),
				)
			}
		}
	}
}
