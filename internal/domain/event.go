package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names an event variant. Dispatchers key handlers on it.
type EventKind string

const (
	EventKindOrderCreated   EventKind = "OrderCreated"
	EventKindOrderUpdated   EventKind = "OrderUpdated"
	EventKindOrderCompleted EventKind = "OrderCompleted"
	EventKindTradeCreated   EventKind = "TradeCreated"
)

// Event is a state change emitted by an order book. The set of variants is
// closed: OrderCreated, OrderUpdated, OrderCompleted and TradeCreated.
type Event interface {
	Kind() EventKind
	isEvent()
}

// OrderCreated is emitted when an order starts resting in the book.
type OrderCreated struct {
	Order Order `json:"order"`
}

// OrderUpdated is emitted when a resting order is partially filled.
type OrderUpdated struct {
	Order Order `json:"order"`
}

// OrderCompleted is emitted when a resting order is fully filled and leaves the book.
type OrderCompleted struct {
	Order Order `json:"order"`
}

// TradeCreated is emitted for every match.
type TradeCreated struct {
	Trade Trade `json:"trade"`
}

func (OrderCreated) Kind() EventKind   { return EventKindOrderCreated }
func (OrderUpdated) Kind() EventKind   { return EventKindOrderUpdated }
func (OrderCompleted) Kind() EventKind { return EventKindOrderCompleted }
func (TradeCreated) Kind() EventKind   { return EventKindTradeCreated }

func (OrderCreated) isEvent()   {}
func (OrderUpdated) isEvent()   {}
func (OrderCompleted) isEvent() {}
func (TradeCreated) isEvent()   {}

// EventTicker returns the instrument an event belongs to.
func EventTicker(e Event) Ticker {
	switch ev := e.(type) {
	case OrderCreated:
		return ev.Order.Ticker
	case OrderUpdated:
		return ev.Order.Ticker
	case OrderCompleted:
		return ev.Order.Ticker
	case TradeCreated:
		return ev.Trade.Ticker
	}
	return ""
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      EventKind       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EncodeEvent converts an event to JSON bytes with envelope
func EncodeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.Kind(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DecodeEvent converts JSON bytes back to an Event
func DecodeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case EventKindOrderCreated:
		var e OrderCreated
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindOrderUpdated:
		var e OrderUpdated
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindOrderCompleted:
		var e OrderCompleted
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindTradeCreated:
		var e TradeCreated
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}
}
