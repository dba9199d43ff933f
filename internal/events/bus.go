// Package events provides a minimal in-process pub/sub bus. The monitor
// publishes position updates; the websocket hub fans them out to clients.
package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventPositionUpdated EventType = "position_updated"
	EventPositionClosed  EventType = "position_closed"
	EventSignalProcessed EventType = "signal_processed"
)

// PositionEvent is the payload for position lifecycle events.
type PositionEvent struct {
	PositionID   int64           `json:"position_id"`
	UserID       int64           `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	Status       string          `json:"status"`
	CloseReason  string          `json:"close_reason,omitempty"`
}

// Event is a bus message.
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bus delivers events to subscribers. Delivery is non-blocking: a subscriber
// that cannot keep up drops events rather than stalling a publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all future events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if (<-chan Event)(sub) == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(eventType EventType, payload interface{}) {
	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}
