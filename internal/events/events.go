// Package events provides the deferred in-process event layer.
//
// During matching, events accumulate in a Pending queue owned by the
// caller. Nothing is published until the enclosing transaction commits;
// on rollback the queue is simply dropped. After commit the queue is
// flushed to the Bus, which dispatches to per-kind handler sets. Handler
// panics are caught and logged — a misbehaving subscriber can never
// corrupt committed state. Consumers that miss events recover by
// replaying the trade log.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/pkg/types"
)

// Kind identifies an event stream.
type Kind string

const (
	OrderMatch     Kind = "ORDER_MATCH"
	OrderFill      Kind = "ORDER_FILL"
	TradeExecution Kind = "TRADE_EXECUTION"
)

// MatchEvent is published once per match.
type MatchEvent struct {
	MarketID string
	Match    types.Match
}

// FillEvent is published for each side of each match — once for the taker
// and once for the maker.
type FillEvent struct {
	OrderID   string
	MarketID  string
	Side      types.Side
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Price     decimal.Decimal
	Complete  bool
}

// TradeEvent is published once per committed trade.
type TradeEvent struct {
	Trade types.Trade
}

// Event is one queued publication.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// Handler consumes events of one kind.
type Handler func(Event)

// Bus is an in-process publish/subscribe dispatcher with per-kind handler
// sets.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind][]Handler),
		logger:   logger.With("component", "events"),
	}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish dispatches one event to all handlers of its kind. Handler
// panics are caught and logged, never propagated.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	hs := b.handlers[evt.Kind]
	b.mu.RUnlock()

	for _, h := range hs {
		b.dispatch(h, evt)
	}
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", string(evt.Kind), "panic", r)
		}
	}()
	h(evt)
}

// Pending is the deferred queue accumulated while a matching transaction
// is open. Not safe for concurrent use; each PlaceOrder call owns one.
type Pending struct {
	events []Event
}

// Queue appends an event for post-commit publication.
func (p *Pending) Queue(kind Kind, payload any) {
	p.events = append(p.events, Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Len returns the number of queued events.
func (p *Pending) Len() int {
	return len(p.events)
}

// Flush publishes every queued event to the bus and empties the queue.
// Call only after the transaction committed.
func (p *Pending) Flush(bus *Bus) {
	for _, evt := range p.events {
		bus.Publish(evt)
	}
	p.events = nil
}
