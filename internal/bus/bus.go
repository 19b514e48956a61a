// Package bus implements the in-process event spine: a typed
// publish/subscribe fabric wiring market data, strategies, risk, execution,
// and the audit sink together.
//
// Delivery contract: at-most-once, in-process. Events sharing a partition
// key (symbol for market events, account for account events) reach each
// subscriber in publish order. Every subscriber has a bounded queue; when it
// overflows the oldest queued event is dropped and counted, and the counts
// are flushed once per second as eventDropped events. Overflow is
// observable, never silent.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventName identifies a spine topic. The set is closed: components publish
// only these names and the audit sink records all of them.
type EventName string

const (
	EvBar                EventName = "bar"
	EvTicker             EventName = "ticker"
	EvBook               EventName = "book"
	EvSignal             EventName = "signal"
	EvSignalRejected     EventName = "signalRejected"
	EvOrderSubmitted     EventName = "orderSubmitted"
	EvOrderPartial       EventName = "orderPartial"
	EvOrderFilled        EventName = "orderFilled"
	EvOrderFailed        EventName = "orderFailed"
	EvOrderCancelled     EventName = "orderCancelled"
	EvRiskEvent          EventName = "riskEvent"
	EvCircuitBreaker     EventName = "circuitBreaker"
	EvConnectionLost     EventName = "connectionLost"
	EvConnectionRestored EventName = "connectionRestored"
	EvStrategyStarted    EventName = "strategyStarted"
	EvStrategyStopped    EventName = "strategyStopped"
	EvEngineStarted      EventName = "engineStarted"
	EvEngineStopped      EventName = "engineStopped"
	EvShutdown           EventName = "shutdown"
	EvEventDropped       EventName = "eventDropped"
)

// Event is one published unit. Key is the partition key ("" for global
// events); Data is the typed payload for the event name.
type Event struct {
	Name EventName
	Key  string
	Ts   time.Time
	Data any
}

// Dropped is the payload of an eventDropped event.
type Dropped struct {
	Subscriber string `json:"subscriber"`
	Count      int64  `json:"count"`
}

// Subscription is one consumer's bounded queue. Read events from C();
// call Bus.Unsubscribe when done.
type Subscription struct {
	name  string
	names map[EventName]bool // nil = all topics
	ch    chan Event

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// C returns the receive channel. It is closed when the subscription is
// removed or the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// wants reports whether this subscription is interested in the event name.
func (s *Subscription) wants(name EventName) bool {
	return s.names == nil || s.names[name]
}

// deliver enqueues the event, dropping the oldest queued one when full.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
		return
	default:
	}
	// Queue full: make room by discarding the oldest entry, then retry.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}

// Bus is the spine. Create with New, start the maintenance loop with Run,
// publish with Publish/Emit.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	queueCap int
	logger   *slog.Logger
}

// DefaultQueueCap is the per-subscriber queue size when none is configured.
const DefaultQueueCap = 256

// New creates a bus with the given per-subscriber queue capacity
// (0 = DefaultQueueCap).
func New(logger *slog.Logger, queueCap int) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Bus{
		queueCap: queueCap,
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a named consumer for the given event names.
// No names means all topics (the audit tap uses this).
func (b *Bus) Subscribe(name string, names ...EventName) *Subscription {
	sub := &Subscription{
		name: name,
		ch:   make(chan Event, b.queueCap),
	}
	if len(names) > 0 {
		sub.names = make(map[EventName]bool, len(names))
		for _, n := range names {
			sub.names[n] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// SubscribeAll registers a consumer for every topic.
func (b *Bus) SubscribeAll(name string) *Subscription {
	return b.Subscribe(name)
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Publish fans the event out to every interested subscriber. Safe for
// concurrent use; per-key ordering follows from each key having a single
// publishing goroutine.
func (b *Bus) Publish(evt Event) {
	if evt.Ts.IsZero() {
		evt.Ts = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.wants(evt.Name) {
			sub.deliver(evt)
		}
	}
}

// Emit is Publish with the fields spelled out.
func (b *Bus) Emit(name EventName, key string, data any) {
	b.Publish(Event{Name: name, Key: key, Data: data})
}

// Run flushes drop counters until the context is cancelled. Dropped counts
// are surfaced as eventDropped events rather than being published from the
// hot path, so an overflowing subscriber cannot amplify itself.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flushDrops()
			return
		case <-ticker.C:
			b.flushDrops()
		}
	}
}

func (b *Bus) flushDrops() {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if n := sub.dropped.Swap(0); n > 0 {
			b.logger.Warn("subscriber overflow", "subscriber", sub.name, "dropped", n)
			b.Emit(EvEventDropped, "", Dropped{Subscriber: sub.name, Count: n})
		}
	}
}

// DroppedCount returns the not-yet-flushed drop count for a subscription.
func (b *Bus) DroppedCount(sub *Subscription) int64 { return sub.dropped.Load() }

// Close stops delivery and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	b.subs = nil
}
