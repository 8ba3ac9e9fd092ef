// Package events carries execution lifecycle events from the engine to its
// observers: the bus fans events out, the collector exposes one stream per
// execution, and the audit logger persists them as JSON lines.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/taskweave/internal/model"
)

// AllEvents subscribes to every event type.
const AllEvents model.EventType = ""

// Handler receives one event.
type Handler func(model.ExecutionEvent)

// Publisher is the write side of the bus used by the engine.
type Publisher interface {
	Publish(event model.ExecutionEvent)
}

// Bus fans published events out to two kinds of receivers.
//
// Sinks attached with Attach run synchronously in the publishing goroutine and
// see every event in publish order; the tracker and the collector are sinks.
// Subscribers registered with Subscribe are delivered asynchronously through
// buffered channels, and an event is dropped for a subscriber whose channel is
// full, so a slow observer never stalls an execution.
type Bus struct {
	mu          sync.RWMutex
	sinks       []Handler
	subscribers map[model.EventType][]chan model.ExecutionEvent
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[model.EventType][]chan model.ExecutionEvent),
		bufferSize:  bufferSize,
	}
}

// Attach registers a synchronous sink. Sinks must not block.
func (b *Bus) Attach(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, fn)
}

// Subscribe registers an asynchronous subscriber for one event type, or for all
// of them with AllEvents. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType model.EventType, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	ch := make(chan model.ExecutionEvent, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// Publish stamps the event if needed, runs every sink, then offers the event to
// the subscribers of its type and to the wildcard subscribers.
func (b *Bus) Publish(event model.ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sink := range b.sinks {
		deliver(sink, event)
	}

	for _, key := range []model.EventType{event.Type, AllEvents} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns how many subscriber deliveries were discarded on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions. Later
// publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.sinks = nil
}

// deliver isolates the bus from a panicking receiver.
func deliver(fn Handler, event model.ExecutionEvent) {
	defer func() {
		_ = recover()
	}()
	fn(event)
}
