package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/taskweave/internal/model"
)

// Collector keeps one multicast stream per execution id. Streams are created on
// first publish or first subscribe; subscribers only see events published after
// they subscribed. A root-level terminal event closes every subscriber channel
// and retires the stream; the id is remembered until evicted so late
// subscribers get an already-closed channel.
type Collector struct {
	mu         sync.Mutex
	streams    map[model.ExecutionID]*stream
	finished   map[model.ExecutionID]time.Time
	bufferSize int
	dropped    atomic.Int64
}

type stream struct {
	subs      map[uint64]chan model.ExecutionEvent
	nextID    uint64
	createdAt time.Time
}

func NewCollector(bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Collector{
		streams:    make(map[model.ExecutionID]*stream),
		finished:   make(map[model.ExecutionID]time.Time),
		bufferSize: bufferSize,
	}
}

// Publish delivers event to the current subscribers of its execution.
// Subscribers with a full buffer lose the event.
func (c *Collector) Publish(event model.ExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.finished[event.ExecutionID]; done {
		return
	}
	s := c.streamLocked(event.ExecutionID)
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			c.dropped.Add(1)
		}
	}

	if event.IsTerminal() {
		for _, ch := range s.subs {
			close(ch)
		}
		delete(c.streams, event.ExecutionID)
		c.finished[event.ExecutionID] = time.Now()
	}
}

// Subscribe returns a channel of the execution's future events and a cancel
// function. The channel is closed after the terminal event, on cancel, or
// immediately if the execution already finished.
func (c *Collector) Subscribe(id model.ExecutionID) (<-chan model.ExecutionEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan model.ExecutionEvent, c.bufferSize)
	if _, done := c.finished[id]; done {
		close(ch)
		return ch, func() {}
	}

	s := c.streamLocked(id)
	key := s.nextID
	s.nextID++
	s.subs[key] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if current, ok := c.streams[id]; !ok || current != s {
				return // retired; channel already closed
			}
			if sub, ok := s.subs[key]; ok {
				delete(s.subs, key)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Finished reports whether a terminal event was seen for id and not yet evicted.
func (c *Collector) Finished(id model.ExecutionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, done := c.finished[id]
	return done
}

// Active returns the number of live streams.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Dropped returns how many deliveries were discarded on full buffers.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Evict forgets finished executions retired before cutoff and idle streams
// (no subscribers) created before cutoff. Returns the number of ids removed.
func (c *Collector) Evict(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, at := range c.finished {
		if at.Before(cutoff) {
			delete(c.finished, id)
			removed++
		}
	}
	for id, s := range c.streams {
		if len(s.subs) == 0 && s.createdAt.Before(cutoff) {
			delete(c.streams, id)
			removed++
		}
	}
	return removed
}

func (c *Collector) streamLocked(id model.ExecutionID) *stream {
	s, ok := c.streams[id]
	if !ok {
		s = &stream{
			subs:      make(map[uint64]chan model.ExecutionEvent),
			createdAt: time.Now(),
		}
		c.streams[id] = s
	}
	return s
}
