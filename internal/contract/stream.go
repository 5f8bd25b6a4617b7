package contract

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamEvent is one entry in a bounded event stream. Sequence is strictly
// increasing per stream and survives buffer eviction.
type StreamEvent struct {
	ID        string
	Type      string
	Data      map[string]any
	Timestamp time.Time
	Sequence  uint64
}

// EventStream is a bounded ring buffer of events. When full, the oldest
// event is dropped first.
type EventStream struct {
	mu       sync.Mutex
	capacity int
	events   []StreamEvent
	seq      uint64
	now      func() time.Time
}

// NewEventStream creates an EventStream holding at most capacity events.
func NewEventStream(capacity int) *EventStream {
	if capacity < 1 {
		capacity = 1
	}
	return &EventStream{
		capacity: capacity,
		events:   make([]StreamEvent, 0, capacity),
		now:      time.Now,
	}
}

// Emit appends an event with the next sequence number, evicting the oldest
// event when the buffer is full.
func (s *EventStream) Emit(eventType string, data map[string]any) StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	event := StreamEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: s.now(),
		Sequence:  s.seq,
	}
	if len(s.events) >= s.capacity {
		s.events = append(s.events[1:], event)
	} else {
		s.events = append(s.events, event)
	}
	return event
}

// ReplayFrom returns all events after the event with the given id. When the
// id is not in the buffer (already evicted, or never seen) the entire buffer
// is returned: over-delivery is preferred to silent loss.
func (s *EventStream) ReplayFrom(id string) []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, event := range s.events {
		if event.ID == id {
			out := make([]StreamEvent, len(s.events)-i-1)
			copy(out, s.events[i+1:])
			return out
		}
	}
	out := make([]StreamEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Events returns a snapshot of the buffered events in order.
func (s *EventStream) Events() []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamEvent, len(s.events))
	copy(out, s.events)
	return out
}

// StopRetrying is returned by ReconnectPolicy.Delay once the retry budget is
// exhausted.
const StopRetrying = time.Duration(-1)

// ReconnectPolicy computes exponential backoff with jitter for connection
// retry loops.
type ReconnectPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Jitter     time.Duration
	MaxRetries int

	rand func() float64
}

// DefaultReconnectPolicy is a sensible policy for long-running platform
// connections: retry forever, backing off to 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Jitter:     time.Second,
		MaxRetries: -1,
	}
}

// Delay returns min(initial*2^attempt, max) plus uniform jitter, or
// StopRetrying when attempt >= MaxRetries (MaxRetries < 0 retries forever).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if p.MaxRetries >= 0 && attempt >= p.MaxRetries {
		return StopRetrying
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		delay += time.Duration(r() * float64(p.Jitter))
	}
	return delay
}
