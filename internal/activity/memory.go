package activity

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the events a MemorySink keeps.
const DefaultMemoryCapacity = 10000

// MemorySink keeps the most recent events in memory. Oldest events are
// dropped once capacity is reached.
type MemorySink struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// Ensure MemorySink implements Sink interface
var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates a memory sink. A non-positive capacity selects
// DefaultMemoryCapacity.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) Record(_ context.Context, event Event) error {
	if err := prepare(&event, time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.capacity {
		s.events = slices.Delete(s.events, 0, len(s.events)-s.capacity+1)
	}
	s.events = append(s.events, event)
	return nil
}

func (s *MemorySink) Recent(_ context.Context, userID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if userID == "" || s.events[i].UserID == userID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// Len returns the number of events held
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemorySink) Close() error {
	return nil
}
