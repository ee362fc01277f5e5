package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id, err := NewID(now)
	require.NoError(t, err)
	assert.Len(t, id, 26)

	parsed, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(now), parsed.Time())
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink(3)

	assert.ErrorIs(t, sink.Record(ctx, Event{UserID: "u1"}), ErrInvalidEvent)

	for _, e := range []Event{
		{Type: EventLogin, UserID: "u1"},
		{Type: EventPageView, UserID: "u2"},
		{Type: EventAppLaunch, UserID: "u1", AppID: "hub"},
		{Type: EventLogout, UserID: "u1"},
	} {
		require.NoError(t, sink.Record(ctx, e))
	}

	assert.Equal(t, 3, sink.Len())

	events, err := sink.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventLogout, events[0].Type)
	assert.Equal(t, EventAppLaunch, events[1].Type)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())

	events, err = sink.Recent(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventLogout, events[0].Type)

	assert.NoError(t, sink.Close())
}

type failingSink struct {
	MemorySink
	mu       sync.Mutex
	failures int
}

func (s *failingSink) Record(context.Context, Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return errors.New("sink unavailable")
}

func TestRecorder(t *testing.T) {
	sink := NewMemorySink(0)
	r := NewRecorder(sink, 8)
	r.Start(context.Background())

	r.Record(Event{Type: EventLogin, UserID: "u1"})
	r.Record(Event{Type: EventLogout, UserID: "u1"})
	r.Stop()
	r.Stop()

	assert.Equal(t, 2, sink.Len())
}

func TestRecorder_SinkFailureIsContained(t *testing.T) {
	sink := &failingSink{}
	r := NewRecorder(sink, 1)
	r.Start(context.Background())

	r.Record(Event{Type: EventLogin})
	r.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.failures)
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	sink := NewMemorySink(0)
	r := NewRecorder(sink, 1)

	// Not started: the queue fills and further events are dropped
	r.Record(Event{Type: EventLogin})
	r.Record(Event{Type: EventLogout})

	r.Start(context.Background())
	r.Stop()
	assert.Equal(t, 1, sink.Len())
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() { r.Record(Event{Type: EventLogin}) })
}
