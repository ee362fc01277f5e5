package activity

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/sso-relay/internal/log"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Recorder hands events to a Sink on a background goroutine so request
// handlers never wait on the sink. When the queue is full, events are dropped
// and logged.
type Recorder struct {
	sink     Sink
	events   chan Event
	timeout  time.Duration
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRecorder creates a recorder for sink. Call Start before Record.
func NewRecorder(sink Sink, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		sink:     sink,
		events:   make(chan Event, queueSize),
		timeout:  defaultWriteTimeout,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the write loop in a goroutine
func (r *Recorder) Start(ctx context.Context) {
	log.LogInfoWithFields("activity", "Starting activity recorder", map[string]any{
		"queue": cap(r.events),
	})
	go r.run(ctx)
}

// Record queues an event without blocking.
func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	select {
	case r.events <- event:
	default:
		log.LogWarnWithFields("activity", "Activity queue full, dropping event", map[string]any{
			"event_type": event.Type,
			"user_id":    event.UserID,
		})
	}
}

// Stop flushes queued events and waits for the write loop to finish
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		<-r.doneChan
		log.LogInfoWithFields("activity", "Activity recorder stopped", nil)
	})
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.doneChan)

	for {
		select {
		case event := <-r.events:
			r.write(ctx, event)
		case <-r.stopChan:
			r.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case event := <-r.events:
			r.write(ctx, event)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sink.Record(ctx, event); err != nil {
		log.LogErrorWithFields("activity", "Failed to record activity event", map[string]any{
			"event_type": event.Type,
			"user_id":    event.UserID,
			"error":      err.Error(),
		})
	}
}
