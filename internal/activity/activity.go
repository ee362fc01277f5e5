// Package activity records user activity events such as logins and app
// launches. Recording is best effort: a failing sink never fails the request
// that produced the event.
package activity

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names an activity event
type EventType string

const (
	EventAppLaunch EventType = "app_launch"
	EventLogin     EventType = "login"
	EventLogout    EventType = "logout"
	EventPageView  EventType = "page_view"
)

// ErrInvalidEvent is returned for events without a type
var ErrInvalidEvent = errors.New("invalid activity event")

// Event is one activity log entry.
type Event struct {
	ID        string         `firestore:"id" json:"id"`
	Type      EventType      `firestore:"event_type" json:"event_type"`
	UserID    string         `firestore:"user_id,omitempty" json:"user_id,omitempty"`
	UserEmail string         `firestore:"user_email,omitempty" json:"user_email,omitempty"`
	AppID     string         `firestore:"app_id,omitempty" json:"app_id,omitempty"`
	AppName   string         `firestore:"app_name,omitempty" json:"app_name,omitempty"`
	Data      map[string]any `firestore:"event_data,omitempty" json:"event_data,omitempty"`
	CreatedAt time.Time      `firestore:"created_at" json:"created_at"`
}

// Sink persists activity events
type Sink interface {
	Record(ctx context.Context, event Event) error
	// Recent returns up to limit events of a user, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]Event, error)
	Close() error
}

// NewID returns a new ULID string. ULIDs sort by creation time, so sinks can
// order events by ID.
func NewID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// prepare validates event and fills its ID and timestamp.
func prepare(event *Event, now time.Time) error {
	if event.Type == "" {
		return ErrInvalidEvent
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now.UTC()
	}
	if event.ID == "" {
		id, err := NewID(event.CreatedAt)
		if err != nil {
			return err
		}
		event.ID = id
	}
	return nil
}
