package activity

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/sso-relay/internal/log"
)

// FirestoreSink stores activity events in a Google Cloud Firestore
// collection, one document per event keyed by event ID.
type FirestoreSink struct {
	client     *firestore.Client
	collection string
}

// Ensure FirestoreSink implements Sink interface
var _ Sink = (*FirestoreSink)(nil)

// NewFirestoreSink creates a new Firestore sink
func NewFirestoreSink(ctx context.Context, projectID, database, collection string) (*FirestoreSink, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("activity", "Firestore activity sink ready", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreSink{client: client, collection: collection}, nil
}

// Record creates the event document. Recording the same event twice is not
// an error.
func (s *FirestoreSink) Record(ctx context.Context, event Event) error {
	if err := prepare(&event, time.Now()); err != nil {
		return err
	}

	_, err := s.client.Collection(s.collection).Doc(event.ID).Create(ctx, event)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storing activity event: %w", err)
	}
	return nil
}

// Recent returns the newest events of a user
func (s *FirestoreSink) Recent(ctx context.Context, userID string, limit int) ([]Event, error) {
	q := s.client.Collection(s.collection).OrderBy("created_at", firestore.Desc)
	if userID != "" {
		q = q.Where("user_id", "==", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var events []Event
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate activity events: %w", err)
		}

		var event Event
		if err := doc.DataTo(&event); err != nil {
			log.LogError("Failed to unmarshal activity event (id: %s): %v", doc.Ref.ID, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the Firestore client
func (s *FirestoreSink) Close() error {
	return s.client.Close()
}
