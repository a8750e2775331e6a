// Package outbox provides durable event publishing: events are written to
// storage in the same transaction as the state they describe, then replayed
// to the bus until delivery succeeds.
package outbox

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event is a single entry ready to be enqueued.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Instrument    string
	Seq           uint64
	Payload       json.RawMessage
	AvailableAt   time.Time
}

// EventRecord captures the persisted state of an outbox entry.
type EventRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Instrument    string
	Seq           uint64
	Payload       json.RawMessage
	AvailableAt   time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     string
	Delivered     bool
	CreatedAt     time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (EventRecord, error)
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
}
