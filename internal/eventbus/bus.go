// Package eventbus fans settled-trade, order, and balance events out to
// in-process subscribers such as the outbox dispatcher and read-model caches.
package eventbus

import (
	"context"

	"github.com/meridianbank/trading/internal/schema"
)

// SubscriptionID identifies an active subscription.
type SubscriptionID string

// Bus is the fan-out contract. Events are immutable values; subscribers may
// retain them.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig tunes the in-memory bus.
type MemoryConfig struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
	// FanoutWorkers bounds the goroutines used per publish.
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
