package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridianbank/trading/internal/observability"
	"github.com/meridianbank/trading/internal/schema"
)

// Publisher is the delivery target, normally the in-process event bus.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// DispatcherConfig tunes the replay loop.
type DispatcherConfig struct {
	// PollInterval is the delay between drains of the pending queue.
	PollInterval time.Duration
	// BatchSize caps the events fetched per drain.
	BatchSize int
	// MaxBackoff caps the sleep after consecutive store failures.
	MaxBackoff time.Duration
}

func (c DispatcherConfig) normalize() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Dispatcher drains pending outbox entries and republishes them until each
// one is delivered. Delivery tracking lives in the store, so a crashed
// dispatcher resumes where it left off.
type Dispatcher struct {
	cfg   DispatcherConfig
	store Store
	bus   Publisher
	log   observability.Logger

	deliveredCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// NewDispatcher constructs a dispatcher over the given store and bus.
func NewDispatcher(cfg DispatcherConfig, store Store, bus Publisher) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg.normalize(),
		store: store,
		bus:   bus,
		log:   observability.Log(),
	}
	meter := otel.Meter("outbox")
	d.deliveredCounter, _ = meter.Int64Counter("outbox.events.delivered",
		metric.WithDescription("Outbox events delivered to the bus"),
		metric.WithUnit("{event}"))
	d.failedCounter, _ = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Outbox delivery attempts that failed"),
		metric.WithUnit("{event}"))
	return d
}

// Run drains the outbox until the context is cancelled. Store outages back
// off exponentially; a successful drain resets the schedule.
func (d *Dispatcher) Run(ctx context.Context) error {
	cfg := backoff.NewExponentialBackOff()
	cfg.MaxInterval = d.cfg.MaxBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := d.Drain(ctx); err != nil {
			d.log.Error("outbox drain failed", observability.F("error", err.Error()))
			sleep := cfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = d.cfg.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}
		cfg.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Drain publishes one batch of pending events. Individual delivery failures
// are recorded against the entry and do not fail the drain.
func (d *Dispatcher) Drain(ctx context.Context) error {
	records, err := d.store.ListPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range records {
		evt := schema.Event{
			Type:       schema.EventType(rec.EventType),
			Instrument: rec.Instrument,
			Seq:        rec.Seq,
			OccurredAt: rec.CreatedAt,
			Payload:    rec.Payload,
		}
		attrs := metric.WithAttributes(
			attribute.String("event_type", rec.EventType),
			attribute.String("instrument", rec.Instrument))
		if err := d.bus.Publish(ctx, evt); err != nil {
			d.failedCounter.Add(ctx, 1, attrs)
			if merr := d.store.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
				return merr
			}
			continue
		}
		if err := d.store.MarkDelivered(ctx, rec.ID); err != nil {
			return err
		}
		d.deliveredCounter.Add(ctx, 1, attrs)
	}
	return nil
}
