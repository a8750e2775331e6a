package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

// MemoryBus is the in-memory Bus implementation. Delivery is at-most-once:
// a full subscriber buffer drops the oldest event rather than blocking the
// matching path.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Event
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[schema.EventType]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	return bus
}

// Publish fans the event out to all subscribers of its type.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus.publish", errs.CodeInvalidParameters,
			errs.WithMessage("event type required"))
	}

	// Snapshot subscribers so the lock is never held during delivery.
	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("instrument", evt.Instrument)))
	}
	if len(subs) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	errCh := make(chan error, len(subs))
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			if err := b.deliver(ctx, sub, evt); err != nil {
				errCh <- err
			}
		})
	}
	p.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers for events of the given type. The channel closes on
// Unsubscribe, bus Close, or cancellation of the passed context.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus.subscribe", errs.CodeInvalidParameters,
			errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan schema.Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					attribute.String("event_type", string(typ))))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts the bus down and closes every subscription.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[typ]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) error {
	if sub.ctx.Err() != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus.publish", errs.CodeUnavailable,
			errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- evt:
		return nil
	default:
		// Drop the oldest buffered event to make room for the newest.
		select {
		case <-sub.ch:
		default:
		}
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event_type", string(evt.Type)),
				attribute.String("instrument", evt.Instrument)))
		}
		select {
		case sub.ch <- evt:
			return nil
		default:
			return errs.New("eventbus.publish", errs.CodeUnavailable,
				errs.WithMessage("subscriber buffer full"))
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
