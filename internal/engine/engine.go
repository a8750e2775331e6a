// Package engine is the matching core. It admits orders atomically against
// per-instrument books, settles resulting trades, and exposes read-only
// views of book depth, open orders, and trade history.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/book"
	"github.com/meridianbank/trading/internal/fees"
	"github.com/meridianbank/trading/internal/ledger"
	"github.com/meridianbank/trading/internal/observability"
	"github.com/meridianbank/trading/internal/risk"
	"github.com/meridianbank/trading/internal/schema"
	"github.com/meridianbank/trading/internal/settlement"
)

// Recorder persists the outcome of an admission before the engine reports it
// successful. makers carries the post-match snapshots of every resting order
// the admission filled or reduced; their rows must land in the same
// transaction as the taker's, or a crash resurrects consumed liquidity.
// A Recorder error aborts the admission and unwinds settlement.
type Recorder interface {
	RecordPlacement(ctx context.Context, order *schema.Order, makers []*schema.Order, trades []schema.Trade, deltas []schema.BalanceDelta, positions []schema.Position) error
	RecordCancellation(ctx context.Context, order *schema.Order) error
}

// Publisher delivers core events to outer layers. Publish failures never fail
// an admission; durable delivery is the outbox's job.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// PlaceOrderRequest carries the caller-supplied fields of a new order.
type PlaceOrderRequest struct {
	Instrument string
	OwnerID    string
	Side       schema.Side
	Kind       schema.OrderKind
	Quantity   decimal.Decimal
	LimitPrice *decimal.Decimal
}

// OrderResult is the synchronous outcome of an admission or cancellation.
// Warning is set when a market order's unfilled remainder was cancelled for
// lack of liquidity.
type OrderResult struct {
	Order   *schema.Order
	Trades  []schema.Trade
	Deltas  []schema.BalanceDelta
	Warning bool
}

// Depth is a point-in-time aggregate view of one instrument's book.
type Depth struct {
	Instrument string
	Bids       []book.Level
	Asks       []book.Level
}

// shard serializes all state transitions of one instrument. The mutex covers
// the book, the order arena, and position reads for the instrument.
type shard struct {
	mu     sync.Mutex
	book   *book.Book
	orders map[string]*schema.Order
}

// Engine coordinates matching, settlement, recording, and event publication.
type Engine struct {
	schedule fees.Schedule
	ledger   *ledger.Ledger
	settler  *settlement.Settler
	gate     *risk.Gate
	recorder Recorder
	bus      Publisher
	log      observability.Logger
	now      func() time.Time

	mu          sync.RWMutex
	shards      map[string]*shard
	instruments map[string]string // order ID -> instrument

	ordersAdmitted metric.Int64Counter
	ordersRejected metric.Int64Counter
	tradesMatched  metric.Int64Counter
	cancellations  metric.Int64Counter
	matchDuration  metric.Float64Histogram
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithRecorder installs the durable admission recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithPublisher installs the event publisher.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.bus = p } }

// WithGate installs the pre-admission risk gate.
func WithGate(g *risk.Gate) Option { return func(e *Engine) { e.gate = g } }

// WithLogger overrides the process-wide logger.
func WithLogger(l observability.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine with empty books and positions.
func New(schedule fees.Schedule, opts ...Option) (*Engine, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		schedule:    schedule,
		ledger:      ledger.New(),
		settler:     settlement.New(),
		log:         observability.Log(),
		now:         time.Now,
		shards:      make(map[string]*shard),
		instruments: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter("engine")
	e.ordersAdmitted, _ = meter.Int64Counter("engine.orders.admitted",
		metric.WithDescription("Orders accepted into the matching core"),
		metric.WithUnit("{order}"))
	e.ordersRejected, _ = meter.Int64Counter("engine.orders.rejected",
		metric.WithDescription("Orders rejected before admission"),
		metric.WithUnit("{order}"))
	e.tradesMatched, _ = meter.Int64Counter("engine.trades.matched",
		metric.WithDescription("Trades produced by matching"),
		metric.WithUnit("{trade}"))
	e.cancellations, _ = meter.Int64Counter("engine.orders.cancelled",
		metric.WithDescription("Open orders cancelled on request"),
		metric.WithUnit("{order}"))
	e.matchDuration, _ = meter.Float64Histogram("engine.match.duration",
		metric.WithDescription("Admission latency including settlement and recording"),
		metric.WithUnit("ms"))
	return e, nil
}

// Settler exposes the position store, for seeding at startup and for
// portfolio queries.
func (e *Engine) Settler() *settlement.Settler { return e.settler }

// Ledger exposes the in-memory trade ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Restore reinstates resting orders loaded from persistence at startup.
// Orders are re-added in creation order so time priority survives a restart.
// No matching happens; a book rebuilt this way is assumed consistent.
func (e *Engine) Restore(orders []*schema.Order) error {
	sorted := make([]*schema.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil || !o.State.Open() {
			continue
		}
		sorted = append(sorted, o)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	for _, o := range sorted {
		if err := o.Validate(); err != nil {
			return err
		}
		sh := e.shard(o.Instrument)
		sh.mu.Lock()
		err := sh.book.Add(o)
		if err == nil {
			sh.orders[o.ID] = o
		}
		sh.mu.Unlock()
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.instruments[o.ID] = o.Instrument
		e.mu.Unlock()
	}
	return nil
}

// PlaceOrder admits a new order: it validates, matches against the resting
// book, settles every resulting trade, records the outcome durably, and only
// then mutates the book. A failure at any step leaves book, orders, ledger,
// and positions exactly as they were.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderResult, error) {
	start := e.now()
	order := &schema.Order{
		ID:         uuid.NewString(),
		Instrument: req.Instrument,
		OwnerID:    req.OwnerID,
		Side:       req.Side,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		LimitPrice: req.LimitPrice,
		State:      schema.StatePending,
		CreatedAt:  start,
		UpdatedAt:  start,
	}
	if req.Instrument == "" {
		return OrderResult{}, e.reject(ctx, req.Instrument, errs.New("engine.place", errs.CodeInvalidParameters,
			errs.WithMessage("instrument is required")))
	}
	if req.OwnerID == "" {
		return OrderResult{}, e.reject(ctx, req.Instrument, errs.New("engine.place", errs.CodeInvalidParameters,
			errs.WithInstrument(req.Instrument),
			errs.WithMessage("owner is required")))
	}
	if err := order.Validate(); err != nil {
		return OrderResult{}, e.reject(ctx, req.Instrument, err)
	}
	if e.gate != nil {
		if err := e.gate.CheckOrder(ctx, order); err != nil {
			return OrderResult{}, e.reject(ctx, req.Instrument, err)
		}
	}

	sh := e.shard(order.Instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	plan := planMatch(order, sh.book)

	// Settlement asserts this again; checking here keeps a violation from
	// surfacing as a mid-batch internal error.
	if err := e.sellersWithinHoldings(order, plan); err != nil {
		return OrderResult{}, e.reject(ctx, req.Instrument, err)
	}

	trades := e.buildTrades(order, plan)
	deltas, revert, err := e.settler.Apply(trades)
	if err != nil {
		return OrderResult{}, e.reject(ctx, req.Instrument, err)
	}

	snapshot, warning := e.disposition(order, plan)
	makers := makerDispositions(plan, snapshot.UpdatedAt)
	if e.recorder != nil {
		if rerr := e.recorder.RecordPlacement(ctx, snapshot, makers, trades, deltas, e.touchedPositions(trades)); rerr != nil {
			revert()
			return OrderResult{}, e.reject(ctx, req.Instrument, errs.New("engine.place", errs.CodeUnavailable,
				errs.WithInstrument(req.Instrument), errs.WithOrder(order.ID),
				errs.WithMessage("admission could not be recorded"),
				errs.WithCause(rerr)))
		}
	}

	e.commit(sh, order, snapshot, plan, trades)

	latency := float64(e.now().Sub(start)) / float64(time.Millisecond)
	attrs := metric.WithAttributes(attribute.String("instrument", order.Instrument))
	e.ordersAdmitted.Add(ctx, 1, attrs)
	e.tradesMatched.Add(ctx, int64(len(trades)), attrs)
	e.matchDuration.Record(ctx, latency, attrs)

	e.publishAdmission(ctx, snapshot, plan, trades, deltas)
	e.log.Info("order admitted",
		observability.F("instrument", order.Instrument),
		observability.F("order_id", order.ID),
		observability.F("state", string(snapshot.State)),
		observability.F("trades", len(trades)))

	return OrderResult{Order: snapshot.Clone(), Trades: trades, Deltas: deltas, Warning: warning}, nil
}

// CancelOrder removes an open order owned by the requester from its book.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requesterID string) (*schema.Order, error) {
	if orderID == "" || requesterID == "" {
		return nil, errs.New("engine.cancel", errs.CodeInvalidParameters,
			errs.WithMessage("order and requester are required"))
	}
	e.mu.RLock()
	instrument, ok := e.instruments[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.New("engine.cancel", errs.CodeNotFound,
			errs.WithOrder(orderID),
			errs.WithMessage("unknown order"))
	}

	sh := e.shard(instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	order, ok := sh.orders[orderID]
	if !ok {
		return nil, errs.New("engine.cancel", errs.CodeNotFound,
			errs.WithInstrument(instrument), errs.WithOrder(orderID),
			errs.WithMessage("unknown order"))
	}
	if order.OwnerID != requesterID {
		return nil, errs.New("engine.cancel", errs.CodeForbidden,
			errs.WithInstrument(instrument), errs.WithOrder(orderID),
			errs.WithMessage("order belongs to another owner"))
	}
	if order.State.Terminal() {
		return nil, errs.New("engine.cancel", errs.CodeInvalidState,
			errs.WithInstrument(instrument), errs.WithOrder(orderID),
			errs.WithMessage("order already "+string(order.State)))
	}

	snapshot := order.Clone()
	snapshot.State = schema.StateCancelled
	snapshot.UpdatedAt = e.now()
	if e.recorder != nil {
		if err := e.recorder.RecordCancellation(ctx, snapshot); err != nil {
			return nil, errs.New("engine.cancel", errs.CodeUnavailable,
				errs.WithInstrument(instrument), errs.WithOrder(orderID),
				errs.WithMessage("cancellation could not be recorded"),
				errs.WithCause(err))
		}
	}

	sh.book.Remove(orderID)
	order.State = snapshot.State
	order.UpdatedAt = snapshot.UpdatedAt

	e.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
	e.publishOrder(ctx, snapshot, 0)
	e.log.Info("order cancelled",
		observability.F("instrument", instrument),
		observability.F("order_id", orderID))
	return snapshot.Clone(), nil
}

// GetBookDepth returns the aggregate resting quantity per price level on each
// side, best prices first. An instrument with no admitted orders yields an
// empty book.
func (e *Engine) GetBookDepth(instrument string) Depth {
	sh := e.shard(instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return Depth{
		Instrument: instrument,
		Bids:       sh.book.Depth(schema.SideBid),
		Asks:       sh.book.Depth(schema.SideAsk),
	}
}

// Order returns a snapshot of the order, terminal or open.
func (e *Engine) Order(orderID string) (*schema.Order, error) {
	e.mu.RLock()
	instrument, ok := e.instruments[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.New("engine.order", errs.CodeNotFound,
			errs.WithOrder(orderID),
			errs.WithMessage("unknown order"))
	}
	sh := e.shard(instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	order, ok := sh.orders[orderID]
	if !ok {
		return nil, errs.New("engine.order", errs.CodeNotFound,
			errs.WithInstrument(instrument), errs.WithOrder(orderID),
			errs.WithMessage("unknown order"))
	}
	return order.Clone(), nil
}

// OpenOrders returns snapshots of the instrument's resting orders in matching
// priority order. An empty side selects both sides, bids first.
func (e *Engine) OpenOrders(instrument string, side schema.Side) []*schema.Order {
	sh := e.shard(instrument)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var makers []*schema.Order
	switch side {
	case schema.SideBid, schema.SideAsk:
		makers = sh.book.Makers(side)
	default:
		makers = append(sh.book.Makers(schema.SideBid), sh.book.Makers(schema.SideAsk)...)
	}
	out := make([]*schema.Order, 0, len(makers))
	for _, m := range makers {
		out = append(out, m.Clone())
	}
	return out
}

// Trades returns the instrument's trade history, oldest first, capped at
// limit when positive.
func (e *Engine) Trades(instrument string, limit int) []schema.Trade {
	return e.ledger.ForInstrument(instrument, limit)
}

// buildTrades prices each planned execution at the maker's resting price and
// attaches fees per the schedule.
func (e *Engine) buildTrades(taker *schema.Order, plan []execution) []schema.Trade {
	trades := make([]schema.Trade, 0, len(plan))
	at := e.now()
	for _, ex := range plan {
		buyOrder, sellOrder := taker, ex.maker
		if taker.Side == schema.SideAsk {
			buyOrder, sellOrder = ex.maker, taker
		}
		notional := ex.quantity.Mul(ex.price)
		trades = append(trades, schema.Trade{
			ID:          uuid.NewString(),
			Instrument:  taker.Instrument,
			BuyerID:     buyOrder.OwnerID,
			SellerID:    sellOrder.OwnerID,
			BuyOrderID:  buyOrder.ID,
			SellOrderID: sellOrder.ID,
			Quantity:    ex.quantity,
			Price:       ex.price,
			BuyerFee:    e.schedule.Fee(notional, fees.RoleBuyer),
			SellerFee:   e.schedule.Fee(notional, fees.RoleSeller),
			Seq:         e.ledger.Reserve(taker.Instrument),
			ExecutedAt:  at,
		})
	}
	return trades
}

// touchedPositions snapshots the post-settlement holdings of every owner the
// trades touched, one entry per (owner, instrument) pair.
func (e *Engine) touchedPositions(trades []schema.Trade) []schema.Position {
	seen := make(map[string]struct{}, len(trades)*2)
	out := make([]schema.Position, 0, len(trades)*2)
	for _, t := range trades {
		for _, owner := range []string{t.BuyerID, t.SellerID} {
			if _, dup := seen[owner]; dup {
				continue
			}
			seen[owner] = struct{}{}
			if p, ok := e.settler.Position(owner, t.Instrument); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// sellersWithinHoldings verifies every selling owner holds at least the
// quantity the plan would take from them.
func (e *Engine) sellersWithinHoldings(taker *schema.Order, plan []execution) error {
	needed := make(map[string]decimal.Decimal)
	for _, ex := range plan {
		seller := ex.maker.OwnerID
		if taker.Side == schema.SideAsk {
			seller = taker.OwnerID
		}
		needed[seller] = needed[seller].Add(ex.quantity)
	}
	for owner, qty := range needed {
		if qty.GreaterThan(e.settler.Held(owner, taker.Instrument)) {
			return errs.New("engine.place", errs.CodeInsufficientHoldings,
				errs.WithInstrument(taker.Instrument), errs.WithOrder(taker.ID),
				errs.WithMessage("planned executions exceed seller holdings"))
		}
	}
	return nil
}

// disposition computes the taker's post-match snapshot without touching the
// live order: state, remaining quantity, and the liquidity warning for
// market remainders.
func (e *Engine) disposition(taker *schema.Order, plan []execution) (*schema.Order, bool) {
	snapshot := taker.Clone()
	for _, ex := range plan {
		snapshot.Remaining = snapshot.Remaining.Sub(ex.quantity)
	}
	snapshot.UpdatedAt = e.now()

	warning := false
	switch {
	case snapshot.Remaining.IsZero():
		snapshot.State = schema.StateFilled
	case taker.Kind == schema.KindMarket:
		// Market orders never rest; the remainder is cancelled.
		snapshot.State = schema.StateCancelled
		warning = true
	case len(plan) > 0:
		snapshot.State = schema.StatePartial
	default:
		snapshot.State = schema.StatePending
	}
	return snapshot, warning
}

// makerDispositions computes the post-match snapshot of every maker the plan
// touches, without mutating the live orders. Each maker appears at most once
// per plan because an execution exhausts either the maker or the taker.
func makerDispositions(plan []execution, at time.Time) []*schema.Order {
	makers := make([]*schema.Order, 0, len(plan))
	for _, ex := range plan {
		m := ex.maker.Clone()
		m.Remaining = m.Remaining.Sub(ex.quantity)
		m.UpdatedAt = at
		if m.Remaining.IsZero() {
			m.State = schema.StateFilled
		} else {
			m.State = schema.StatePartial
		}
		makers = append(makers, m)
	}
	return makers
}

// commit applies the already-settled, already-recorded outcome to in-memory
// state. Nothing here may fail.
func (e *Engine) commit(sh *shard, taker, snapshot *schema.Order, plan []execution, trades []schema.Trade) {
	for _, ex := range plan {
		ex.maker.Remaining = ex.maker.Remaining.Sub(ex.quantity)
		ex.maker.UpdatedAt = snapshot.UpdatedAt
		if ex.maker.Remaining.IsZero() {
			ex.maker.State = schema.StateFilled
			sh.book.Remove(ex.maker.ID)
		} else {
			ex.maker.State = schema.StatePartial
		}
	}
	for _, t := range trades {
		if err := e.ledger.Record(t); err != nil {
			// Unique IDs and positive quantities are guaranteed upstream.
			e.log.Error("trade ledger rejected settled trade",
				observability.F("trade_id", t.ID),
				observability.F("error", err.Error()))
		}
	}

	taker.Remaining = snapshot.Remaining
	taker.State = snapshot.State
	taker.UpdatedAt = snapshot.UpdatedAt
	sh.orders[taker.ID] = taker
	e.mu.Lock()
	e.instruments[taker.ID] = taker.Instrument
	e.mu.Unlock()

	if taker.State.Open() {
		if err := sh.book.Add(taker); err != nil {
			e.log.Error("resting admitted order failed",
				observability.F("order_id", taker.ID),
				observability.F("error", err.Error()))
		}
	}
}

func (e *Engine) publishAdmission(ctx context.Context, taker *schema.Order, plan []execution, trades []schema.Trade, deltas []schema.BalanceDelta) {
	if e.bus == nil {
		return
	}
	lastSeq := uint64(0)
	seqByTrade := make(map[string]uint64, len(trades))
	for _, t := range trades {
		seqByTrade[t.ID] = t.Seq
		lastSeq = t.Seq
		if evt, err := schema.NewTradeEvent(t); err == nil {
			e.publish(ctx, evt)
		}
	}
	for _, d := range deltas {
		if evt, err := schema.NewBalanceDeltaEvent(taker.Instrument, d, seqByTrade[d.TradeID], taker.UpdatedAt); err == nil {
			e.publish(ctx, evt)
		}
	}
	for _, ex := range plan {
		e.publishOrder(ctx, ex.maker, lastSeq)
	}
	e.publishOrder(ctx, taker, lastSeq)
}

func (e *Engine) publishOrder(ctx context.Context, o *schema.Order, seq uint64) {
	if e.bus == nil {
		return
	}
	if evt, err := schema.NewOrderEvent(o, seq); err == nil {
		e.publish(ctx, evt)
	}
}

func (e *Engine) publish(ctx context.Context, evt schema.Event) {
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.log.Error("event publish failed",
			observability.F("type", string(evt.Type)),
			observability.F("instrument", evt.Instrument),
			observability.F("error", err.Error()))
	}
}

func (e *Engine) reject(ctx context.Context, instrument string, err error) error {
	e.ordersRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instrument", instrument),
		attribute.String("code", string(errs.CodeOf(err)))))
	return err
}

// shard returns the instrument's shard, creating it on first use.
func (e *Engine) shard(instrument string) *shard {
	e.mu.RLock()
	sh, ok := e.shards[instrument]
	e.mu.RUnlock()
	if ok {
		return sh
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if sh, ok = e.shards[instrument]; ok {
		return sh
	}
	sh = &shard{book: book.New(instrument), orders: make(map[string]*schema.Order)}
	e.shards[instrument] = sh
	return sh
}
