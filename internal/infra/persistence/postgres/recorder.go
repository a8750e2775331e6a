package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianbank/trading/internal/outbox"
	"github.com/meridianbank/trading/internal/schema"
	"github.com/meridianbank/trading/internal/tradestore"
)

// Recorder writes each admission outcome in a single transaction: the order
// snapshot, its trades, the resulting positions, the cash deltas, and one
// outbox entry per trade. The matching core only reports success after this
// commits.
type Recorder struct {
	pool   *pgxpool.Pool
	trades *TradeStore
	outbox *OutboxStore
}

// NewRecorder constructs a Recorder sharing the provided pool.
func NewRecorder(pool *pgxpool.Pool, trades *TradeStore, outboxStore *OutboxStore) *Recorder {
	return &Recorder{pool: pool, trades: trades, outbox: outboxStore}
}

// RecordPlacement persists the admission outcome atomically: the taker's row,
// the rows of every maker the match consumed, the trades, positions, deltas,
// and the outbox entries all commit together.
func (r *Recorder) RecordPlacement(ctx context.Context, order *schema.Order, makers []*schema.Order, trades []schema.Trade, deltas []schema.BalanceDelta, positions []schema.Position) error {
	if r.pool == nil {
		return fmt.Errorf("recorder: nil pool")
	}
	if order == nil {
		return fmt.Errorf("recorder: order required")
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.trades.upsertOrderWith(ctx, tx, orderRecord(order)); err != nil {
			return err
		}
		for _, m := range makers {
			if m == nil {
				continue
			}
			if err := r.trades.upsertOrderWith(ctx, tx, orderRecord(m)); err != nil {
				return err
			}
		}
		for _, t := range trades {
			if err := r.trades.insertTradeWith(ctx, tx, tradeRecord(t)); err != nil {
				return err
			}
		}
		for _, p := range positions {
			if err := r.trades.upsertPositionWith(ctx, tx, positionRecord(p, order)); err != nil {
				return err
			}
		}
		for _, d := range deltas {
			if err := r.trades.insertBalanceDeltaWith(ctx, tx, deltaRecord(d)); err != nil {
				return err
			}
		}
		for _, t := range trades {
			evt, err := schema.NewTradeEvent(t)
			if err != nil {
				return fmt.Errorf("recorder: encode trade event: %w", err)
			}
			if _, err := r.outbox.enqueueWith(ctx, tx, outbox.Event{
				AggregateType: "trade",
				AggregateID:   t.ID,
				EventType:     string(evt.Type),
				Instrument:    evt.Instrument,
				Seq:           evt.Seq,
				Payload:       evt.Payload,
				AvailableAt:   t.ExecutedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordCancellation persists the cancelled order snapshot.
func (r *Recorder) RecordCancellation(ctx context.Context, order *schema.Order) error {
	if r.pool == nil {
		return fmt.Errorf("recorder: nil pool")
	}
	if order == nil {
		return fmt.Errorf("recorder: order required")
	}
	return r.trades.UpsertOrder(ctx, orderRecord(order))
}

func (r *Recorder) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("recorder: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("recorder: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("recorder: commit tx: %w", err)
	}
	return nil
}

func orderRecord(o *schema.Order) tradestore.OrderRecord {
	rec := tradestore.OrderRecord{
		ID:         o.ID,
		Instrument: o.Instrument,
		OwnerID:    o.OwnerID,
		Side:       string(o.Side),
		Kind:       string(o.Kind),
		State:      string(o.State),
		Quantity:   o.Quantity,
		Remaining:  o.Remaining,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if o.LimitPrice != nil {
		price := *o.LimitPrice
		rec.LimitPrice = &price
	}
	return rec
}

func tradeRecord(t schema.Trade) tradestore.TradeRecord {
	return tradestore.TradeRecord{
		ID:          t.ID,
		Instrument:  t.Instrument,
		Seq:         t.Seq,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Quantity:    t.Quantity,
		Price:       t.Price,
		BuyerFee:    t.BuyerFee,
		SellerFee:   t.SellerFee,
		ExecutedAt:  t.ExecutedAt,
	}
}

func positionRecord(p schema.Position, order *schema.Order) tradestore.PositionRecord {
	return tradestore.PositionRecord{
		OwnerID:    p.OwnerID,
		Instrument: p.Instrument,
		Quantity:   p.Quantity,
		AvgPrice:   p.AvgPrice,
		Invested:   p.Invested,
		UpdatedAt:  order.UpdatedAt,
	}
}

func deltaRecord(d schema.BalanceDelta) tradestore.BalanceDeltaRecord {
	return tradestore.BalanceDeltaRecord{
		TradeID: d.TradeID,
		OwnerID: d.OwnerID,
		Amount:  d.Amount,
		Reason:  d.Reason,
	}
}
