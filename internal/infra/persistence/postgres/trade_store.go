// Package postgres implements the persistence contracts on PostgreSQL via
// pgx. Every write is idempotent so crash-replays never duplicate rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/internal/tradestore"
)

// TradeStore persists orders, trades, positions, and cash deltas.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    id,
    instrument,
    owner_id,
    side,
    kind,
    state,
    quantity,
    remaining,
    limit_price,
    created_at,
    updated_at
)
VALUES (
    @id,
    @instrument,
    @owner_id,
    @side,
    @kind,
    @state,
    @quantity,
    @remaining,
    @limit_price,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    remaining = EXCLUDED.remaining,
    updated_at = EXCLUDED.updated_at;
`

	tradeInsertSQL = `
INSERT INTO trades (
    id,
    instrument,
    seq,
    buyer_id,
    seller_id,
    buy_order_id,
    sell_order_id,
    quantity,
    price,
    buyer_fee,
    seller_fee,
    executed_at
)
VALUES (
    @id,
    @instrument,
    @seq,
    @buyer_id,
    @seller_id,
    @buy_order_id,
    @sell_order_id,
    @quantity,
    @price,
    @buyer_fee,
    @seller_fee,
    @executed_at
)
ON CONFLICT (id) DO NOTHING;
`

	positionUpsertSQL = `
INSERT INTO positions (
    owner_id,
    instrument,
    quantity,
    avg_price,
    invested,
    updated_at
)
VALUES (
    @owner_id,
    @instrument,
    @quantity,
    @avg_price,
    @invested,
    @updated_at
)
ON CONFLICT (owner_id, instrument) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    avg_price = EXCLUDED.avg_price,
    invested = EXCLUDED.invested,
    updated_at = EXCLUDED.updated_at;
`

	balanceDeltaInsertSQL = `
INSERT INTO balance_deltas (
    trade_id,
    owner_id,
    amount,
    reason
)
VALUES (
    @trade_id,
    @owner_id,
    @amount,
    @reason
)
ON CONFLICT (trade_id, owner_id) DO NOTHING;
`

	orderSelectBase = `
SELECT
    id::text,
    instrument,
    owner_id,
    side,
    kind,
    state,
    quantity::text,
    remaining::text,
    limit_price::text,
    created_at,
    updated_at
FROM orders
`

	tradeSelectBase = `
SELECT
    id::text,
    instrument,
    seq,
    buyer_id,
    seller_id,
    buy_order_id::text,
    sell_order_id::text,
    quantity::text,
    price::text,
    buyer_fee::text,
    seller_fee::text,
    executed_at
FROM trades
`

	positionSelectSQL = `
SELECT
    owner_id,
    instrument,
    quantity::text,
    avg_price::text,
    invested::text,
    updated_at
FROM positions
WHERE owner_id = $1
ORDER BY instrument;
`

	tradeMaxSeqSQL = `
SELECT instrument, MAX(seq)
FROM trades
GROUP BY instrument;
`

	positionSelectAllSQL = `
SELECT
    owner_id,
    instrument,
    quantity::text,
    avg_price::text,
    invested::text,
    updated_at
FROM positions
ORDER BY owner_id, instrument;
`

	defaultListLimit = 100
	maxListLimit     = 1000
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type tradeTx struct {
	tx    pgx.Tx
	store *TradeStore
}

func (s *TradeStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	return s.pool, nil
}

func (s *TradeStore) upsertOrderWith(ctx context.Context, exec execer, order tradestore.OrderRecord) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("trade store: order id required")
	}
	quantity, err := numericFromDecimal(order.Quantity)
	if err != nil {
		return fmt.Errorf("trade store: order quantity: %w", err)
	}
	remaining, err := numericFromDecimal(order.Remaining)
	if err != nil {
		return fmt.Errorf("trade store: order remaining: %w", err)
	}
	limitPrice, err := numericFromOptional(order.LimitPrice)
	if err != nil {
		return fmt.Errorf("trade store: order limit price: %w", err)
	}
	args := pgx.NamedArgs{
		"id":          order.ID,
		"instrument":  strings.TrimSpace(order.Instrument),
		"owner_id":    strings.TrimSpace(order.OwnerID),
		"side":        order.Side,
		"kind":        order.Kind,
		"state":       order.State,
		"quantity":    quantity,
		"remaining":   remaining,
		"limit_price": limitPrice,
		"created_at":  order.CreatedAt,
		"updated_at":  order.UpdatedAt,
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("trade store: upsert order: %w", err)
	}
	return nil
}

func (s *TradeStore) insertTradeWith(ctx context.Context, exec execer, trade tradestore.TradeRecord) error {
	if strings.TrimSpace(trade.ID) == "" {
		return fmt.Errorf("trade store: trade id required")
	}
	quantity, err := numericFromDecimal(trade.Quantity)
	if err != nil {
		return fmt.Errorf("trade store: trade quantity: %w", err)
	}
	price, err := numericFromDecimal(trade.Price)
	if err != nil {
		return fmt.Errorf("trade store: trade price: %w", err)
	}
	buyerFee, err := numericFromDecimal(trade.BuyerFee)
	if err != nil {
		return fmt.Errorf("trade store: buyer fee: %w", err)
	}
	sellerFee, err := numericFromDecimal(trade.SellerFee)
	if err != nil {
		return fmt.Errorf("trade store: seller fee: %w", err)
	}
	args := pgx.NamedArgs{
		"id":            trade.ID,
		"instrument":    strings.TrimSpace(trade.Instrument),
		"seq":           int64(trade.Seq),
		"buyer_id":      trade.BuyerID,
		"seller_id":     trade.SellerID,
		"buy_order_id":  trade.BuyOrderID,
		"sell_order_id": trade.SellOrderID,
		"quantity":      quantity,
		"price":         price,
		"buyer_fee":     buyerFee,
		"seller_fee":    sellerFee,
		"executed_at":   trade.ExecutedAt,
	}
	if _, err := exec.Exec(ctx, tradeInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: insert trade: %w", err)
	}
	return nil
}

func (s *TradeStore) upsertPositionWith(ctx context.Context, exec execer, position tradestore.PositionRecord) error {
	quantity, err := numericFromDecimal(position.Quantity)
	if err != nil {
		return fmt.Errorf("trade store: position quantity: %w", err)
	}
	avgPrice, err := numericFromDecimal(position.AvgPrice)
	if err != nil {
		return fmt.Errorf("trade store: position avg price: %w", err)
	}
	invested, err := numericFromDecimal(position.Invested)
	if err != nil {
		return fmt.Errorf("trade store: position invested: %w", err)
	}
	args := pgx.NamedArgs{
		"owner_id":   strings.TrimSpace(position.OwnerID),
		"instrument": strings.TrimSpace(position.Instrument),
		"quantity":   quantity,
		"avg_price":  avgPrice,
		"invested":   invested,
		"updated_at": position.UpdatedAt,
	}
	if _, err := exec.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("trade store: upsert position: %w", err)
	}
	return nil
}

func (s *TradeStore) insertBalanceDeltaWith(ctx context.Context, exec execer, delta tradestore.BalanceDeltaRecord) error {
	amount, err := numericFromDecimal(delta.Amount)
	if err != nil {
		return fmt.Errorf("trade store: delta amount: %w", err)
	}
	args := pgx.NamedArgs{
		"trade_id": delta.TradeID,
		"owner_id": delta.OwnerID,
		"amount":   amount,
		"reason":   delta.Reason,
	}
	if _, err := exec.Exec(ctx, balanceDeltaInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: insert balance delta: %w", err)
	}
	return nil
}

// UpsertOrder writes the order snapshot, replacing state and remaining on
// conflict.
func (s *TradeStore) UpsertOrder(ctx context.Context, order tradestore.OrderRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertOrderWith(ctx, pool, order)
}

// InsertTrade records a settled trade. Replaying the same trade ID is a
// no-op.
func (s *TradeStore) InsertTrade(ctx context.Context, trade tradestore.TradeRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.insertTradeWith(ctx, pool, trade)
}

// UpsertPosition writes the holding snapshot for an (owner, instrument) pair.
func (s *TradeStore) UpsertPosition(ctx context.Context, position tradestore.PositionRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertPositionWith(ctx, pool, position)
}

// InsertBalanceDelta records a signed cash adjustment, once per
// (trade, owner).
func (s *TradeStore) InsertBalanceDelta(ctx context.Context, delta tradestore.BalanceDeltaRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.insertBalanceDeltaWith(ctx, pool, delta)
}

// WithTransaction executes the supplied callback within a database
// transaction.
func (s *TradeStore) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("trade store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("trade store: begin tx: %w", err)
	}
	wrapped := &tradeTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("trade store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("trade store: commit tx: %w", err)
	}
	return nil
}

// ListOrders retrieves persisted orders matching the supplied query filters.
func (s *TradeStore) ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]tradestore.OrderRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultListLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Instrument); trimmed != "" {
		fmt.Fprintf(&builder, " AND instrument = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.OwnerID); trimmed != "" {
		fmt.Fprintf(&builder, " AND owner_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if states := normalizedStates(query.States); len(states) > 0 {
		fmt.Fprintf(&builder, " AND state = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("trade store: list orders: %w", err)
	}
	defer rows.Close()

	var records []tradestore.OrderRecord
	for rows.Next() {
		var (
			record     tradestore.OrderRecord
			limitPrice decimal.NullDecimal
		)
		if err := rows.Scan(
			&record.ID,
			&record.Instrument,
			&record.OwnerID,
			&record.Side,
			&record.Kind,
			&record.State,
			&record.Quantity,
			&record.Remaining,
			&limitPrice,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("trade store: scan order: %w", err)
		}
		if limitPrice.Valid {
			price := limitPrice.Decimal
			record.LimitPrice = &price
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate orders: %w", err)
	}
	return records, nil
}

// ListTrades retrieves settled trades matching the supplied query filters,
// ordered by per-instrument sequence.
func (s *TradeStore) ListTrades(ctx context.Context, query tradestore.TradeQuery) ([]tradestore.TradeRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultListLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(tradeSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Instrument); trimmed != "" {
		fmt.Fprintf(&builder, " AND instrument = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.OrderID); trimmed != "" {
		fmt.Fprintf(&builder, " AND (buy_order_id::text = $%d OR sell_order_id::text = $%d)", argPos, argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY instrument, seq ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("trade store: list trades: %w", err)
	}
	defer rows.Close()

	var records []tradestore.TradeRecord
	for rows.Next() {
		var (
			record tradestore.TradeRecord
			seq    int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.Instrument,
			&seq,
			&record.BuyerID,
			&record.SellerID,
			&record.BuyOrderID,
			&record.SellOrderID,
			&record.Quantity,
			&record.Price,
			&record.BuyerFee,
			&record.SellerFee,
			&record.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("trade store: scan trade: %w", err)
		}
		record.Seq = uint64(seq)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate trades: %w", err)
	}
	return records, nil
}

// ListPositions retrieves the owner's holdings across instruments.
func (s *TradeStore) ListPositions(ctx context.Context, ownerID string) ([]tradestore.PositionRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return nil, fmt.Errorf("trade store: owner id required")
	}
	rows, err := pool.Query(ctx, positionSelectSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("trade store: list positions: %w", err)
	}
	defer rows.Close()

	var records []tradestore.PositionRecord
	for rows.Next() {
		var record tradestore.PositionRecord
		if err := rows.Scan(
			&record.OwnerID,
			&record.Instrument,
			&record.Quantity,
			&record.AvgPrice,
			&record.Invested,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("trade store: scan position: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate positions: %w", err)
	}
	return records, nil
}

// AllPositions retrieves every holding, used to rebuild in-memory state at
// startup.
func (s *TradeStore) AllPositions(ctx context.Context) ([]tradestore.PositionRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, positionSelectAllSQL)
	if err != nil {
		return nil, fmt.Errorf("trade store: all positions: %w", err)
	}
	defer rows.Close()

	var records []tradestore.PositionRecord
	for rows.Next() {
		var record tradestore.PositionRecord
		if err := rows.Scan(
			&record.OwnerID,
			&record.Instrument,
			&record.Quantity,
			&record.AvgPrice,
			&record.Invested,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("trade store: scan position: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate positions: %w", err)
	}
	return records, nil
}

// MaxTradeSeqs returns the highest persisted trade sequence per instrument,
// used to seed the in-memory ledger after a restart.
func (s *TradeStore) MaxTradeSeqs(ctx context.Context) (map[string]uint64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, tradeMaxSeqSQL)
	if err != nil {
		return nil, fmt.Errorf("trade store: max trade seqs: %w", err)
	}
	defer rows.Close()

	seqs := make(map[string]uint64)
	for rows.Next() {
		var (
			instrument string
			seq        int64
		)
		if err := rows.Scan(&instrument, &seq); err != nil {
			return nil, fmt.Errorf("trade store: scan max seq: %w", err)
		}
		seqs[instrument] = uint64(seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate max seqs: %w", err)
	}
	return seqs, nil
}

func (t *tradeTx) UpsertOrder(ctx context.Context, order tradestore.OrderRecord) error {
	if t == nil {
		return fmt.Errorf("trade store: nil transaction")
	}
	return t.store.upsertOrderWith(ctx, t.tx, order)
}

func (t *tradeTx) InsertTrade(ctx context.Context, trade tradestore.TradeRecord) error {
	if t == nil {
		return fmt.Errorf("trade store: nil transaction")
	}
	return t.store.insertTradeWith(ctx, t.tx, trade)
}

func (t *tradeTx) UpsertPosition(ctx context.Context, position tradestore.PositionRecord) error {
	if t == nil {
		return fmt.Errorf("trade store: nil transaction")
	}
	return t.store.upsertPositionWith(ctx, t.tx, position)
}

func (t *tradeTx) InsertBalanceDelta(ctx context.Context, delta tradestore.BalanceDeltaRecord) error {
	if t == nil {
		return fmt.Errorf("trade store: nil transaction")
	}
	return t.store.insertBalanceDeltaWith(ctx, t.tx, delta)
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStates(states []string) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, 0, len(states))
	for _, state := range states {
		trimmed := strings.ToLower(strings.TrimSpace(state))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ tradestore.Store = (*TradeStore)(nil)
