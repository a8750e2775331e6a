package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianbank/trading/internal/infra/persistence/migrations"
	pgstore "github.com/meridianbank/trading/internal/infra/persistence/postgres"
	"github.com/meridianbank/trading/internal/outbox"
	"github.com/meridianbank/trading/internal/schema"
	"github.com/meridianbank/trading/internal/tradestore"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "trading"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/trading?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestPostgresPersistenceStores(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	tradeStore := pgstore.NewTradeStore(testPool)
	outboxStore := pgstore.NewOutboxStore(testPool)

	buyOrderID := uuid.NewString()
	sellOrderID := uuid.NewString()
	tradeID := uuid.NewString()
	limitPrice := decimal.RequireFromString("101.25")
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := tradeStore.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
		if err := tx.UpsertOrder(ctx, tradestore.OrderRecord{
			ID:         buyOrderID,
			Instrument: "ACME",
			OwnerID:    "acct-buyer",
			Side:       "bid",
			Kind:       "limit",
			State:      "filled",
			Quantity:   decimal.NewFromInt(5),
			Remaining:  decimal.Zero,
			LimitPrice: &limitPrice,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return fmt.Errorf("upsert buy order: %w", err)
		}
		if err := tx.UpsertOrder(ctx, tradestore.OrderRecord{
			ID:         sellOrderID,
			Instrument: "ACME",
			OwnerID:    "acct-seller",
			Side:       "ask",
			Kind:       "limit",
			State:      "partially_filled",
			Quantity:   decimal.NewFromInt(8),
			Remaining:  decimal.NewFromInt(3),
			LimitPrice: &limitPrice,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return fmt.Errorf("upsert sell order: %w", err)
		}
		if err := tx.InsertTrade(ctx, tradestore.TradeRecord{
			ID:          tradeID,
			Instrument:  "ACME",
			Seq:         1,
			BuyerID:     "acct-buyer",
			SellerID:    "acct-seller",
			BuyOrderID:  buyOrderID,
			SellOrderID: sellOrderID,
			Quantity:    decimal.NewFromInt(5),
			Price:       limitPrice,
			BuyerFee:    decimal.RequireFromString("1.27"),
			SellerFee:   decimal.Zero,
			ExecutedAt:  now,
		}); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := tx.UpsertPosition(ctx, tradestore.PositionRecord{
			OwnerID:    "acct-buyer",
			Instrument: "ACME",
			Quantity:   decimal.NewFromInt(5),
			AvgPrice:   limitPrice,
			Invested:   decimal.RequireFromString("506.25"),
			UpdatedAt:  now,
		}); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		if err := tx.InsertBalanceDelta(ctx, tradestore.BalanceDeltaRecord{
			TradeID:   tradeID,
			OwnerID:   "acct-buyer",
			Amount:    decimal.RequireFromString("-507.52"),
			Reason:    schema.DeltaReasonBuy,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert balance delta: %w", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trade transaction: %v", err)
	}

	orders, err := tradeStore.ListOrders(ctx, tradestore.OrderQuery{Instrument: "ACME"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}

	openOrders, err := tradeStore.ListOrders(ctx, tradestore.OrderQuery{
		Instrument: "ACME",
		States:     []string{"partially_filled"},
	})
	if err != nil {
		t.Fatalf("list open orders: %v", err)
	}
	if len(openOrders) != 1 || openOrders[0].ID != sellOrderID {
		t.Fatalf("expected the partially filled sell order, got %+v", openOrders)
	}
	if openOrders[0].LimitPrice == nil || !openOrders[0].LimitPrice.Equal(limitPrice) {
		t.Fatalf("expected limit price %s, got %v", limitPrice, openOrders[0].LimitPrice)
	}

	trades, err := tradeStore.ListTrades(ctx, tradestore.TradeQuery{Instrument: "ACME"})
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].ID != tradeID || trades[0].Seq != 1 {
		t.Fatalf("unexpected trade %+v", trades[0])
	}
	if !trades[0].BuyerFee.Equal(decimal.RequireFromString("1.27")) {
		t.Fatalf("expected buyer fee 1.27, got %s", trades[0].BuyerFee)
	}

	// Replaying the same trade insert must be a no-op, not an error.
	if err := tradeStore.InsertTrade(ctx, trades[0]); err != nil {
		t.Fatalf("replayed trade insert: %v", err)
	}
	trades, err = tradeStore.ListTrades(ctx, tradestore.TradeQuery{Instrument: "ACME"})
	if err != nil {
		t.Fatalf("list trades after replay: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade after replay, got %d", len(trades))
	}

	seqs, err := tradeStore.MaxTradeSeqs(ctx)
	if err != nil {
		t.Fatalf("max trade seqs: %v", err)
	}
	if seqs["ACME"] != 1 {
		t.Fatalf("expected ACME high-water seq 1, got %d", seqs["ACME"])
	}

	positions, err := tradeStore.ListPositions(ctx, "acct-buyer")
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected positions %+v", positions)
	}

	all, err := tradeStore.AllPositions(ctx)
	if err != nil {
		t.Fatalf("all positions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 position overall, got %d", len(all))
	}

	payload, err := json.Marshal(map[string]any{
		"tradeId":    tradeID,
		"instrument": "ACME",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	eventRecord, err := outboxStore.Enqueue(ctx, outbox.Event{
		AggregateType: "trade",
		AggregateID:   tradeID,
		EventType:     string(schema.EventTradeExecuted),
		Instrument:    "ACME",
		Seq:           1,
		Payload:       payload,
		AvailableAt:   now,
	})
	if err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	if eventRecord.ID == 0 {
		t.Fatalf("expected event id to be set")
	}

	pending := waitForPending(t, ctx, outboxStore, 10, 1)
	if pending[0].Instrument != "ACME" || pending[0].Seq != 1 {
		t.Fatalf("unexpected pending event %+v", pending[0])
	}

	if err := outboxStore.MarkFailed(ctx, eventRecord.ID, "bus unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := outboxStore.MarkDelivered(ctx, eventRecord.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	pendingAfterDelivery, err := outboxStore.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending after delivery: %v", err)
	}
	if len(pendingAfterDelivery) != 0 {
		t.Fatalf("expected 0 pending events after delivery, got %d", len(pendingAfterDelivery))
	}

	if err := outboxStore.Delete(ctx, eventRecord.ID); err != nil {
		t.Fatalf("delete event: %v", err)
	}
}

func TestRecorderPlacementIsIdempotent(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	tradeStore := pgstore.NewTradeStore(testPool)
	outboxStore := pgstore.NewOutboxStore(testPool)
	recorder := pgstore.NewRecorder(testPool, tradeStore, outboxStore)

	now := time.Now().UTC().Truncate(time.Microsecond)
	price := decimal.RequireFromString("250.50")
	quantity := decimal.NewFromInt(4)
	order := &schema.Order{
		ID:         uuid.NewString(),
		Instrument: "GLOBEX",
		OwnerID:    "acct-alice",
		Side:       schema.SideBid,
		Kind:       schema.KindLimit,
		State:      schema.StateFilled,
		Quantity:   quantity,
		Remaining:  decimal.Zero,
		LimitPrice: &price,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	trade := schema.Trade{
		ID:          uuid.NewString(),
		Instrument:  "GLOBEX",
		BuyerID:     "acct-alice",
		SellerID:    "acct-bob",
		BuyOrderID:  order.ID,
		SellOrderID: uuid.NewString(),
		Quantity:    quantity,
		Price:       price,
		BuyerFee:    decimal.RequireFromString("2.50"),
		SellerFee:   decimal.Zero,
		Seq:         1,
		ExecutedAt:  now,
	}
	deltas := []schema.BalanceDelta{
		{OwnerID: "acct-alice", TradeID: trade.ID, Amount: decimal.RequireFromString("-1004.50"), Reason: schema.DeltaReasonBuy},
		{OwnerID: "acct-bob", TradeID: trade.ID, Amount: decimal.RequireFromString("1002"), Reason: schema.DeltaReasonSell},
	}
	positions := []schema.Position{
		{OwnerID: "acct-alice", Instrument: "GLOBEX", Quantity: quantity, AvgPrice: price, Invested: quantity.Mul(price)},
	}
	maker := &schema.Order{
		ID:         trade.SellOrderID,
		Instrument: "GLOBEX",
		OwnerID:    "acct-bob",
		Side:       schema.SideAsk,
		Kind:       schema.KindLimit,
		State:      schema.StateFilled,
		Quantity:   quantity,
		Remaining:  decimal.Zero,
		LimitPrice: &price,
		CreatedAt:  now.Add(-time.Minute),
		UpdatedAt:  now,
	}

	if err := recorder.RecordPlacement(ctx, order, []*schema.Order{maker}, []schema.Trade{trade}, deltas, positions); err != nil {
		t.Fatalf("record placement: %v", err)
	}
	// A replay of the same placement must converge on identical rows.
	if err := recorder.RecordPlacement(ctx, order, []*schema.Order{maker}, []schema.Trade{trade}, deltas, positions); err != nil {
		t.Fatalf("replayed placement: %v", err)
	}

	trades, err := tradeStore.ListTrades(ctx, tradestore.TradeQuery{Instrument: "GLOBEX"})
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade after replay, got %d", len(trades))
	}

	makerRows, err := tradeStore.ListOrders(ctx, tradestore.OrderQuery{Instrument: "GLOBEX", OwnerID: "acct-bob"})
	if err != nil {
		t.Fatalf("list maker orders: %v", err)
	}
	if len(makerRows) != 1 {
		t.Fatalf("expected 1 maker row, got %d", len(makerRows))
	}
	if makerRows[0].State != "filled" || !makerRows[0].Remaining.IsZero() {
		t.Fatalf("maker row not settled alongside taker: %+v", makerRows[0])
	}

	pending := waitForPending(t, ctx, outboxStore, 10, 2)
	delivered := 0
	for _, rec := range pending {
		if rec.AggregateID == trade.ID {
			delivered++
			if err := outboxStore.MarkDelivered(ctx, rec.ID); err != nil {
				t.Fatalf("mark delivered: %v", err)
			}
		}
	}
	if delivered != 2 {
		t.Fatalf("expected the replay to enqueue a second event, got %d", delivered)
	}
}

func waitForPending(t *testing.T, ctx context.Context, store outbox.Store, limit int, expected int) []outbox.EventRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := store.ListPending(ctx, limit)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(rows) >= expected {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending events, got %d", expected, len(rows))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
