// Command engine launches the matching core with durable persistence and
// the outbox dispatcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/meridianbank/trading/config"
	"github.com/meridianbank/trading/internal/engine"
	"github.com/meridianbank/trading/internal/eventbus"
	"github.com/meridianbank/trading/internal/fees"
	"github.com/meridianbank/trading/internal/infra/persistence/migrations"
	"github.com/meridianbank/trading/internal/infra/persistence/postgres"
	"github.com/meridianbank/trading/internal/observability"
	"github.com/meridianbank/trading/internal/outbox"
	"github.com/meridianbank/trading/internal/risk"
	"github.com/meridianbank/trading/internal/schema"
	"github.com/meridianbank/trading/internal/tradestore"
	"github.com/meridianbank/trading/lib/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	observability.SetLogger(observability.NewStdLogger(log.New(os.Stdout, "trading-engine ", log.LstdFlags)))
	logger := observability.Log()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	logger.Info("configuration initialised", observability.F("environment", string(cfg.Environment)))

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", observability.F("error", err.Error()))
		}
	}()

	schedule, err := feeSchedule(cfg.Fees)
	if err != nil {
		return err
	}
	limits, err := riskLimits(cfg.Risk)
	if err != nil {
		return err
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.Bus.BufferSize,
		FanoutWorkers: cfg.Bus.FanoutWorkers,
	})
	defer bus.Close()

	opts := []engine.Option{
		engine.WithPublisher(bus),
		engine.WithGate(risk.NewGate(limits)),
	}

	var (
		pool       *pgxpool.Pool
		tradeStore *postgres.TradeStore
	)
	if cfg.Postgres.DSN != "" {
		if err := migrations.Apply(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("parse postgres dsn: %w", err)
		}
		poolCfg.MaxConns = cfg.Postgres.MaxConns
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		tradeStore = postgres.NewTradeStore(pool)
		outboxStore := postgres.NewOutboxStore(pool)
		opts = append(opts, engine.WithRecorder(postgres.NewRecorder(pool, tradeStore, outboxStore)))
	} else {
		logger.Info("no postgres dsn configured, running without durability")
	}

	eng, err := engine.New(schedule, opts...)
	if err != nil {
		return err
	}

	if tradeStore != nil {
		if err := restoreState(ctx, eng, tradeStore); err != nil {
			return err
		}
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	if pool != nil {
		dispatcher := outbox.NewDispatcher(outbox.DispatcherConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
		}, postgres.NewOutboxStore(pool), bus)
		wg.Go(func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox dispatcher stopped", observability.F("error", err.Error()))
			}
		})
	}

	logger.Info("matching core ready")
	<-ctx.Done()
	logger.Info("shutting down")
	return ctx.Err()
}

// restoreState reloads positions, resting orders, and per-instrument trade
// sequence high-water marks so the in-memory core continues exactly where the
// durable record left off.
func restoreState(ctx context.Context, eng *engine.Engine, store *postgres.TradeStore) error {
	positions, err := store.AllPositions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range positions {
		eng.Settler().Seed(schema.Position{
			OwnerID:    rec.OwnerID,
			Instrument: rec.Instrument,
			Quantity:   rec.Quantity,
			AvgPrice:   rec.AvgPrice,
			Invested:   rec.Invested,
		})
	}

	seqs, err := store.MaxTradeSeqs(ctx)
	if err != nil {
		return err
	}
	for instrument, seq := range seqs {
		eng.Ledger().SeedSeq(instrument, seq)
	}

	records, err := store.ListOrders(ctx, tradestore.OrderQuery{
		States: []string{string(schema.StatePending), string(schema.StatePartial)},
		Limit:  1000,
	})
	if err != nil {
		return err
	}
	orders := make([]*schema.Order, 0, len(records))
	for _, rec := range records {
		orders = append(orders, orderFromRecord(rec))
	}
	if err := eng.Restore(orders); err != nil {
		return err
	}
	observability.Log().Info("state restored",
		observability.F("positions", len(positions)),
		observability.F("orders", len(orders)),
		observability.F("instruments_with_trades", len(seqs)))
	return nil
}

func orderFromRecord(rec tradestore.OrderRecord) *schema.Order {
	order := &schema.Order{
		ID:         rec.ID,
		Instrument: rec.Instrument,
		OwnerID:    rec.OwnerID,
		Side:       schema.Side(rec.Side),
		Kind:       schema.OrderKind(rec.Kind),
		State:      schema.OrderState(rec.State),
		Quantity:   rec.Quantity,
		Remaining:  rec.Remaining,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.LimitPrice != nil {
		price := *rec.LimitPrice
		order.LimitPrice = &price
	}
	return order
}

func feeSchedule(cfg config.FeeConfig) (fees.Schedule, error) {
	buyer, err := decimal.NewFromString(cfg.BuyerRateBps)
	if err != nil {
		return fees.Schedule{}, fmt.Errorf("buyer fee rate: %w", err)
	}
	seller, err := decimal.NewFromString(cfg.SellerRateBps)
	if err != nil {
		return fees.Schedule{}, fmt.Errorf("seller fee rate: %w", err)
	}
	schedule := fees.Schedule{BuyerRateBps: buyer, SellerRateBps: seller}
	if err := schedule.Validate(); err != nil {
		return fees.Schedule{}, err
	}
	return schedule, nil
}

func riskLimits(cfg config.RiskConfig) (risk.Limits, error) {
	maxQuantity, err := decimal.NewFromString(cfg.MaxOrderQuantity)
	if err != nil {
		return risk.Limits{}, fmt.Errorf("max order quantity: %w", err)
	}
	maxNotional, err := decimal.NewFromString(cfg.MaxNotionalValue)
	if err != nil {
		return risk.Limits{}, fmt.Errorf("max notional value: %w", err)
	}
	return risk.Limits{
		MaxOrderQuantity: maxQuantity,
		MaxNotionalValue: maxNotional,
		OrderThrottle:    cfg.OrderThrottle,
	}, nil
}
