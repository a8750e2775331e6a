// Package tradestore defines persistence contracts for orders, trades,
// positions, and cash deltas. Concrete implementations live under
// internal/infra/persistence.
package tradestore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is the persisted snapshot of an order. Monetary fields stay
// decimal so no precision is lost crossing the driver boundary.
type OrderRecord struct {
	ID         string
	Instrument string
	OwnerID    string
	Side       string
	Kind       string
	State      string
	Quantity   decimal.Decimal
	Remaining  decimal.Decimal
	LimitPrice *decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TradeRecord is the persisted form of a settled trade.
type TradeRecord struct {
	ID          string
	Instrument  string
	Seq         uint64
	BuyerID     string
	SellerID    string
	BuyOrderID  string
	SellOrderID string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	BuyerFee    decimal.Decimal
	SellerFee   decimal.Decimal
	ExecutedAt  time.Time
}

// PositionRecord is the persisted holding of one owner in one instrument.
type PositionRecord struct {
	OwnerID    string
	Instrument string
	Quantity   decimal.Decimal
	AvgPrice   decimal.Decimal
	Invested   decimal.Decimal
	UpdatedAt  time.Time
}

// BalanceDeltaRecord is one signed cash adjustment, keyed by (trade, owner)
// so replays cannot double-book.
type BalanceDeltaRecord struct {
	TradeID   string
	OwnerID   string
	Amount    decimal.Decimal
	Reason    string
	CreatedAt time.Time
}

// OrderQuery filters ListOrders.
type OrderQuery struct {
	Instrument string
	OwnerID    string
	States     []string
	Limit      int
}

// TradeQuery filters ListTrades.
type TradeQuery struct {
	Instrument string
	OrderID    string
	Limit      int
}

// Tx exposes the write operations valid inside a transaction.
type Tx interface {
	UpsertOrder(ctx context.Context, order OrderRecord) error
	InsertTrade(ctx context.Context, trade TradeRecord) error
	UpsertPosition(ctx context.Context, position PositionRecord) error
	InsertBalanceDelta(ctx context.Context, delta BalanceDeltaRecord) error
}

// Store abstracts durable storage for the matching core.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	ListOrders(ctx context.Context, query OrderQuery) ([]OrderRecord, error)
	ListTrades(ctx context.Context, query TradeQuery) ([]TradeRecord, error)
	ListPositions(ctx context.Context, ownerID string) ([]PositionRecord, error)
	AllPositions(ctx context.Context) ([]PositionRecord, error)
	MaxTradeSeqs(ctx context.Context) (map[string]uint64, error)
}
