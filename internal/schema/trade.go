package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the immutable settlement record of one match event. Trades store
// the identifiers of the orders that produced them, never live references.
type Trade struct {
	ID          string
	Instrument  string
	BuyerID     string
	SellerID    string
	BuyOrderID  string
	SellOrderID string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	BuyerFee    decimal.Decimal
	SellerFee   decimal.Decimal
	Seq         uint64
	ExecutedAt  time.Time
}

// Notional returns quantity × price for the trade.
func (t Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// BalanceDelta is a signed cash adjustment the account collaborator applies.
// The core emits deltas and never holds the authoritative balance itself.
type BalanceDelta struct {
	OwnerID string
	TradeID string
	Amount  decimal.Decimal
	Reason  string
}

// Balance delta reasons.
const (
	DeltaReasonBuy  = "trade_buy"
	DeltaReasonSell = "trade_sell"
)
