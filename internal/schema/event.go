package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// EventType names a category of core event published for outer layers.
type EventType string

const (
	// EventTradeExecuted signals a settled trade.
	EventTradeExecuted EventType = "trade.executed"
	// EventOrderUpdated signals an order lifecycle transition.
	EventOrderUpdated EventType = "order.updated"
	// EventBalanceDelta signals a cash adjustment for an account.
	EventBalanceDelta EventType = "balance.delta"
)

// Event is the envelope delivered over the event bus. The payload is encoded
// once at construction so fan-out never re-marshals per subscriber.
type Event struct {
	Type       EventType       `json:"type"`
	Instrument string          `json:"instrument"`
	Seq        uint64          `json:"seq"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// TradePayload mirrors Trade with string-encoded decimals for transport.
type TradePayload struct {
	TradeID     string `json:"trade_id"`
	Instrument  string `json:"instrument"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	BuyerFee    string `json:"buyer_fee"`
	SellerFee   string `json:"seller_fee"`
}

// OrderPayload mirrors the externally visible order snapshot.
type OrderPayload struct {
	OrderID    string `json:"order_id"`
	Instrument string `json:"instrument"`
	OwnerID    string `json:"owner_id"`
	Side       string `json:"side"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Quantity   string `json:"quantity"`
	Remaining  string `json:"remaining"`
}

// BalanceDeltaPayload mirrors BalanceDelta for transport.
type BalanceDeltaPayload struct {
	OwnerID string `json:"owner_id"`
	TradeID string `json:"trade_id"`
	Amount  string `json:"amount"`
	Reason  string `json:"reason"`
}

// NewTradeEvent builds a trade.executed event from the settled trade.
func NewTradeEvent(t Trade) (Event, error) {
	payload, err := json.Marshal(TradePayload{
		TradeID:     t.ID,
		Instrument:  t.Instrument,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Quantity:    t.Quantity.String(),
		Price:       t.Price.String(),
		BuyerFee:    t.BuyerFee.String(),
		SellerFee:   t.SellerFee.String(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       EventTradeExecuted,
		Instrument: t.Instrument,
		Seq:        t.Seq,
		OccurredAt: t.ExecutedAt,
		Payload:    payload,
	}, nil
}

// NewOrderEvent builds an order.updated event from an order snapshot.
func NewOrderEvent(o *Order, seq uint64) (Event, error) {
	payload, err := json.Marshal(OrderPayload{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		OwnerID:    o.OwnerID,
		Side:       string(o.Side),
		Kind:       string(o.Kind),
		State:      string(o.State),
		Quantity:   o.Quantity.String(),
		Remaining:  o.Remaining.String(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       EventOrderUpdated,
		Instrument: o.Instrument,
		Seq:        seq,
		OccurredAt: o.UpdatedAt,
		Payload:    payload,
	}, nil
}

// NewBalanceDeltaEvent builds a balance.delta event for the account layer.
func NewBalanceDeltaEvent(instrument string, delta BalanceDelta, seq uint64, at time.Time) (Event, error) {
	payload, err := json.Marshal(BalanceDeltaPayload{
		OwnerID: delta.OwnerID,
		TradeID: delta.TradeID,
		Amount:  delta.Amount.String(),
		Reason:  delta.Reason,
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       EventBalanceDelta,
		Instrument: instrument,
		Seq:        seq,
		OccurredAt: at,
		Payload:    payload,
	}, nil
}
