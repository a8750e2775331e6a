// Package schema defines the canonical domain types flowing through the
// matching core: orders, trades, positions and the events derived from them.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
)

// Side captures the direction of trading intent.
type Side string

const (
	// SideBid indicates buy-side intent.
	SideBid Side = "bid"
	// SideAsk indicates sell-side intent.
	SideAsk Side = "ask"
)

// Validate reports whether the side is a recognised variant.
func (s Side) Validate() error {
	switch s {
	case SideBid, SideAsk:
		return nil
	default:
		return errs.New("schema.side", errs.CodeInvalidParameters,
			errs.WithMessage("side must be bid or ask"))
	}
}

// Opposite returns the matching side of the book.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderKind distinguishes limit orders from market orders.
type OrderKind string

const (
	// KindLimit represents limit orders carrying a price bound.
	KindLimit OrderKind = "limit"
	// KindMarket represents market orders executed at prevailing prices.
	KindMarket OrderKind = "market"
)

// Validate reports whether the order kind is a recognised variant.
func (k OrderKind) Validate() error {
	switch k {
	case KindLimit, KindMarket:
		return nil
	default:
		return errs.New("schema.kind", errs.CodeInvalidParameters,
			errs.WithMessage("kind must be limit or market"))
	}
}

// OrderState represents the lifecycle state of an order.
type OrderState string

const (
	// StatePending marks an admitted order with no executions yet.
	StatePending OrderState = "pending"
	// StatePartial marks an order with executions and remaining quantity.
	StatePartial OrderState = "partially_filled"
	// StateFilled marks a fully executed order. Terminal.
	StateFilled OrderState = "filled"
	// StateCancelled marks an explicitly or implicitly cancelled order. Terminal.
	StateCancelled OrderState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateCancelled
}

// Open reports whether the order remains eligible for matching.
func (s OrderState) Open() bool {
	return s == StatePending || s == StatePartial
}

// Order represents one side's trading intent for a single instrument.
// The engine owns the live struct; callers only ever see snapshots.
type Order struct {
	ID         string
	Instrument string
	OwnerID    string
	Side       Side
	Kind       OrderKind
	Quantity   decimal.Decimal
	Remaining  decimal.Decimal
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	State      OrderState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the admission-time invariants of an order request.
func (o *Order) Validate() error {
	if o == nil {
		return errs.New("schema.order", errs.CodeInvalidParameters,
			errs.WithMessage("order required"))
	}
	if o.Instrument == "" {
		return errs.New("schema.order", errs.CodeInvalidParameters,
			errs.WithMessage("instrument required"))
	}
	if o.OwnerID == "" {
		return errs.New("schema.order", errs.CodeInvalidParameters,
			errs.WithMessage("owner required"), errs.WithInstrument(o.Instrument))
	}
	if err := o.Side.Validate(); err != nil {
		return err
	}
	if err := o.Kind.Validate(); err != nil {
		return err
	}
	if !o.Quantity.IsPositive() {
		return errs.New("schema.order", errs.CodeInvalidParameters,
			errs.WithMessage("quantity must be positive"), errs.WithInstrument(o.Instrument))
	}
	switch o.Kind {
	case KindLimit:
		if o.LimitPrice == nil {
			return errs.New("schema.order", errs.CodeInvalidParameters,
				errs.WithMessage("limit order requires a price"), errs.WithInstrument(o.Instrument))
		}
		if !o.LimitPrice.IsPositive() {
			return errs.New("schema.order", errs.CodeInvalidParameters,
				errs.WithMessage("limit price must be positive"), errs.WithInstrument(o.Instrument))
		}
	case KindMarket:
		if o.LimitPrice != nil {
			return errs.New("schema.order", errs.CodeInvalidParameters,
				errs.WithMessage("market order must not carry a limit price"), errs.WithInstrument(o.Instrument))
		}
	}
	return nil
}

// Filled returns the executed quantity accumulated so far.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// Clone returns a deep copy safe to hand outside the engine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.LimitPrice != nil {
		price := *o.LimitPrice
		clone.LimitPrice = &price
	}
	if o.StopPrice != nil {
		stop := *o.StopPrice
		clone.StopPrice = &stop
	}
	return &clone
}
