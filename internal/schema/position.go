package schema

import (
	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
)

// Position is the per (owner, instrument) holding. It is mutated only by the
// settlement component, which is the sole writer.
type Position struct {
	OwnerID    string
	Instrument string
	Quantity   decimal.Decimal
	AvgPrice   decimal.Decimal
	Invested   decimal.Decimal
}

// ApplyBuy folds a buy-side fill into the position using the weighted-average
// acquisition price formula.
func (p *Position) ApplyBuy(quantity, price decimal.Decimal) {
	cost := quantity.Mul(price)
	newQty := p.Quantity.Add(quantity)
	if newQty.IsPositive() {
		p.AvgPrice = p.Quantity.Mul(p.AvgPrice).Add(cost).Div(newQty)
	}
	p.Quantity = newQty
	p.Invested = p.Invested.Add(cost)
}

// ApplySell reduces quantity and the invested total proportionally. The
// average price is unchanged. Oversells are an invariant violation: admission
// checks must have prevented them, so this surfaces as an internal condition.
func (p *Position) ApplySell(quantity decimal.Decimal) error {
	if quantity.GreaterThan(p.Quantity) {
		return errs.New("schema.position", errs.CodeInsufficientHoldings,
			errs.WithInstrument(p.Instrument),
			errs.WithMessage("sell quantity exceeds held quantity"))
	}
	if p.Quantity.IsPositive() {
		released := p.Invested.Mul(quantity).Div(p.Quantity)
		p.Invested = p.Invested.Sub(released)
	}
	p.Quantity = p.Quantity.Sub(quantity)
	if p.Quantity.IsZero() {
		p.Invested = decimal.Zero
	}
	return nil
}

// Clone returns a copy safe to hand outside the settlement component.
func (p *Position) Clone() Position {
	if p == nil {
		return Position{}
	}
	return *p
}
