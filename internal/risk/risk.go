// Package risk enforces pre-admission limits on order flow. The gate mirrors
// the validation the outer banking layers perform; the core still re-asserts
// its own holdings invariant during settlement.
package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

// Limits defines admission parameters for the matching core.
type Limits struct {
	// MaxOrderQuantity is the largest quantity a single order may carry.
	// Zero disables the check.
	MaxOrderQuantity decimal.Decimal `yaml:"maxOrderQuantity"`

	// MaxNotionalValue caps quantity × limit price for priced orders.
	// Zero disables the check.
	MaxNotionalValue decimal.Decimal `yaml:"maxNotionalValue"`

	// OrderThrottle is the maximum admission rate in orders per second.
	// Zero or negative disables throttling.
	OrderThrottle float64 `yaml:"orderThrottle"`
}

// Gate evaluates orders against the configured limits.
type Gate struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewGate creates a gate with the given limits.
func NewGate(limits Limits) *Gate {
	throttle := rate.Inf
	if limits.OrderThrottle > 0 {
		throttle = rate.Limit(limits.OrderThrottle)
	}
	return &Gate{
		limits:  limits,
		limiter: rate.NewLimiter(throttle, 1),
	}
}

// CheckOrder blocks until the throttle admits the order, then evaluates the
// size limits. A context cancellation surfaces as unavailable.
func (g *Gate) CheckOrder(ctx context.Context, o *schema.Order) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errs.New("risk.gate", errs.CodeUnavailable,
			errs.WithInstrument(o.Instrument),
			errs.WithMessage("order throttle wait aborted"),
			errs.WithCause(err))
	}

	if g.limits.MaxOrderQuantity.IsPositive() && o.Quantity.GreaterThan(g.limits.MaxOrderQuantity) {
		return errs.New("risk.gate", errs.CodeInvalidParameters,
			errs.WithInstrument(o.Instrument),
			errs.WithMessage(fmt.Sprintf("order quantity %s exceeds limit %s",
				o.Quantity, g.limits.MaxOrderQuantity)))
	}

	if g.limits.MaxNotionalValue.IsPositive() && o.LimitPrice != nil {
		notional := o.Quantity.Mul(*o.LimitPrice)
		if notional.GreaterThan(g.limits.MaxNotionalValue) {
			return errs.New("risk.gate", errs.CodeInvalidParameters,
				errs.WithInstrument(o.Instrument),
				errs.WithMessage(fmt.Sprintf("order notional %s exceeds limit %s",
					notional, g.limits.MaxNotionalValue)))
		}
	}

	return nil
}

// WouldExceed reports whether a holding of held plus the order quantity would
// breach the position limit. Exposed for callers sizing orders upstream.
func (g *Gate) WouldExceed(held, quantity decimal.Decimal) bool {
	if !g.limits.MaxOrderQuantity.IsPositive() {
		return false
	}
	return held.Add(quantity).GreaterThan(g.limits.MaxOrderQuantity)
}
