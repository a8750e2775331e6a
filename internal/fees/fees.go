// Package fees computes per-trade transaction costs. Fees are a pure function
// of the trade's notional so every partial fill carries its own share.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
)

// Role identifies which counterparty a fee is charged to.
type Role string

const (
	// RoleBuyer charges the buy-side counterparty.
	RoleBuyer Role = "buyer"
	// RoleSeller charges the sell-side counterparty.
	RoleSeller Role = "seller"
)

var basisPoints = decimal.NewFromInt(10000)

// Schedule holds the configured fee rates in basis points. The seller rate
// defaults to zero; charging sellers is a business decision, not an assumption.
type Schedule struct {
	BuyerRateBps  decimal.Decimal
	SellerRateBps decimal.Decimal
}

// DefaultSchedule returns the stock retail schedule: 25 bps buyer, free seller.
func DefaultSchedule() Schedule {
	return Schedule{
		BuyerRateBps:  decimal.NewFromInt(25),
		SellerRateBps: decimal.Zero,
	}
}

// Validate rejects negative rates.
func (s Schedule) Validate() error {
	if s.BuyerRateBps.IsNegative() || s.SellerRateBps.IsNegative() {
		return errs.New("fees.schedule", errs.CodeInvalidParameters,
			errs.WithMessage("fee rates must not be negative"))
	}
	return nil
}

// Fee returns the amount charged to the role for a trade of the given
// notional. Deterministic and side-effect free.
func (s Schedule) Fee(notional decimal.Decimal, role Role) decimal.Decimal {
	if notional.IsNegative() {
		return decimal.Zero
	}
	rate := s.BuyerRateBps
	if role == RoleSeller {
		rate = s.SellerRateBps
	}
	return notional.Mul(rate).Div(basisPoints)
}
