package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func order(qty, price string) *schema.Order {
	p := dec(price)
	return &schema.Order{
		Instrument: "ACME",
		OwnerID:    "acct-1",
		Side:       schema.SideBid,
		Kind:       schema.KindLimit,
		Quantity:   dec(qty),
		Remaining:  dec(qty),
		LimitPrice: &p,
	}
}

func TestCheckOrderWithinLimits(t *testing.T) {
	g := NewGate(Limits{MaxOrderQuantity: dec("100"), MaxNotionalValue: dec("100000")})
	if err := g.CheckOrder(context.Background(), order("10", "100")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckOrderQuantityLimit(t *testing.T) {
	g := NewGate(Limits{MaxOrderQuantity: dec("5")})
	err := g.CheckOrder(context.Background(), order("10", "100"))
	if !errs.Is(err, errs.CodeInvalidParameters) {
		t.Fatalf("expected invalid_parameters, got %v", err)
	}
}

func TestCheckOrderNotionalLimit(t *testing.T) {
	g := NewGate(Limits{MaxNotionalValue: dec("500")})
	err := g.CheckOrder(context.Background(), order("10", "100"))
	if !errs.Is(err, errs.CodeInvalidParameters) {
		t.Fatalf("expected invalid_parameters, got %v", err)
	}
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	g := NewGate(Limits{})
	if err := g.CheckOrder(context.Background(), order("1000000", "1000000")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestThrottleAbortsOnCancelledContext(t *testing.T) {
	g := NewGate(Limits{OrderThrottle: 0.001})
	ctx := context.Background()
	// Consume the single burst token.
	if err := g.CheckOrder(ctx, order("1", "1")); err != nil {
		t.Fatalf("first order: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := g.CheckOrder(cancelled, order("1", "1"))
	if !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestWouldExceed(t *testing.T) {
	g := NewGate(Limits{MaxOrderQuantity: dec("10")})
	if g.WouldExceed(dec("4"), dec("5")) {
		t.Fatal("9 must not exceed 10")
	}
	if !g.WouldExceed(dec("6"), dec("5")) {
		t.Fatal("11 must exceed 10")
	}
}
