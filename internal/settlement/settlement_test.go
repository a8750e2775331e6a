package settlement

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seeded(t *testing.T, sellerQty string) *Settler {
	t.Helper()
	s := New()
	s.Seed(schema.Position{
		OwnerID:    "seller",
		Instrument: "ACME",
		Quantity:   dec(sellerQty),
		AvgPrice:   dec("90"),
		Invested:   dec(sellerQty).Mul(dec("90")),
	})
	return s
}

func sampleTrade(id string, qty, price, buyerFee, sellerFee string) schema.Trade {
	return schema.Trade{
		ID:          id,
		Instrument:  "ACME",
		BuyerID:     "buyer",
		SellerID:    "seller",
		BuyOrderID:  "bo-1",
		SellOrderID: "so-1",
		Quantity:    dec(qty),
		Price:       dec(price),
		BuyerFee:    dec(buyerFee),
		SellerFee:   dec(sellerFee),
	}
}

func TestApplyUpdatesBothSides(t *testing.T) {
	s := seeded(t, "20")
	deltas, _, err := s.Apply([]schema.Trade{sampleTrade("t-1", "10", "100", "2.5", "1")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	buyer, ok := s.Position("buyer", "ACME")
	if !ok {
		t.Fatal("buyer position missing")
	}
	if !buyer.Quantity.Equal(dec("10")) || !buyer.AvgPrice.Equal(dec("100")) || !buyer.Invested.Equal(dec("1000")) {
		t.Fatalf("buyer position wrong: %+v", buyer)
	}

	seller, ok := s.Position("seller", "ACME")
	if !ok {
		t.Fatal("seller position missing")
	}
	if !seller.Quantity.Equal(dec("10")) {
		t.Fatalf("expected seller quantity 10, got %s", seller.Quantity)
	}
	if !seller.AvgPrice.Equal(dec("90")) {
		t.Fatalf("seller avg price must not move, got %s", seller.AvgPrice)
	}

	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
	if !deltas[0].Amount.Equal(dec("-1002.5")) {
		t.Fatalf("buyer delta wrong: %s", deltas[0].Amount)
	}
	if !deltas[1].Amount.Equal(dec("999")) {
		t.Fatalf("seller delta wrong: %s", deltas[1].Amount)
	}
}

func TestApplyIsIdempotentPerTradeID(t *testing.T) {
	s := seeded(t, "20")
	tr := sampleTrade("t-1", "10", "100", "0", "0")

	if _, _, err := s.Apply([]schema.Trade{tr}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	deltas, _, err := s.Apply([]schema.Trade{tr})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("replay produced %d deltas, want 0", len(deltas))
	}

	buyer, _ := s.Position("buyer", "ACME")
	if !buyer.Quantity.Equal(dec("10")) {
		t.Fatalf("replay double-applied: quantity %s", buyer.Quantity)
	}
}

func TestApplyRollsBackBatchOnOversell(t *testing.T) {
	s := seeded(t, "10")
	good := sampleTrade("t-1", "6", "100", "0", "0")
	bad := sampleTrade("t-2", "6", "100", "0", "0") // seller has only 4 left

	_, _, err := s.Apply([]schema.Trade{good, bad})
	if !errs.Is(err, errs.CodeInsufficientHoldings) {
		t.Fatalf("expected insufficient_holdings, got %v", err)
	}

	// The whole batch rolled back, including the good trade.
	seller, _ := s.Position("seller", "ACME")
	if !seller.Quantity.Equal(dec("10")) {
		t.Fatalf("rollback incomplete: seller quantity %s", seller.Quantity)
	}
	if _, ok := s.Position("buyer", "ACME"); ok {
		buyer, _ := s.Position("buyer", "ACME")
		if !buyer.Quantity.IsZero() {
			t.Fatalf("rollback incomplete: buyer quantity %s", buyer.Quantity)
		}
	}

	// A retry after rollback settles the good trade.
	if _, _, err := s.Apply([]schema.Trade{good}); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestRevertRestoresPositionsAndIdempotencyMarks(t *testing.T) {
	s := seeded(t, "20")
	tr := sampleTrade("t-1", "10", "100", "0", "0")

	_, revert, err := s.Apply([]schema.Trade{tr})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	revert()

	seller, _ := s.Position("seller", "ACME")
	if !seller.Quantity.Equal(dec("20")) {
		t.Fatalf("revert incomplete: seller quantity %s", seller.Quantity)
	}

	// After revert the same trade settles again.
	deltas, _, err := s.Apply([]schema.Trade{tr})
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected re-apply to settle, got %d deltas", len(deltas))
	}
}

func TestHeld(t *testing.T) {
	s := seeded(t, "7")
	if !s.Held("seller", "ACME").Equal(dec("7")) {
		t.Fatalf("expected 7, got %s", s.Held("seller", "ACME"))
	}
	if !s.Held("nobody", "ACME").IsZero() {
		t.Fatal("unknown owner must hold zero")
	}
}

func TestPositionsListsAllHoldings(t *testing.T) {
	s := New()
	s.Seed(schema.Position{OwnerID: "acct", Instrument: "ACME", Quantity: dec("1")})
	s.Seed(schema.Position{OwnerID: "acct", Instrument: "GLOB", Quantity: dec("2")})
	if got := s.Positions("acct"); len(got) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(got))
	}
}
