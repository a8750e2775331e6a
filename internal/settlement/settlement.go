// Package settlement applies the financial consequences of trades: one
// position update per counterparty and one signed cash delta each, exactly
// once per trade.
package settlement

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

// Settler is the sole writer of positions. Re-applying a trade identifier is
// a no-op, so retries after partial failures never double-book.
type Settler struct {
	mu        sync.Mutex
	positions map[string]map[string]*schema.Position
	applied   map[string]struct{}
}

// New creates a settler with no positions.
func New() *Settler {
	return &Settler{
		positions: make(map[string]map[string]*schema.Position),
		applied:   make(map[string]struct{}),
	}
}

// Seed installs a pre-existing holding, typically loaded from persistence at
// startup. Seeding replaces any prior entry for the (owner, instrument) pair.
func (s *Settler) Seed(p schema.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInstrument, ok := s.positions[p.OwnerID]
	if !ok {
		byInstrument = make(map[string]*schema.Position)
		s.positions[p.OwnerID] = byInstrument
	}
	seeded := p
	byInstrument[p.Instrument] = &seeded
}

// Apply settles the batch all-or-nothing and returns the cash deltas the
// account collaborator must apply: buyer −(notional+fee), seller
// +(notional−fee). Already-applied trades are skipped and produce no deltas.
// The returned revert restores positions and idempotency marks, letting the
// caller unwind settlement when a later admission step fails.
func (s *Settler) Apply(trades []schema.Trade) ([]schema.BalanceDelta, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := make([]schema.BalanceDelta, 0, len(trades)*2)
	settled := make([]string, 0, len(trades))
	undo := make([]func(), 0, len(trades)*2)

	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		for _, id := range settled {
			delete(s.applied, id)
		}
	}

	for _, t := range trades {
		if _, dup := s.applied[t.ID]; dup {
			continue
		}

		buyer := s.positionLocked(t.BuyerID, t.Instrument)
		buyerBefore := *buyer
		buyer.ApplyBuy(t.Quantity, t.Price)
		undo = append(undo, func() { *buyer = buyerBefore })

		seller := s.positionLocked(t.SellerID, t.Instrument)
		sellerBefore := *seller
		if err := seller.ApplySell(t.Quantity); err != nil {
			rollback()
			return nil, nil, errs.New("settlement.apply", errs.CodeInsufficientHoldings,
				errs.WithInstrument(t.Instrument),
				errs.WithMessage("holdings invariant violated during settlement"),
				errs.WithCause(err))
		}
		undo = append(undo, func() { *seller = sellerBefore })

		notional := t.Notional()
		deltas = append(deltas,
			schema.BalanceDelta{
				OwnerID: t.BuyerID,
				TradeID: t.ID,
				Amount:  notional.Add(t.BuyerFee).Neg(),
				Reason:  schema.DeltaReasonBuy,
			},
			schema.BalanceDelta{
				OwnerID: t.SellerID,
				TradeID: t.ID,
				Amount:  notional.Sub(t.SellerFee),
				Reason:  schema.DeltaReasonSell,
			},
		)

		s.applied[t.ID] = struct{}{}
		settled = append(settled, t.ID)
	}

	revert := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		rollback()
	}
	return deltas, revert, nil
}

// Position returns a copy of the holding for the (owner, instrument) pair.
func (s *Settler) Position(ownerID, instrument string) (schema.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInstrument, ok := s.positions[ownerID]
	if !ok {
		return schema.Position{}, false
	}
	p, ok := byInstrument[instrument]
	if !ok {
		return schema.Position{}, false
	}
	return p.Clone(), true
}

// Positions returns copies of all holdings of the owner.
func (s *Settler) Positions(ownerID string) []schema.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInstrument := s.positions[ownerID]
	out := make([]schema.Position, 0, len(byInstrument))
	for _, p := range byInstrument {
		out = append(out, p.Clone())
	}
	return out
}

// Held returns the quantity currently held, zero when no position exists.
func (s *Settler) Held(ownerID, instrument string) decimal.Decimal {
	p, ok := s.Position(ownerID, instrument)
	if !ok {
		return decimal.Zero
	}
	return p.Quantity
}

func (s *Settler) positionLocked(ownerID, instrument string) *schema.Position {
	byInstrument, ok := s.positions[ownerID]
	if !ok {
		byInstrument = make(map[string]*schema.Position)
		s.positions[ownerID] = byInstrument
	}
	p, ok := byInstrument[instrument]
	if !ok {
		p = &schema.Position{OwnerID: ownerID, Instrument: instrument}
		byInstrument[instrument] = p
	}
	return p
}
