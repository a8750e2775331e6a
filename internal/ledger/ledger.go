// Package ledger records executed trades. The ledger is append-only and is
// the single source of truth settlement consumes; per-instrument sequence
// numbers make the trade stream replayable in admission order.
package ledger

import (
	"sync"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

// Ledger holds the immutable record of executed matches.
type Ledger struct {
	mu      sync.RWMutex
	seqs    map[string]uint64
	trades  []schema.Trade
	byID    map[string]int
	byOrder map[string][]int
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		seqs:    make(map[string]uint64),
		trades:  make([]schema.Trade, 0),
		byID:    make(map[string]int),
		byOrder: make(map[string][]int),
	}
}

// Reserve allocates the next sequence number for the instrument. Sequence
// positions are allocated in admission order; a reservation burned by an
// aborted admission leaves a gap, which replay tolerates.
func (l *Ledger) Reserve(instrument string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seqs[instrument]++
	return l.seqs[instrument]
}

// SeedSeq advances the instrument's sequence counter to at least seq, so a
// restarted ledger continues after the highest durably recorded trade instead
// of reissuing sequence numbers. Seeding below the current counter is a no-op.
func (l *Ledger) SeedSeq(instrument string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seqs[instrument] < seq {
		l.seqs[instrument] = seq
	}
}

// Record appends a sequence-stamped trade. Trades are immutable once recorded.
func (l *Ledger) Record(t schema.Trade) error {
	if !t.Quantity.IsPositive() {
		return errs.New("ledger.record", errs.CodeInvalidParameters,
			errs.WithInstrument(t.Instrument),
			errs.WithMessage("trade quantity must be positive"))
	}
	if t.Seq == 0 {
		return errs.New("ledger.record", errs.CodeInvalidParameters,
			errs.WithInstrument(t.Instrument),
			errs.WithMessage("trade sequence not reserved"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byID[t.ID]; dup {
		return errs.New("ledger.record", errs.CodeConflict,
			errs.WithInstrument(t.Instrument),
			errs.WithMessage("trade already recorded"))
	}

	idx := len(l.trades)
	l.trades = append(l.trades, t)
	l.byID[t.ID] = idx
	l.byOrder[t.BuyOrderID] = append(l.byOrder[t.BuyOrderID], idx)
	l.byOrder[t.SellOrderID] = append(l.byOrder[t.SellOrderID], idx)
	return nil
}

// Get returns the trade with the given identifier.
func (l *Ledger) Get(tradeID string) (schema.Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[tradeID]
	if !ok {
		return schema.Trade{}, false
	}
	return l.trades[idx], true
}

// ForInstrument returns the trades of the instrument in sequence order.
// A non-positive limit returns all trades.
func (l *Ledger) ForInstrument(instrument string, limit int) []schema.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.Trade, 0)
	for _, t := range l.trades {
		if t.Instrument != instrument {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ForOrder returns the trades an order participated in, oldest first.
func (l *Ledger) ForOrder(orderID string) []schema.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byOrder[orderID]
	out := make([]schema.Trade, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, l.trades[idx])
	}
	return out
}

// Len returns the total number of recorded trades.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}
