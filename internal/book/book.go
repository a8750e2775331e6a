// Package book implements the per-instrument order book: the authoritative
// in-memory set of open orders, ranked by price-time priority.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/errs"
	"github.com/meridianbank/trading/internal/schema"
)

// Level is the aggregate view of one price level, used for depth snapshots.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// level holds the FIFO queue of resting orders at one price. Queue order is
// the same-tick tiebreak: equal timestamps rank by insertion.
type level struct {
	price decimal.Decimal
	queue []*schema.Order
}

// Book owns the open orders of a single instrument. It is not safe for
// concurrent use; the engine serializes all access per instrument.
type Book struct {
	instrument string
	bids       []*level // sorted best first: highest price at index 0
	asks       []*level // sorted best first: lowest price at index 0
	index      map[string]schema.Side
}

// New creates an empty book for the instrument.
func New(instrument string) *Book {
	return &Book{
		instrument: instrument,
		bids:       make([]*level, 0),
		asks:       make([]*level, 0),
		index:      make(map[string]schema.Side),
	}
}

// Instrument returns the instrument this book serves.
func (b *Book) Instrument() string { return b.instrument }

// Add rests an open limit order on its side of the book.
func (b *Book) Add(o *schema.Order) error {
	if o == nil || o.LimitPrice == nil {
		return errs.New("book.add", errs.CodeInvalidParameters,
			errs.WithInstrument(b.instrument),
			errs.WithMessage("only priced orders may rest"))
	}
	if !o.State.Open() {
		return errs.New("book.add", errs.CodeInvalidState,
			errs.WithInstrument(b.instrument), errs.WithOrder(o.ID),
			errs.WithMessage("terminal order may not rest"))
	}
	if _, exists := b.index[o.ID]; exists {
		return errs.New("book.add", errs.CodeConflict,
			errs.WithInstrument(b.instrument), errs.WithOrder(o.ID),
			errs.WithMessage("order already resting"))
	}

	side := b.side(o.Side)
	price := *o.LimitPrice
	i := b.search(o.Side, price)
	if i < len(*side) && (*side)[i].price.Equal(price) {
		(*side)[i].queue = append((*side)[i].queue, o)
	} else {
		lvl := &level{price: price, queue: []*schema.Order{o}}
		*side = append(*side, nil)
		copy((*side)[i+1:], (*side)[i:])
		(*side)[i] = lvl
	}
	b.index[o.ID] = o.Side
	return nil
}

// Remove takes the order out of the book, returning it when present.
func (b *Book) Remove(orderID string) (*schema.Order, bool) {
	sideName, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	side := b.side(sideName)
	for li, lvl := range *side {
		for qi, o := range lvl.queue {
			if o.ID != orderID {
				continue
			}
			lvl.queue = append(lvl.queue[:qi], lvl.queue[qi+1:]...)
			if len(lvl.queue) == 0 {
				*side = append((*side)[:li], (*side)[li+1:]...)
			}
			delete(b.index, orderID)
			return o, true
		}
	}
	delete(b.index, orderID)
	return nil, false
}

// Best returns the highest-priority resting order on the given side.
func (b *Book) Best(s schema.Side) (*schema.Order, bool) {
	side := b.side(s)
	if len(*side) == 0 {
		return nil, false
	}
	queue := (*side)[0].queue
	if len(queue) == 0 {
		return nil, false
	}
	return queue[0], true
}

// Makers returns the resting orders of the side in matching priority order.
// The returned slice is a snapshot; the orders are the live structs.
func (b *Book) Makers(s schema.Side) []*schema.Order {
	side := b.side(s)
	out := make([]*schema.Order, 0, len(b.index))
	for _, lvl := range *side {
		out = append(out, lvl.queue...)
	}
	return out
}

// Contains reports whether the order is resting in the book.
func (b *Book) Contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

// Len returns the count of resting orders on the side.
func (b *Book) Len(s schema.Side) int {
	n := 0
	for _, lvl := range *b.side(s) {
		n += len(lvl.queue)
	}
	return n
}

// Depth aggregates the side into price levels, best first.
func (b *Book) Depth(s schema.Side) []Level {
	side := b.side(s)
	out := make([]Level, 0, len(*side))
	for _, lvl := range *side {
		total := decimal.Zero
		for _, o := range lvl.queue {
			total = total.Add(o.Remaining)
		}
		out = append(out, Level{Price: lvl.price, Quantity: total, Orders: len(lvl.queue)})
	}
	return out
}

func (b *Book) side(s schema.Side) *[]*level {
	if s == schema.SideBid {
		return &b.bids
	}
	return &b.asks
}

// search returns the insertion index keeping the side sorted best-first.
// Equal prices land past the existing level so FIFO is preserved.
func (b *Book) search(s schema.Side, price decimal.Decimal) int {
	side := *b.side(s)
	if s == schema.SideBid {
		return sort.Search(len(side), func(i int) bool {
			return side[i].price.LessThanOrEqual(price)
		})
	}
	return sort.Search(len(side), func(i int) bool {
		return side[i].price.GreaterThanOrEqual(price)
	})
}
