package engine

import (
	"github.com/shopspring/decimal"

	"github.com/meridianbank/trading/internal/book"
	"github.com/meridianbank/trading/internal/schema"
)

// execution is one planned fill against a resting maker. The price is always
// the maker's resting price.
type execution struct {
	maker    *schema.Order
	quantity decimal.Decimal
	price    decimal.Decimal
}

// planMatch walks the opposite side in priority order and plans fills until
// the taker is exhausted or the best maker no longer crosses. It does not
// mutate the book or any order.
func planMatch(taker *schema.Order, b *book.Book) []execution {
	remaining := taker.Remaining
	if !remaining.IsPositive() {
		return nil
	}

	var plan []execution
	for _, maker := range b.Makers(taker.Side.Opposite()) {
		if !remaining.IsPositive() {
			break
		}
		if maker.LimitPrice == nil || !maker.Remaining.IsPositive() {
			continue
		}
		if !crosses(taker, *maker.LimitPrice) {
			// Makers arrive best first, so nothing further can cross.
			break
		}
		quantity := decimal.Min(remaining, maker.Remaining)
		plan = append(plan, execution{maker: maker, quantity: quantity, price: *maker.LimitPrice})
		remaining = remaining.Sub(quantity)
	}
	return plan
}

// crosses reports whether the taker accepts the maker's resting price.
// Market takers accept any price.
func crosses(taker *schema.Order, makerPrice decimal.Decimal) bool {
	if taker.Kind == schema.KindMarket {
		return true
	}
	if taker.LimitPrice == nil {
		return false
	}
	if taker.Side == schema.SideBid {
		return taker.LimitPrice.GreaterThanOrEqual(makerPrice)
	}
	return taker.LimitPrice.LessThanOrEqual(makerPrice)
}
