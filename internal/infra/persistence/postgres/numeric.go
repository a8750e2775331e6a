package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value without
// leaving exact arithmetic.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("encode numeric %s: %w", value, err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric,
// leaving it NULL when absent.
func numericFromOptional(value *decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if value == nil {
		return out, nil
	}
	return numericFromDecimal(*value)
}
