package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// ToMinorUnits converts a major-unit amount into minor units at the given
// scale (2 for cents). It fails when the value has more fractional digits
// than scale allows or does not fit in an int64.
func ToMinorUnits(amount decimal.Decimal, scale int32) (int64, bool) {
	minor := amount.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, false
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, false
	}
	return minor.IntPart(), true
}

// FromMinorUnits renders minor units back as a major-unit decimal.
func FromMinorUnits(minor int64, scale int32) decimal.Decimal {
	return decimal.New(minor, -scale)
}
