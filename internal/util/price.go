// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// TickSize returns the smallest legal price increment for a price of the
// given magnitude. Sub-cent instruments (e.g. SHIB) trade in 1e-7 ticks,
// sub-dollar instruments in 1e-4 ticks, everything else in cents.
func TickSize(price float64) float64 {
	switch {
	case price < 0.01:
		return 0.0000001
	case price < 1.0:
		return 0.0001
	default:
		return 0.01
	}
}

// RoundToTick rounds price down to the tick derived from its magnitude.
// Rounding happens in decimal arithmetic so repeated rounding never
// drifts: RoundToTick(RoundToTick(p)) == RoundToTick(p).
func RoundToTick(price float64) float64 {
	return FloorToTick(price, TickSize(price))
}

// FloorToTick rounds price down to a multiple of tick using decimal
// arithmetic. A non-positive tick or non-finite price returns the input
// unchanged.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Floor().Mul(t).Float64()
	return f
}
