// Package money provides presentation rounding for monetary floats. The
// engine computes in float64; API responses round through decimal so JSON
// carries 123.45670001 instead of binary-fraction noise.
package money

import "github.com/shopspring/decimal"

// Round rounds v half-up to the given number of decimal places.
func Round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// Round8 rounds to 8 decimal places, the precision used on the wire for both
// USD and RICH quantities.
func Round8(v float64) float64 {
	return Round(v, 8)
}

// Round2 rounds to cents; used only for display-oriented fields.
func Round2(v float64) float64 {
	return Round(v, 2)
}
