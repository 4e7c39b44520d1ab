// Package util provides small numeric helpers shared by the reconcilers.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundTo rounds x to the given number of decimal places.
func RoundTo(x float64, places int) float64 {
	if places < 0 {
		return x
	}
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// WithinPct reports whether a is within pct percent of b. A zero b only
// matches a zero a.
func WithinPct(a, b, pct float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) <= pct/100
}

// IsZeroQty reports whether a share or contract count is effectively zero.
func IsZeroQty(q float64) bool {
	return math.Abs(q) < 0.01
}
