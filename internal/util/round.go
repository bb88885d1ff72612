// Package util provides common utility functions for volume and price rounding.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// Round2 rounds x to two decimal places. Broker volumes are quoted in
// hundredths of a lot, so this is the terminal rounding step for every
// volume calculation.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Clamp bounds x to the inclusive range [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
