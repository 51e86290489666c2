// Package maths holds small numeric helpers.
package maths

import (
	"math"
)

// RoundFloat64ToInt rounds v half away from zero. NaN and infinities become 0.
func RoundFloat64ToInt(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return int(math.Round(v))
}

// Percent converts a 0..1 fraction into a whole percentage clamped to 0..100.
func Percent(fraction float64) int {
	return min(max(RoundFloat64ToInt(fraction*100), 0), 100)
}
