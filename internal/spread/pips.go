// Package spread computes pip spreads between exchange quotes: the pips
// formula, the snapshot cross-exchange matrix and the per-pair trend series.
//
// Every function in this package is a pure transform of its arguments. Callers
// pass a freshly fetched observation table on each call; nothing is cached or
// shared between invocations.
package spread

import "spreadmatrix/models"

// PipsScale converts a relative price difference into pips.
const PipsScale = 10000

// Pips returns ((p1 - p2) / max(p1, p2)) * 10000.
//
// The result is absent when either price is absent or not strictly positive.
// Using the larger price as denominator bounds the result to (-10000, 10000].
func Pips(p1, p2 models.Price) models.Price {
	a, okA := p1.Get()
	b, okB := p2.Get()
	if !okA || !okB || a <= 0 || b <= 0 {
		return models.None()
	}

	denom := a
	if b > a {
		denom = b
	}
	return models.Some((a - b) / denom * PipsScale)
}
