package mapping

import (
	"math"
)

// MaxIndex is the default ceiling for allocated mapping indexes.
const MaxIndex = math.MaxInt32

// NextIndex returns the next mapping index given the indexes in use.
//
// Indexes are multiples of ten strictly above the current maximum, leaving
// nine unused values below each one. Freed indexes are not reused while a
// higher index is live.
func NextIndex(existing []int, ceiling int) (int, error) {
	max := 0
	for _, id := range existing {
		if id > max {
			max = id
		}
	}
	if max > math.MaxInt-11 {
		return -1, ErrExhausted
	}
	next := max + 11
	next -= next % 10
	if next > ceiling {
		return -1, ErrExhausted
	}
	return next, nil
}
