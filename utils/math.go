package utils

import (
	"math"
	"math/rand"
)

// Epsilon is the default tolerance for floating point comparisons.
const Epsilon = 1e-9

// Float64AlmostEqual reports whether a and b differ by no more than epsilon.
func Float64AlmostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}

// IsFinite is false for NaN and both infinities.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Square is faster than math.Pow(n, 2).
func Square(n float64) float64 {
	return n * n
}

// SampleRandomIntRange samples a random integer within a range given by [min, max]
// using the given rand.Rand.
func SampleRandomIntRange(min, max int, r *rand.Rand) int {
	return r.Intn(max-min+1) + min
}

// SampleDistinctInts fills dst with len(dst) distinct integers from [0, n) using a partial
// Fisher-Yates shuffle over scratch, which must have length n. scratch is reinitialized on
// every call.
func SampleDistinctInts(dst, scratch []int, r *rand.Rand) {
	n := len(scratch)
	for i := range scratch {
		scratch[i] = i
	}
	for i := range dst {
		j := SampleRandomIntRange(i, n-1, r)
		scratch[i], scratch[j] = scratch[j], scratch[i]
		dst[i] = scratch[i]
	}
}
