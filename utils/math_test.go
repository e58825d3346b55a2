package utils

import (
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func TestFloat64AlmostEqual(t *testing.T) {
	test.That(t, Float64AlmostEqual(1, 1+1e-10, Epsilon), test.ShouldBeTrue)
	test.That(t, Float64AlmostEqual(1, 1+1e-6, Epsilon), test.ShouldBeFalse)
	test.That(t, Float64AlmostEqual(-2, -2.05, 0.1), test.ShouldBeTrue)
	test.That(t, Float64AlmostEqual(math.NaN(), math.NaN(), 1), test.ShouldBeFalse)
}

func TestIsFinite(t *testing.T) {
	test.That(t, IsFinite(0), test.ShouldBeTrue)
	test.That(t, IsFinite(math.NaN()), test.ShouldBeFalse)
	test.That(t, IsFinite(math.Inf(-1)), test.ShouldBeFalse)
}

func TestSampleDistinctInts(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	dst := make([]int, 7)
	scratch := make([]int, 20)
	for trial := 0; trial < 50; trial++ {
		SampleDistinctInts(dst, scratch, r)
		seen := map[int]bool{}
		for _, v := range dst {
			test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, 0)
			test.That(t, v, test.ShouldBeLessThan, 20)
			test.That(t, seen[v], test.ShouldBeFalse)
			seen[v] = true
		}
	}

	// Sampling every index is a permutation.
	all := make([]int, 5)
	SampleDistinctInts(all, make([]int, 5), r)
	sum := 0
	for _, v := range all {
		sum += v
	}
	test.That(t, sum, test.ShouldEqual, 10)
}
