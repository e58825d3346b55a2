package multiview

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func assertEpipolarConstraint(t *testing.T, f *mat.Dense, pts1, pts2 []r2.Point, mask []bool) {
	t.Helper()
	for i := range pts1 {
		if mask != nil && !mask[i] {
			continue
		}
		test.That(t, epipolarError(f, pts1[i], pts2[i]), test.ShouldBeLessThan, 1e-8)
	}
}

func TestComputeFundamentalMatrixAllPoints(t *testing.T) {
	s := randomScene(t, 30, 1)

	for _, normalize := range []bool{true, false} {
		f, err := ComputeFundamentalMatrixAllPoints(s.pts1, s.pts2, normalize)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mat.Norm(f, 2), test.ShouldAlmostEqual, 1, 1e-9)
		test.That(t, mat.Det(f), test.ShouldAlmostEqual, 0, 1e-12)
		tol := 1e-6
		if !normalize {
			// The unnormalized system is badly conditioned.
			tol = 1e-4
		}
		assertSameUpToScale(t, f, s.trueFundamental(t), tol)
	}

	_, err := ComputeFundamentalMatrixAllPoints(s.pts1[:7], s.pts2[:7], true)
	test.That(t, errors.Is(err, ErrInsufficientPoints), test.ShouldBeTrue)
	_, err = ComputeFundamentalMatrixAllPoints(s.pts1, s.pts2[:10], true)
	test.That(t, errors.Is(err, ErrInsufficientPoints), test.ShouldBeTrue)
}

func TestNormalizePoints(t *testing.T) {
	pts := []r2.Point{{X: 1, Y: 1}, {X: 3, Y: 1}, {X: 3, Y: 5}, {X: 1, Y: 5}}
	normalized, transform, err := normalizePoints(pts)
	test.That(t, err, test.ShouldBeNil)

	var centroid r2.Point
	meanDist := 0.
	for _, p := range normalized {
		centroid = centroid.Add(p)
		meanDist += p.Norm() / float64(len(normalized))
	}
	test.That(t, centroid.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, centroid.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, meanDist, test.ShouldAlmostEqual, math.Sqrt2, 1e-12)

	// The transform maps the original points onto the normalized ones.
	for i, p := range pts {
		mapped := mulVec3(transform, liftToHomogeneous(p))
		test.That(t, mapped.X, test.ShouldAlmostEqual, normalized[i].X, 1e-12)
		test.That(t, mapped.Y, test.ShouldAlmostEqual, normalized[i].Y, 1e-12)
	}

	_, _, err = normalizePoints([]r2.Point{{X: 2, Y: 2}, {X: 2, Y: 2}, {X: 2, Y: 2}})
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)
}

func TestRealCubicRoots(t *testing.T) {
	// (x-1)(x-2)(x+3) = x³ - 7x + 6
	roots := realCubicRoots(1, 0, -7, 6)
	test.That(t, roots, test.ShouldHaveLength, 3)
	found := map[float64]bool{}
	for _, r := range roots {
		found[math.Round(r)] = true
		test.That(t, math.Abs(r-math.Round(r)), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, found, test.ShouldResemble, map[float64]bool{1: true, 2: true, -3: true})

	// (x-2)(x²+1) has a single real root.
	roots = realCubicRoots(1, -2, 1, -2)
	test.That(t, roots, test.ShouldHaveLength, 1)
	test.That(t, roots[0], test.ShouldAlmostEqual, 2, 1e-9)

	// Degree falls back when the leading coefficients vanish.
	roots = realCubicRoots(0, 1, 0, -4)
	test.That(t, roots, test.ShouldHaveLength, 2)
	roots = realCubicRoots(0, 0, 2, -1)
	test.That(t, roots, test.ShouldResemble, []float64{0.5})
	test.That(t, realCubicRoots(0, 0, 0, 0), test.ShouldBeEmpty)
}

func TestSevenPoint(t *testing.T) {
	s := randomScene(t, 7, 3)
	norm1, t1, err := normalizePoints(s.pts1)
	test.That(t, err, test.ShouldBeNil)
	norm2, t2, err := normalizePoints(s.pts2)
	test.That(t, err, test.ShouldBeNil)
	candidates := sevenPoint(norm1, norm2)
	test.That(t, len(candidates), test.ShouldBeIn, 1, 3)

	truth := s.trueFundamental(t)
	matched := false
	for _, candidate := range candidates {
		test.That(t, mat.Det(candidate), test.ShouldAlmostEqual, 0, 1e-9)
		f := denormalizeFundamental(candidate, t1, t2)
		assertEpipolarConstraint(t, f, s.pts1, s.pts2, nil)
		if mat.EqualApprox(normalized(f), alignSign(normalized(truth), normalized(f)), 1e-6) {
			matched = true
		}
	}
	test.That(t, matched, test.ShouldBeTrue)

	// Coincident samples leave a larger null space.
	same := []r2.Point{{X: 1, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 2}}
	test.That(t, sevenPoint(same, same), test.ShouldBeEmpty)
}

func TestRansacUpdateNumIters(t *testing.T) {
	test.That(t, ransacUpdateNumIters(0.99, 0, 7, 1000), test.ShouldEqual, 0)
	test.That(t, ransacUpdateNumIters(0.99, 0.99, 7, 1000), test.ShouldEqual, 1000)
	expected := int(math.Round(math.Log(0.01) / math.Log(1-math.Pow(0.8, 7))))
	test.That(t, ransacUpdateNumIters(0.99, 0.2, 7, 1000), test.ShouldEqual, expected)
}

func TestEstimateFundamentalNoiseFree(t *testing.T) {
	s := randomScene(t, 40, 2)
	fit, err := estimateFundamental(s.pts1, s.pts2, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit.NumInliers, test.ShouldEqual, 40)
	test.That(t, fit.Refined, test.ShouldBeTrue)
	test.That(t, fit.Iterations, test.ShouldBeLessThanOrEqualTo, DefaultConfig().MaxRansacIterations)
	for _, in := range fit.Inliers {
		test.That(t, in, test.ShouldBeTrue)
	}
	test.That(t, mat.Norm(fit.F, 2), test.ShouldAlmostEqual, 1, 1e-9)
	assertSameUpToScale(t, fit.F, s.trueFundamental(t), 1e-6)
}

func TestEstimateFundamentalOutliers(t *testing.T) {
	s := randomScene(t, 60, 4)
	truth := s.withOutliers(5)

	f, inliers, err := EstimateFundamental(s.pts1, s.pts2, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inliers, test.ShouldResemble, truth)
	assertSameUpToScale(t, f, s.trueFundamental(t), 1e-6)

	// A fixed seed gives the same answer every time.
	f2, inliers2, err := EstimateFundamental(s.pts1, s.pts2, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inliers2, test.ShouldResemble, inliers)
	test.That(t, mat.Equal(f, f2), test.ShouldBeTrue)
}

func TestEstimateFundamentalCube(t *testing.T) {
	s := cubeScene(t)
	fit, err := estimateFundamental(s.pts1, s.pts2, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit.NumInliers, test.ShouldEqual, 8)
	// Eight corners of a cube do not determine F linearly, so the minimal solution stays.
	test.That(t, fit.Refined, test.ShouldBeFalse)
	assertSameUpToScale(t, fit.F, s.trueFundamental(t), 1e-6)
}

func TestEstimateFundamentalErrors(t *testing.T) {
	s := randomScene(t, 20, 5)

	_, _, err := EstimateFundamental(s.pts1, s.pts2[:19], nil)
	test.That(t, errors.Is(err, ErrInsufficientPoints), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "same number")

	_, _, err = EstimateFundamental(s.pts1[:7], s.pts2[:7], nil)
	test.That(t, errors.Is(err, ErrInsufficientPoints), test.ShouldBeTrue)

	same := make([]r2.Point, 10)
	for i := range same {
		same[i] = r2.Point{X: 100, Y: 100}
	}
	_, _, err = EstimateFundamental(same, same, nil)
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)

	zeros := make([]r2.Point, 10)
	_, _, err = EstimateFundamental(zeros, zeros, nil)
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)

	_, _, err = EstimateFundamental(s.pts1, s.pts2, &Config{})
	test.That(t, err, test.ShouldNotBeNil)
}

func liftToHomogeneous(p r2.Point) r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: 1}
}

func normalized(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	frobeniusNormalize(out)
	return out
}

// alignSign flips a so that it points the same way as b.
func alignSign(a, b *mat.Dense) *mat.Dense {
	dot := 0.
	for i := 0; i < 3; i++ {
		dot += mat.Dot(a.RowView(i), b.RowView(i))
	}
	if dot < 0 {
		out := mat.DenseCopyOf(a)
		out.Scale(-1, out)
		return out
	}
	return a
}
