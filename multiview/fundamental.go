package multiview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// minFundamentalPoints is the number of correspondences the linear fit needs.
const minFundamentalPoints = 8

// relative size below which the second smallest singular value of the 8-point system means the
// solution is not unique.
const wellConditionedTol = 1e-8

// checkCorrespondences validates two correspondence sets before any matrix is built.
func checkCorrespondences(pts1, pts2 []r2.Point, atLeast int) error {
	if len(pts1) != len(pts2) {
		return errors.Wrapf(ErrInsufficientPoints,
			"sets of points must have the same number of elements, got %d and %d", len(pts1), len(pts2))
	}
	if len(pts1) < atLeast {
		return errors.Wrapf(ErrInsufficientPoints, "sets of points must have at least %d elements, got %d",
			atLeast, len(pts1))
	}
	return nil
}

// ComputeFundamentalMatrixAllPoints computes the fundamental matrix from all points with the 8-point
// algorithm, optionally on normalized coordinates. The result has rank 2 and unit Frobenius norm.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if err := checkCorrespondences(pts1, pts2, minFundamentalPoints); err != nil {
		return nil, err
	}
	f, _, err := fitFundamentalLinear(pts1, pts2, normalize)
	return f, err
}

// fitFundamentalLinear runs the 8-point algorithm and also reports how well determined the
// solution is: the ratio of the second smallest to the largest singular value of the system.
func fitFundamentalLinear(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, float64, error) {
	var points1, points2 []r2.Point
	var t1, t2 *mat.Dense
	if normalize {
		var err error
		if points1, t1, err = normalizePoints(pts1); err != nil {
			return nil, 0, err
		}
		if points2, t2, err = normalizePoints(pts2); err != nil {
			return nil, 0, err
		}
	} else {
		points1, points2 = pts1, pts2
		t1, t2 = eye(3), eye(3)
	}

	a := epipolarSystem(points1, points2)
	svdA, err := performSVD(a)
	if err != nil {
		return nil, 0, err
	}
	conditioning := 0.
	if svdA.Values[0] > 0 {
		conditioning = svdA.Values[7] / svdA.Values[0]
	}

	f := mat.NewDense(3, 3, mat.Col(nil, 8, svdA.V))
	f, err = enforceRank2(f)
	if err != nil {
		return nil, 0, err
	}
	f = denormalizeFundamental(f, t1, t2)
	if !frobeniusNormalize(f) {
		return nil, 0, errors.Wrap(ErrDegenerateFit, "fundamental matrix vanished")
	}
	return f, conditioning, nil
}

// epipolarSystem builds the rows of x2ᵗ·F·x1 = 0, one per correspondence.
func epipolarSystem(pts1, pts2 []r2.Point) *mat.Dense {
	m := mat.NewDense(len(pts1), 9, nil)
	for i := range pts1 {
		v1 := pts1[i]
		v2 := pts2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	return m
}

// enforceRank2 zeroes the smallest singular value of f.
func enforceRank2(f *mat.Dense) (*mat.Dense, error) {
	svdF, err := performSVD(f)
	if err != nil {
		return nil, err
	}
	return svdF.recompose([]float64{svdF.Values[0], svdF.Values[1], 0}), nil
}

// denormalizeFundamental maps a fundamental matrix estimated on normalized points back to pixel
// coordinates: T2ᵗ·F·T1.
func denormalizeFundamental(f, t1, t2 *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(t2.T(), f)
	out.Mul(&out, t1)
	return &out
}

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1: the centroid
// moves to the origin and the mean distance to it becomes sqrt(2).
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	nPoints := len(pts)
	if nPoints == 0 {
		return nil, nil, errors.Wrap(ErrInsufficientPoints, "no points to normalize")
	}
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))

	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	if d == 0 || !utils.IsFinite(d) {
		return nil, nil, errors.Wrap(ErrDegenerateFit, "all points coincide")
	}
	scale := math.Sqrt2 / d
	transform := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i, pt := range pts {
		pointsTransformed[i] = pt.Sub(mu).Mul(scale)
	}
	return pointsTransformed, transform, nil
}

// epipolarError is the larger of the squared distances from x1 to the epipolar line Fᵗ·x2 and from
// x2 to the epipolar line F·x1.
func epipolarError(f mat.Matrix, x1, x2 r2.Point) float64 {
	a2 := f.At(0, 0)*x1.X + f.At(0, 1)*x1.Y + f.At(0, 2)
	b2 := f.At(1, 0)*x1.X + f.At(1, 1)*x1.Y + f.At(1, 2)
	c2 := f.At(2, 0)*x1.X + f.At(2, 1)*x1.Y + f.At(2, 2)

	a1 := f.At(0, 0)*x2.X + f.At(1, 0)*x2.Y + f.At(2, 0)
	b1 := f.At(0, 1)*x2.X + f.At(1, 1)*x2.Y + f.At(2, 1)

	// x2ᵗ·F·x1, shared by both distances.
	d := x2.X*a2 + x2.Y*b2 + c2
	n2 := a2*a2 + b2*b2
	n1 := a1*a1 + b1*b1
	if n1 == 0 || n2 == 0 {
		return math.Inf(1)
	}
	return math.Max(d*d/n1, d*d/n2)
}

// scoreFundamental marks in mask the correspondences whose epipolar error is within thresh2 and
// returns their count.
func scoreFundamental(f mat.Matrix, pts1, pts2 []r2.Point, thresh2 float64, mask []bool) int {
	count := 0
	for i := range pts1 {
		mask[i] = epipolarError(f, pts1[i], pts2[i]) <= thresh2
		if mask[i] {
			count++
		}
	}
	return count
}
