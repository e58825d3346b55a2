package multiview

import (
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// sevenPointSampleSize is the size of a minimal sample.
const sevenPointSampleSize = 7

// FundamentalFit is the outcome of a robust fundamental matrix estimate.
type FundamentalFit struct {
	F          *mat.Dense
	Inliers    []bool
	NumInliers int
	// Iterations is the number of samples drawn.
	Iterations int
	// Threshold is the epipolar distance threshold in pixels.
	Threshold float64
	// Refined is true when the least squares fit over the inliers replaced the best sample.
	Refined bool
}

// EstimateFundamental robustly estimates the fundamental matrix relating pts1 to pts2, so that
// x2ᵗ·F·x1 ≈ 0 for every inlier, and returns it with the inlier mask.
func EstimateFundamental(pts1, pts2 []r2.Point, cfg *Config) (*mat.Dense, []bool, error) {
	fit, err := estimateFundamental(pts1, pts2, cfg)
	if err != nil {
		return nil, nil, err
	}
	return fit.F, fit.Inliers, nil
}

func estimateFundamental(pts1, pts2 []r2.Point, cfg *Config) (*FundamentalFit, error) {
	if err := checkCorrespondences(pts1, pts2, minFundamentalPoints); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	threshold := cfg.ThresholdScale * maxAbsCoordinate(pts1, pts2)
	if threshold == 0 || !utils.IsFinite(threshold) {
		return nil, errors.Wrapf(ErrDegenerateFit, "invalid epipolar threshold %v", threshold)
	}
	thresh2 := utils.Square(threshold)

	norm1, t1, err := normalizePoints(pts1)
	if err != nil {
		return nil, err
	}
	norm2, t2, err := normalizePoints(pts2)
	if err != nil {
		return nil, err
	}

	nPoints := len(pts1)
	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	sample := make([]int, sevenPointSampleSize)
	scratch := make([]int, nPoints)
	sample1 := make([]r2.Point, sevenPointSampleSize)
	sample2 := make([]r2.Point, sevenPointSampleSize)
	mask := make([]bool, nPoints)

	fit := &FundamentalFit{Threshold: threshold}
	maxIters := cfg.MaxRansacIterations
	for iter := 0; iter < maxIters; iter++ {
		fit.Iterations++
		utils.SampleDistinctInts(sample, scratch, rng)
		for i, idx := range sample {
			sample1[i] = norm1[idx]
			sample2[i] = norm2[idx]
		}
		candidates := sevenPoint(sample1, sample2)
		for _, candidate := range candidates {
			f := denormalizeFundamental(candidate, t1, t2)
			if !frobeniusNormalize(f) {
				continue
			}
			count := scoreFundamental(f, pts1, pts2, thresh2, mask)
			if count > fit.NumInliers {
				fit.F = f
				fit.NumInliers = count
				fit.Inliers = append(fit.Inliers[:0], mask...)
				outlierRatio := float64(nPoints-count) / float64(nPoints)
				maxIters = ransacUpdateNumIters(cfg.Confidence, outlierRatio, sevenPointSampleSize, maxIters)
			}
		}
	}

	if fit.NumInliers < minFundamentalPoints {
		return nil, errors.Wrapf(ErrDegenerateFit, "best model has %d inliers, need at least %d",
			fit.NumInliers, minFundamentalPoints)
	}

	refineFundamental(fit, pts1, pts2, thresh2)
	return fit, nil
}

// refineFundamental replaces the sampled model with the 8-point least squares fit over its inliers,
// when that fit is unique and keeps at least as many inliers.
func refineFundamental(fit *FundamentalFit, pts1, pts2 []r2.Point, thresh2 float64) {
	in1 := make([]r2.Point, 0, fit.NumInliers)
	in2 := make([]r2.Point, 0, fit.NumInliers)
	for i, ok := range fit.Inliers {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}
	f, conditioning, err := fitFundamentalLinear(in1, in2, true)
	if err != nil || conditioning < wellConditionedTol {
		return
	}
	mask := make([]bool, len(pts1))
	if count := scoreFundamental(f, pts1, pts2, thresh2, mask); count >= fit.NumInliers {
		fit.F = f
		fit.Inliers = mask
		fit.NumInliers = count
		fit.Refined = true
	}
}

// sevenPoint returns the one or three fundamental matrices consistent with seven correspondences,
// or none when the sample is degenerate.
func sevenPoint(pts1, pts2 []r2.Point) []*mat.Dense {
	svdA, err := performSVD(epipolarSystem(pts1, pts2))
	if err != nil {
		return nil
	}
	// The system must have rank 7 so that its null space is the pencil spanned by F1 and F2.
	if svdA.Values[sevenPointSampleSize-1] <= wellConditionedTol*svdA.Values[0] {
		return nil
	}
	f1 := mat.NewDense(3, 3, mat.Col(nil, 7, svdA.V))
	f2 := mat.NewDense(3, 3, mat.Col(nil, 8, svdA.V))

	// det(α·F1 + (1-α)·F2) is a cubic in α; recover its coefficients from four samples.
	detAt := func(alpha float64) float64 {
		var m mat.Dense
		m.Scale(alpha, f1)
		var rest mat.Dense
		rest.Scale(1-alpha, f2)
		m.Add(&m, &rest)
		return mat.Det(&m)
	}
	d0, d1, dm1, d2 := detAt(0), detAt(1), detAt(-1), detAt(2)
	c0 := d0
	c2 := (d1+dm1)/2 - d0
	odd := (d1 - dm1) / 2
	c3 := (d2 - 4*c2 - c0 - 2*odd) / 6
	c1 := odd - c3

	var out []*mat.Dense
	for _, alpha := range realCubicRoots(c3, c2, c1, c0) {
		var f mat.Dense
		f.Scale(alpha, f1)
		var rest mat.Dense
		rest.Scale(1-alpha, f2)
		f.Add(&f, &rest)
		out = append(out, &f)
	}
	return out
}

// realCubicRoots returns the real roots of c3·x³ + c2·x² + c1·x + c0, falling back to lower
// degrees when leading coefficients vanish.
func realCubicRoots(c3, c2, c1, c0 float64) []float64 {
	scale := math.Max(math.Max(math.Abs(c3), math.Abs(c2)), math.Max(math.Abs(c1), math.Abs(c0)))
	if scale == 0 {
		return nil
	}
	const negligible = 1e-12
	switch {
	case math.Abs(c3) > negligible*scale:
		// Roots are the eigenvalues of the companion matrix of the monic cubic.
		companion := mat.NewDense(3, 3, []float64{
			-c2 / c3, -c1 / c3, -c0 / c3,
			1, 0, 0,
			0, 1, 0,
		})
		var eig mat.Eigen
		if ok := eig.Factorize(companion, mat.EigenNone); !ok {
			return nil
		}
		var roots []float64
		for _, v := range eig.Values(nil) {
			if math.Abs(imag(v)) <= 1e-9*(1+cmplx.Abs(v)) {
				roots = append(roots, real(v))
			}
		}
		return roots
	case math.Abs(c2) > negligible*scale:
		disc := c1*c1 - 4*c2*c0
		if disc < 0 {
			return nil
		}
		sq := math.Sqrt(disc)
		return []float64{(-c1 + sq) / (2 * c2), (-c1 - sq) / (2 * c2)}
	case math.Abs(c1) > negligible*scale:
		return []float64{-c0 / c1}
	default:
		return nil
	}
}

// ransacUpdateNumIters returns the number of samples needed to draw one outlier free sample of
// size sampleSize with the given confidence, never more than maxIters.
func ransacUpdateNumIters(confidence, outlierRatio float64, sampleSize, maxIters int) int {
	num := math.Max(1-confidence, math.SmallestNonzeroFloat64)
	denom := 1 - math.Pow(1-outlierRatio, float64(sampleSize))
	if denom < math.SmallestNonzeroFloat64 {
		return 0
	}
	num = math.Log(num)
	denom = math.Log(denom)
	if denom >= 0 || -num >= float64(maxIters)*(-denom) {
		return maxIters
	}
	return int(math.Round(num / denom))
}

// maxAbsCoordinate is the largest absolute coordinate over both point sets.
func maxAbsCoordinate(pts1, pts2 []r2.Point) float64 {
	m := 0.
	for _, pts := range [][]r2.Point{pts1, pts2} {
		for _, p := range pts {
			m = math.Max(m, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		}
	}
	return m
}
