// Package multiview recovers the relative pose of two calibrated cameras and a sparse point cloud
// from matched image points.
package multiview

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/logging"
)

// Reconstruction is the result of a two-view reconstruction.
type Reconstruction struct {
	// Inliers flags, per input correspondence, the points that survived both the robust fit and
	// the cheirality check.
	Inliers []bool
	// Points are in the first camera frame, in the order of the true entries of Inliers.
	Points []r3.Vector
	// Pose takes points from the first camera frame to the second. Its translation has unit norm.
	Pose       Pose
	Hypothesis HypothesisIndex
	F          *mat.Dense
	E          *mat.Dense
	Reports    [4]HypothesisReport
}

// A Reconstructor runs two-view reconstructions with a fixed configuration.
type Reconstructor struct {
	cfg    *Config
	logger logging.Logger
}

// NewReconstructor returns a Reconstructor. A nil cfg means DefaultConfig.
func NewReconstructor(cfg *Config, logger logging.Logger) (*Reconstructor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Global().Sublogger("multiview")
	}
	return &Reconstructor{cfg: cfg, logger: logger}, nil
}

// Reconstruct runs a reconstruction with the default configuration.
func Reconstruct(ctx context.Context, pts1 []r2.Point, k1 *mat.Dense, pts2 []r2.Point, k2 *mat.Dense) (*Reconstruction, error) {
	r, err := NewReconstructor(nil, nil)
	if err != nil {
		return nil, err
	}
	return r.Reconstruct(ctx, pts1, k1, pts2, k2)
}

// Reconstruct estimates the pose of the second camera relative to the first and triangulates the
// correspondences consistent with it. pts1[i] and pts2[i] are pixels of the same scene point seen
// by cameras with intrinsics k1 and k2. The inputs are not modified.
func (r *Reconstructor) Reconstruct(
	ctx context.Context,
	pts1 []r2.Point, k1 *mat.Dense,
	pts2 []r2.Point, k2 *mat.Dense,
) (*Reconstruction, error) {
	if err := checkCorrespondences(pts1, pts2, minFundamentalPoints); err != nil {
		return nil, err
	}
	if err := checkDims("K1", k1, 3, 3); err != nil {
		return nil, err
	}
	if err := checkDims("K2", k2, 3, 3); err != nil {
		return nil, err
	}

	fit, err := estimateFundamental(pts1, pts2, r.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "cannot estimate fundamental matrix")
	}
	r.logger.Debugw("fundamental matrix estimated",
		"iterations", fit.Iterations,
		"inliers", fit.NumInliers,
		"points", len(pts1),
		"threshold", fit.Threshold,
		"refined", fit.Refined)

	e, err := EssentialFromFundamental(fit.F, k1, k2)
	if err != nil {
		return nil, err
	}
	hypotheses, err := decomposePose(e, r.logger)
	if err != nil {
		return nil, err
	}

	in1 := lo.Filter(pts1, func(_ r2.Point, i int) bool { return fit.Inliers[i] })
	in2 := lo.Filter(pts2, func(_ r2.Point, i int) bool { return fit.Inliers[i] })
	reports := evaluateHypotheses(ctx, in1, k1, in2, k2, hypotheses, r.cfg.Parallel)
	for _, report := range reports {
		if report.Err != nil {
			r.logger.Debugw("hypothesis failed", "hypothesis", report.Index, "error", report.Err)
			continue
		}
		r.logger.Debugw("hypothesis",
			"hypothesis", report.Index,
			"points", len(report.Points),
			"failed_points", lo.CountBy(report.PointErrs, func(err error) bool { return err != nil }),
			"in_front_1", report.InFrontFraction1,
			"in_front_2", report.InFrontFraction2,
			"reprojection_error_1", report.ReprojectionError1,
			"reprojection_error_2", report.ReprojectionError2)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	best, err := SelectHypothesis(reports, r.cfg.MinInFrontFraction)
	if err != nil {
		r.logger.Warnw("no consistent pose hypothesis", "inliers", fit.NumInliers, "min_in_front", r.cfg.MinInFrontFraction)
		return nil, err
	}

	points, inliers := keepInFront(reports[best], fit.Inliers)
	r.logger.Debugw("reconstruction done", "hypothesis", best, "points", len(points), "correspondences", len(pts1))
	return &Reconstruction{
		Inliers:    inliers,
		Points:     points,
		Pose:       hypotheses[best],
		Hypothesis: best,
		F:          fit.F,
		E:          e,
		Reports:    reports,
	}, nil
}
