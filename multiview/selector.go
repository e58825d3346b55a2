package multiview

import (
	"context"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// HypothesisReport describes the cloud a pose hypothesis produces.
type HypothesisReport struct {
	Index HypothesisIndex
	// Points is the triangulated cloud, index-aligned with the evaluated correspondences.
	Points []r3.Vector
	// InFront flags the points with positive depth in both cameras.
	InFront []bool
	// PointErrs holds, per point, why it could not be triangulated or projected. Such a point
	// counts as behind the cameras and is left out of the reprojection errors.
	PointErrs []error
	// InFrontFraction1 and InFrontFraction2 are the fractions of points with positive depth in
	// the first and second camera.
	InFrontFraction1 float64
	InFrontFraction2 float64
	// ReprojectionError1 and ReprojectionError2 are the mean pixel distances between the
	// correspondences and the projections of their points.
	ReprojectionError1 float64
	ReprojectionError2 float64
	// Err is set when the hypothesis could not be evaluated. Such a hypothesis is never selected.
	Err error
}

// EvaluateHypotheses triangulates the correspondences under each hypothesis and reports how many
// points land in front of both cameras and how well they reproject.
func EvaluateHypotheses(
	ctx context.Context,
	pts1 []r2.Point, k1 *mat.Dense,
	pts2 []r2.Point, k2 *mat.Dense,
	hypotheses [4]Pose,
) [4]HypothesisReport {
	return evaluateHypotheses(ctx, pts1, k1, pts2, k2, hypotheses, true)
}

func evaluateHypotheses(
	ctx context.Context,
	pts1 []r2.Point, k1 *mat.Dense,
	pts2 []r2.Point, k2 *mat.Dense,
	hypotheses [4]Pose,
	parallel bool,
) [4]HypothesisReport {
	var reports [4]HypothesisReport
	evaluate := func(i int) {
		reports[i] = evaluateHypothesis(ctx, pts1, k1, pts2, k2, hypotheses[i], parallel)
		reports[i].Index = HypothesisIndex(i)
	}

	if !parallel {
		for i := range reports {
			evaluate(i)
		}
		return reports
	}

	fs := make([]utils.SimpleFunc, 0, NumHypotheses)
	for i := range reports {
		i := i // per-iteration copy; go.mod targets go 1.21, before loop variables were per-iteration
		fs = append(fs, func(ctx context.Context) error {
			evaluate(i)
			return nil
		})
	}
	// Evaluation errors are recorded per report, so the functions never fail.
	_, _ = utils.RunInParallel(ctx, fs)
	return reports
}

func evaluateHypothesis(
	ctx context.Context,
	pts1 []r2.Point, k1 *mat.Dense,
	pts2 []r2.Point, k2 *mat.Dense,
	pose Pose,
	parallel bool,
) HypothesisReport {
	var report HypothesisReport
	points, pointErrs, err := triangulateEach(ctx, pts1, k1, pts2, k2, pose, parallel)
	if err != nil {
		report.Err = errors.Wrap(err, "cannot triangulate")
		return report
	}
	if len(points) == 0 {
		report.Err = errors.Wrap(ErrInsufficientPoints, "no points to evaluate")
		return report
	}
	p1, err := ProjectionMatrix(k1, IdentityPose())
	if err != nil {
		report.Err = err
		return report
	}
	p2, err := ProjectionMatrix(k2, pose)
	if err != nil {
		report.Err = err
		return report
	}

	inFront := make([]bool, len(points))
	dist1 := make(stats.Float64Data, 0, len(points))
	dist2 := make(stats.Float64Data, 0, len(points))
	inFront1, inFront2 := 0, 0
	for j, pt := range points {
		if pointErrs[j] != nil {
			continue
		}
		projected1, err1 := projectPoint(pt, p1)
		projected2, err2 := projectPoint(pt, p2)
		if err := multierr.Combine(err1, err2); err != nil {
			pointErrs[j] = errors.Wrapf(err, "point %d", j)
			continue
		}
		front1 := pt.Z > 0
		front2 := pose.Transform(pt).Z > 0
		if front1 {
			inFront1++
		}
		if front2 {
			inFront2++
		}
		inFront[j] = front1 && front2
		dist1 = append(dist1, pts1[j].Sub(projected1).Norm())
		dist2 = append(dist2, pts2[j].Sub(projected2).Norm())
	}

	report.Points = points
	report.InFront = inFront
	report.PointErrs = pointErrs
	report.InFrontFraction1 = float64(inFront1) / float64(len(points))
	report.InFrontFraction2 = float64(inFront2) / float64(len(points))
	if len(dist1) == 0 {
		report.Err = errors.Wrap(multierr.Combine(pointErrs...), "no point could be triangulated")
		return report
	}
	if report.ReprojectionError1, err = stats.Mean(dist1); err != nil {
		report.Err = err
		return report
	}
	if report.ReprojectionError2, err = stats.Mean(dist2); err != nil {
		report.Err = err
	}
	return report
}

// SelectHypothesis returns the first hypothesis, in RT1..RT4 order, with strictly more than
// minInFront of its points in front of each camera. Reprojection error plays no part.
func SelectHypothesis(reports [4]HypothesisReport, minInFront float64) (HypothesisIndex, error) {
	for i, report := range reports {
		if report.Err != nil {
			continue
		}
		if report.InFrontFraction1 > minInFront && report.InFrontFraction2 > minInFront {
			return HypothesisIndex(i), nil
		}
	}
	return -1, errors.Wrapf(ErrNoConsistentHypothesis, "no hypothesis has more than %v of its points in front of both cameras",
		minInFront)
}

// keepInFront returns the points of report in front of both cameras, and a copy of mask where the
// true entries, which index-align with report.Points, are ANDed with the in-front flags.
func keepInFront(report HypothesisReport, mask []bool) ([]r3.Vector, []bool) {
	if lo.Count(mask, true) != len(report.InFront) {
		panic(fmt.Sprintf("mask has %d inliers but %d points were evaluated", lo.Count(mask, true), len(report.InFront)))
	}
	points := lo.Filter(report.Points, func(_ r3.Vector, i int) bool {
		return report.InFront[i]
	})

	refined := make([]bool, len(mask))
	next := 0
	for i, in := range mask {
		if !in {
			continue
		}
		refined[i] = report.InFront[next]
		next++
	}

	if kept := lo.Count(refined, true); kept != len(points) {
		panic(fmt.Sprintf("refined mask has %d inliers for %d points", kept, len(points)))
	}
	return points, refined
}
