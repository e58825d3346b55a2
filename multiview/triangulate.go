package multiview

import (
	"context"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// maxTriangulationIterations caps the reweighting loop of TriangulatePointIterative.
const maxTriangulationIterations = 10

// rank-deficiency threshold of the triangulation system.
const triangulationRcond = 1e-12

// TriangulatePoint returns the 3D point whose projections through p1 and p2 (3x4) best match x1 and
// x2, by linear least squares on the cross product form of both projection equations.
func TriangulatePoint(x1 r2.Point, p1 *mat.Dense, x2 r2.Point, p2 *mat.Dense) (r3.Vector, error) {
	if err := checkProjectionMatrices(p1, p2); err != nil {
		return r3.Vector{}, err
	}
	x, _, err := solveTriangulation(x1, p1, 1, x2, p2, 1)
	return x, err
}

// TriangulatePointIterative refines the linear estimate by reweighting each view's equations with
// the projective depth of the current estimate, so that the algebraic error approaches the image
// error. It stops when the depths settle, or after ten iterations.
func TriangulatePointIterative(x1 r2.Point, p1 *mat.Dense, x2 r2.Point, p2 *mat.Dense) (r3.Vector, error) {
	if err := checkProjectionMatrices(p1, p2); err != nil {
		return r3.Vector{}, err
	}
	x, _, err := triangulateIterative(x1, p1, x2, p2)
	return x, err
}

// triangulateIterative also returns the number of reweighted solves.
func triangulateIterative(x1 r2.Point, p1 *mat.Dense, x2 r2.Point, p2 *mat.Dense) (r3.Vector, int, error) {
	x, _, err := solveTriangulation(x1, p1, 1, x2, p2, 1)
	if err != nil {
		return r3.Vector{}, 0, err
	}

	w1, w2 := 1., 1.
	iterations := 0
	for ; iterations < maxTriangulationIterations; iterations++ {
		depth1 := projectiveDepth(p1, x)
		depth2 := projectiveDepth(p2, x)
		if utils.Float64AlmostEqual(w1, depth1, utils.Epsilon) && utils.Float64AlmostEqual(w2, depth2, utils.Epsilon) {
			break
		}
		w1, w2 = depth1, depth2
		if !validWeight(w1) || !validWeight(w2) {
			return r3.Vector{}, iterations, errors.Wrapf(ErrZeroDepthWeight, "weights (%v, %v)", w1, w2)
		}
		if x, _, err = solveTriangulation(x1, p1, w1, x2, p2, w2); err != nil {
			return r3.Vector{}, iterations, err
		}
	}
	return x, iterations, nil
}

func validWeight(w float64) bool {
	return utils.IsFinite(w) && !utils.Float64AlmostEqual(w, 0, utils.Epsilon)
}

// projectiveDepth is P[2,:]·[x, 1].
func projectiveDepth(p mat.Matrix, x r3.Vector) float64 {
	return p.At(2, 0)*x.X + p.At(2, 1)*x.Y + p.At(2, 2)*x.Z + p.At(2, 3)
}

// solveTriangulation solves the 4x3 system of both views with each view's rows divided by its
// weight, and returns the solution with its squared residual.
func solveTriangulation(x1 r2.Point, p1 mat.Matrix, w1 float64, x2 r2.Point, p2 mat.Matrix, w2 float64) (r3.Vector, float64, error) {
	a := mat.NewDense(4, 3, nil)
	b := mat.NewVecDense(4, nil)
	views := []struct {
		x r2.Point
		p mat.Matrix
		w float64
	}{{x1, p1, w1}, {x2, p2, w2}}
	for v, view := range views {
		for k, coord := range []float64{view.x.X, view.x.Y} {
			row := 2*v + k
			for j := 0; j < 3; j++ {
				a.Set(row, j, (coord*view.p.At(2, j)-view.p.At(k, j))/view.w)
			}
			b.SetVec(row, -(coord*view.p.At(2, 3)-view.p.At(k, 3))/view.w)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, 0, errors.Wrap(ErrDegenerateFit, "failed to factorize triangulation system")
	}
	if rank := svd.Rank(triangulationRcond); rank < 3 {
		return r3.Vector{}, 0, errors.Wrapf(ErrDegenerateFit, "triangulation system has rank %d", rank)
	}
	var sol mat.VecDense
	residual := svd.SolveVecTo(&sol, b, 3)
	return r3.Vector{X: sol.AtVec(0), Y: sol.AtVec(1), Z: sol.AtVec(2)}, residual, nil
}

func checkProjectionMatrices(p1, p2 *mat.Dense) error {
	if err := checkDims("P1", p1, 3, 4); err != nil {
		return err
	}
	return checkDims("P2", p2, 3, 4)
}

// TriangulateSet triangulates every correspondence, in pixels, of two cameras with intrinsics k1
// and k2, the first at the origin and the second at pose. Points are returned in the first camera
// frame, index-aligned with the input.
func TriangulateSet(pts1 []r2.Point, k1 *mat.Dense, pts2 []r2.Point, k2 *mat.Dense, pose Pose) ([]r3.Vector, error) {
	return triangulateSet(context.Background(), pts1, k1, pts2, k2, pose, true)
}

func triangulateSet(
	ctx context.Context,
	pts1 []r2.Point, k1 *mat.Dense,
	pts2 []r2.Point, k2 *mat.Dense,
	pose Pose,
	parallel bool,
) ([]r3.Vector, error) {
	points, pointErrs, err := triangulateEach(ctx, pts1, k1, pts2, k2, pose, parallel)
	if err != nil {
		return nil, err
	}
	if err := multierr.Combine(pointErrs...); err != nil {
		return nil, err
	}
	return points, nil
}

// triangulateEach triangulates every correspondence and keeps the failure of each point, if any,
// at its index in pointErrs; the point itself is then left zero. err is only set for invalid
// inputs and cancellation.
func triangulateEach(
	ctx context.Context,
	pts1 []r2.Point, k1 *mat.Dense,
	pts2 []r2.Point, k2 *mat.Dense,
	pose Pose,
	parallel bool,
) (points []r3.Vector, pointErrs []error, err error) {
	if err := checkCorrespondences(pts1, pts2, 0); err != nil {
		return nil, nil, err
	}
	k1Inv, err := invertIntrinsics("K1", k1)
	if err != nil {
		return nil, nil, err
	}
	k2Inv, err := invertIntrinsics("K2", k2)
	if err != nil {
		return nil, nil, err
	}
	if err := checkDims("R", pose.Rotation, 3, 3); err != nil {
		return nil, nil, err
	}
	if err := checkDims("T", pose.Translation, 3, 1); err != nil {
		return nil, nil, err
	}
	p1 := IdentityPose().ProjectionMatrix()
	p2 := pose.ProjectionMatrix()

	points = make([]r3.Vector, len(pts1))
	pointErrs = make([]error, len(pts1))
	triangulateOne := func(i int) {
		x1 := liftPixel(k1Inv, pts1[i])
		x2 := liftPixel(k2Inv, pts2[i])
		pt, _, err := triangulateIterative(x1, p1, x2, p2)
		if err != nil {
			pointErrs[i] = errors.Wrapf(err, "point %d", i)
			return
		}
		points[i] = pt
	}

	if !parallel {
		for i := range points {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			triangulateOne(i)
		}
		return points, pointErrs, nil
	}
	err = utils.GroupWorkParallel(ctx, len(points), func(groupNum, groupSize, from, to int) utils.MemberWorkFunc {
		return func(memberNum, workNum int) error {
			triangulateOne(workNum)
			return nil
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return points, pointErrs, nil
}

func invertIntrinsics(name string, k *mat.Dense) (*mat.Dense, error) {
	if err := checkDims(name, k, 3, 3); err != nil {
		return nil, err
	}
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, errors.Wrapf(ErrDegenerateFit, "%s is not invertible: %v", name, err)
	}
	return &kInv, nil
}

// liftPixel maps a pixel to normalized image coordinates with K⁻¹.
func liftPixel(kInv mat.Matrix, px r2.Point) r2.Point {
	lifted := mulVec3(kInv, r3.Vector{X: px.X, Y: px.Y, Z: 1})
	if !utils.Float64AlmostEqual(lifted.Z, 1, utils.Epsilon) {
		panic(fmt.Sprintf("intrinsics do not preserve the homogeneous coordinate: %v", lifted.Z))
	}
	return r2.Point{X: lifted.X, Y: lifted.Y}
}
