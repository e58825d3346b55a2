package multiview

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// ProjectPoint projects x through the 3x4 camera matrix p: [wx, wy, w] = P·[x, 1] gives (wx/w, wy/w).
func ProjectPoint(x r3.Vector, p *mat.Dense) (r2.Point, error) {
	if err := checkDims("P", p, 3, 4); err != nil {
		return r2.Point{}, err
	}
	return projectPoint(x, p)
}

func projectPoint(x r3.Vector, p mat.Matrix) (r2.Point, error) {
	row := func(i int) float64 {
		return p.At(i, 0)*x.X + p.At(i, 1)*x.Y + p.At(i, 2)*x.Z + p.At(i, 3)
	}
	w := row(2)
	if utils.Float64AlmostEqual(w, 0, utils.Epsilon) || !utils.IsFinite(w) {
		return r2.Point{}, errors.Wrapf(ErrPointAtInfinity, "point %v has homogeneous coordinate %v", x, w)
	}
	return r2.Point{X: row(0) / w, Y: row(1) / w}, nil
}

// ProjectPoints projects every point of xs through p.
func ProjectPoints(xs []r3.Vector, p *mat.Dense) ([]r2.Point, error) {
	if err := checkDims("P", p, 3, 4); err != nil {
		return nil, err
	}
	out := make([]r2.Point, len(xs))
	for i, x := range xs {
		px, err := projectPoint(x, p)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		out[i] = px
	}
	return out, nil
}

// ProjectionMatrix returns the camera matrix K·[R|T].
func ProjectionMatrix(k *mat.Dense, pose Pose) (*mat.Dense, error) {
	if err := checkDims("K", k, 3, 3); err != nil {
		return nil, err
	}
	if err := checkDims("R", pose.Rotation, 3, 3); err != nil {
		return nil, err
	}
	if err := checkDims("T", pose.Translation, 3, 1); err != nil {
		return nil, err
	}
	var p mat.Dense
	p.Mul(k, pose.ProjectionMatrix())
	return &p, nil
}

// ProjectWithPose projects points given in the first camera frame into a camera with intrinsics k
// at pose.
func ProjectWithPose(xs []r3.Vector, pose Pose, k *mat.Dense) ([]r2.Point, error) {
	p, err := ProjectionMatrix(k, pose)
	if err != nil {
		return nil, err
	}
	return ProjectPoints(xs, p)
}
