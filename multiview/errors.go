package multiview

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientPoints is returned when correspondence sets differ in length or are too small
	// for the requested estimate.
	ErrInsufficientPoints = errors.New("insufficient point correspondences")
	// ErrDegenerateFit is returned when the data cannot support a unique solution, e.g. every
	// sample is coplanar, all points coincide or a factorization fails.
	ErrDegenerateFit = errors.New("degenerate fit")
	// ErrZeroDepthWeight is returned when iterative triangulation meets a point on a camera's
	// principal plane.
	ErrZeroDepthWeight = errors.New("point has zero projective depth")
	// ErrPointAtInfinity is returned when a projection has a zero homogeneous coordinate.
	ErrPointAtInfinity = errors.New("point projects to infinity")
	// ErrNoValidDecomposition is returned when no sign of the essential matrix yields proper
	// rotations.
	ErrNoValidDecomposition = errors.New("essential matrix has no valid decomposition")
	// ErrNoConsistentHypothesis is returned when no pose hypothesis puts enough points in front of
	// both cameras.
	ErrNoConsistentHypothesis = errors.New("no pose hypothesis is consistent with the points")
	// ErrDimensionMismatch is returned when a caller supplied matrix has the wrong shape.
	ErrDimensionMismatch = errors.New("matrix dimension mismatch")
)

func newDimensionError(name string, r, c, wantR, wantC int) error {
	return errors.Wrapf(ErrDimensionMismatch, "%s is %dx%d, want %dx%d", name, r, c, wantR, wantC)
}

func checkDims(name string, m *mat.Dense, wantR, wantC int) error {
	if m == nil {
		return errors.Wrapf(ErrDimensionMismatch, "%s is nil", name)
	}
	if r, c := m.Dims(); r != wantR || c != wantC {
		return newDimensionError(name, r, c, wantR, wantC)
	}
	return nil
}
