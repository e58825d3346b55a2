package multiview

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// scene is a synthetic pair of calibrated views of known 3D points.
type scene struct {
	k1, k2 *mat.Dense
	pose   Pose
	points []r3.Vector
	pts1   []r2.Point
	pts2   []r2.Point
}

func testIntrinsics() *mat.Dense {
	return (&PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 510, Ppx: 320, Ppy: 240}).CameraMatrix()
}

// rotationFromAxisAngle uses Rodrigues' formula.
func rotationFromAxisAngle(axis r3.Vector, angle float64) *mat.Dense {
	k := axis.Normalize()
	cross := mat.NewDense(3, 3, []float64{
		0, -k.Z, k.Y,
		k.Z, 0, -k.X,
		-k.Y, k.X, 0,
	})
	var cross2 mat.Dense
	cross2.Mul(cross, cross)
	r := eye(3)
	var tmp mat.Dense
	tmp.Scale(math.Sin(angle), cross)
	r.Add(r, &tmp)
	tmp.Scale(1-math.Cos(angle), &cross2)
	r.Add(r, &tmp)
	return r
}

// newScene projects points into a camera at the origin and a camera whose center is c2 and whose
// orientation is rotation.
func newScene(t *testing.T, points []r3.Vector, rotation *mat.Dense, c2 r3.Vector) *scene {
	t.Helper()
	pose, err := NewPose(rotation, mulVec3(rotation, c2).Mul(-1))
	test.That(t, err, test.ShouldBeNil)
	s := &scene{k1: testIntrinsics(), k2: testIntrinsics(), pose: pose, points: points}
	s.pts1, err = ProjectWithPose(points, IdentityPose(), s.k1)
	test.That(t, err, test.ShouldBeNil)
	s.pts2, err = ProjectWithPose(points, pose, s.k2)
	test.That(t, err, test.ShouldBeNil)
	return s
}

// defaultRotation is a generic small rotation.
func defaultRotation() *mat.Dense {
	return rotationFromAxisAngle(r3.Vector{X: 0.3, Y: 1, Z: 0.2}, 0.2)
}

// randomScene has n points in a box in front of both cameras and a unit baseline, mostly along x.
func randomScene(t *testing.T, n int, seed int64) *scene {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*4 - 2, Z: rng.Float64()*4 + 4}
	}
	c2 := r3.Vector{X: -1, Y: 0.1, Z: 0.05}.Normalize()
	return newScene(t, points, rotationFromAxisAngle(r3.Vector{X: 0.1, Y: 1, Z: 0.2}, 0.1), c2)
}

// cubeScene views the eight corners of a cube of side 2 centered 5 in front of the first camera.
// The second center is chosen so that the quadric through both centers and the corners is an
// ellipsoid, which makes the fundamental matrix unique.
func cubeScene(t *testing.T) *scene {
	t.Helper()
	var points []r3.Vector
	for _, x := range []float64{-1, 1} {
		for _, y := range []float64{-1, 1} {
			for _, z := range []float64{-1, 1} {
				points = append(points, r3.Vector{X: x, Y: y, Z: 5 + z})
			}
		}
	}
	return newScene(t, points, defaultRotation(), r3.Vector{X: 0, Y: 0.6, Z: 0.8})
}

// withOutliers moves every stride-th point of the second view vertically, across the nearly
// horizontal epipolar lines, and returns the ground truth inlier mask.
func (s *scene) withOutliers(stride int) []bool {
	mask := make([]bool, len(s.pts2))
	for i := range s.pts2 {
		if i%stride == 0 {
			s.pts2[i].Y += 40 + float64(i%7)*5
			continue
		}
		mask[i] = true
	}
	return mask
}

// withNoise adds gaussian pixel noise to both views.
func (s *scene) withNoise(sigma float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range s.pts1 {
		s.pts1[i] = s.pts1[i].Add(r2.Point{X: rng.NormFloat64() * sigma, Y: rng.NormFloat64() * sigma})
		s.pts2[i] = s.pts2[i].Add(r2.Point{X: rng.NormFloat64() * sigma, Y: rng.NormFloat64() * sigma})
	}
}

// trueEssential is [T]x·R.
func (s *scene) trueEssential() *mat.Dense {
	tv := s.pose.TranslationVector()
	cross := mat.NewDense(3, 3, []float64{
		0, -tv.Z, tv.Y,
		tv.Z, 0, -tv.X,
		-tv.Y, tv.X, 0,
	})
	var e mat.Dense
	e.Mul(cross, s.pose.Rotation)
	return &e
}

// trueFundamental is K2⁻ᵗ·E·K1⁻¹.
func (s *scene) trueFundamental(t *testing.T) *mat.Dense {
	t.Helper()
	var k1Inv, k2Inv mat.Dense
	test.That(t, k1Inv.Inverse(s.k1), test.ShouldBeNil)
	test.That(t, k2Inv.Inverse(s.k2), test.ShouldBeNil)
	var f mat.Dense
	f.Mul(k2Inv.T(), s.trueEssential())
	f.Mul(&f, &k1Inv)
	return &f
}

// assertSameUpToScale checks that a and b are equal once both are scaled to unit norm, allowing
// for a sign flip.
func assertSameUpToScale(t *testing.T, a, b mat.Matrix, tol float64) {
	t.Helper()
	an := mat.DenseCopyOf(a)
	bn := mat.DenseCopyOf(b)
	test.That(t, frobeniusNormalize(an), test.ShouldBeTrue)
	test.That(t, frobeniusNormalize(bn), test.ShouldBeTrue)
	dot := 0.
	for i := 0; i < 3; i++ {
		dot += mat.Dot(an.RowView(i), bn.RowView(i))
	}
	if dot < 0 {
		bn.Scale(-1, bn)
	}
	test.That(t, mat.EqualApprox(an, bn, tol), test.ShouldBeTrue)
}

func assertVectorAlmostEqual(t *testing.T, actual, expected r3.Vector, tol float64) {
	t.Helper()
	test.That(t, actual.X, test.ShouldAlmostEqual, expected.X, tol)
	test.That(t, actual.Y, test.ShouldAlmostEqual, expected.Y, tol)
	test.That(t, actual.Z, test.ShouldAlmostEqual, expected.Z, tol)
}
