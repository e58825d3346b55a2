package multiview

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/utils"
)

// HypothesisIndex names one of the four poses an essential matrix decomposes into.
type HypothesisIndex int

// The four hypotheses, in decomposition order.
const (
	RT1 HypothesisIndex = iota // (R1, T1)
	RT2                        // (R1, T2)
	RT3                        // (R2, T1)
	RT4                        // (R2, T2)
)

// NumHypotheses is the number of poses an essential matrix decomposes into.
const NumHypotheses = 4

func (h HypothesisIndex) String() string {
	switch h {
	case RT1:
		return "RT1"
	case RT2:
		return "RT2"
	case RT3:
		return "RT3"
	case RT4:
		return "RT4"
	default:
		return fmt.Sprintf("HypothesisIndex(%d)", int(h))
	}
}

// maxSignFlips bounds the number of times DecomposePose negates E after the first decomposition.
const maxSignFlips = 3

// rotationDetTol is the tolerance on det(R) = 1.
const rotationDetTol = 1e-6

// w is the matrix [[0,-1,0],[1,0,0],[0,0,1]] of the essential decomposition. It must not be
// mutated.
var w = mat.NewDense(3, 3, []float64{
	0, -1, 0,
	1, 0, 0,
	0, 0, 1,
})

// Pose is the rigid transform taking points from the first camera frame to the second.
type Pose struct {
	Rotation    *mat.Dense // 3x3
	Translation *mat.Dense // 3x1
}

// IdentityPose is the pose of the first camera.
func IdentityPose() Pose {
	return Pose{Rotation: eye(3), Translation: mat.NewDense(3, 1, nil)}
}

// NewPose builds a pose from a rotation matrix and a translation vector. Both are copied.
func NewPose(rotation *mat.Dense, translation r3.Vector) (Pose, error) {
	if err := checkDims("rotation", rotation, 3, 3); err != nil {
		return Pose{}, err
	}
	return Pose{
		Rotation:    mat.DenseCopyOf(rotation),
		Translation: mat.NewDense(3, 1, []float64{translation.X, translation.Y, translation.Z}),
	}, nil
}

// ProjectionMatrix returns the 3x4 matrix [R|T].
func (p Pose) ProjectionMatrix() *mat.Dense {
	var rt mat.Dense
	rt.Augment(p.Rotation, p.Translation)
	return &rt
}

// TranslationVector returns T as a vector.
func (p Pose) TranslationVector() r3.Vector {
	return vectorFromCol(p.Translation, 0)
}

// Transform returns R·x + T.
func (p Pose) Transform(x r3.Vector) r3.Vector {
	return mulVec3(p.Rotation, x).Add(p.TranslationVector())
}

// CameraCenter returns the position of the second camera in the first camera frame, -Rᵗ·T.
func (p Pose) CameraCenter() r3.Vector {
	return mulVec3(p.Rotation.T(), p.TranslationVector()).Mul(-1)
}

// DecomposePose returns the four (R, T) hypotheses of an essential matrix in the order RT1..RT4.
// When the first rotation is improper, E is negated and decomposed again, at most three times.
func DecomposePose(e *mat.Dense) ([4]Pose, error) {
	return decomposePose(e, logging.Global())
}

func decomposePose(e *mat.Dense, logger logging.Logger) ([4]Pose, error) {
	var poses [4]Pose
	if err := checkDims("E", e, 3, 3); err != nil {
		return poses, err
	}

	current := mat.DenseCopyOf(e)
	for flips := 0; ; flips++ {
		mats, err := performSVD(current)
		if err != nil {
			return poses, err
		}
		var r1, r2 mat.Dense
		r1.Mul(mats.U, w)
		r1.Mul(&r1, mats.VT)
		det := mat.Det(&r1)
		if !utils.Float64AlmostEqual(det, 1, rotationDetTol) {
			if flips == maxSignFlips {
				return poses, errors.Wrapf(ErrNoValidDecomposition, "no proper rotation after %d sign flips, det = %v",
					maxSignFlips, det)
			}
			logger.Debugw("improper rotation, negating essential matrix", "flip", flips+1, "det", det)
			current.Scale(-1, current)
			continue
		}
		r2.Mul(mats.U, w.T())
		r2.Mul(&r2, mats.VT)

		t1 := mat.NewDense(3, 1, mat.Col(nil, 2, mats.U))
		var t2 mat.Dense
		t2.Scale(-1, t1)

		poses[RT1] = Pose{Rotation: &r1, Translation: t1}
		poses[RT2] = Pose{Rotation: mat.DenseCopyOf(&r1), Translation: &t2}
		poses[RT3] = Pose{Rotation: &r2, Translation: mat.DenseCopyOf(t1)}
		poses[RT4] = Pose{Rotation: mat.DenseCopyOf(&r2), Translation: mat.DenseCopyOf(&t2)}
		for i, pose := range poses {
			if d := mat.Det(pose.Rotation); math.Abs(d-1) > rotationDetTol {
				panic(fmt.Sprintf("hypothesis %v has improper rotation, det = %v", HypothesisIndex(i), d))
			}
		}
		return poses, nil
	}
}

// PossiblePoses is DecomposePose returning a slice, empty when E cannot be decomposed.
func PossiblePoses(e *mat.Dense) []Pose {
	poses, err := DecomposePose(e)
	if err != nil {
		return []Pose{}
	}
	return poses[:]
}
