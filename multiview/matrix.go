package multiview

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// transposeDense returns a copy of the transpose of m.
func transposeDense(m mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(m.T())
}

// matsSVD stores the matrices from a full SVD, with the singular values in decreasing order.
type matsSVD struct {
	U      *mat.Dense
	V      *mat.Dense
	VT     *mat.Dense
	Values []float64
}

// performSVD performs a full SVD of m.
func performSVD(m mat.Matrix) (*matsSVD, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.Wrap(ErrDegenerateFit, "singular value decomposition did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	return &matsSVD{U: &u, V: &v, VT: transposeDense(&v), Values: svd.Values(nil)}, nil
}

// recompose returns U·diag(values)·Vᵗ.
func (s *matsSVD) recompose(values []float64) *mat.Dense {
	var out mat.Dense
	out.Mul(s.U, mat.NewDiagDense(len(values), values))
	out.Mul(&out, s.VT)
	return &out
}

// frobeniusNormalize scales m in place to unit Frobenius norm.
func frobeniusNormalize(m *mat.Dense) bool {
	norm := mat.Norm(m, 2)
	if norm == 0 || !utils.IsFinite(norm) {
		return false
	}
	m.Scale(1/norm, m)
	return true
}

func vectorFromCol(m mat.Matrix, j int) r3.Vector {
	return r3.Vector{X: m.At(0, j), Y: m.At(1, j), Z: m.At(2, j)}
}

// mulVec3 returns m·v for a 3x3 m.
func mulVec3(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}
