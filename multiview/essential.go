package multiview

import (
	"gonum.org/v1/gonum/mat"
)

// essentialSingularValues is diag(1, 1, 0), the singular values every essential matrix is
// projected onto. It must not be mutated.
var essentialSingularValues = mat.NewDiagDense(3, []float64{1, 1, 0})

// EssentialFromFundamental returns the essential matrix K2ᵗ·F·K1 projected onto the set of
// essential matrices, i.e. with singular values (1, 1, 0).
func EssentialFromFundamental(f, k1, k2 *mat.Dense) (*mat.Dense, error) {
	if err := checkDims("F", f, 3, 3); err != nil {
		return nil, err
	}
	if err := checkDims("K1", k1, 3, 3); err != nil {
		return nil, err
	}
	if err := checkDims("K2", k2, 3, 3); err != nil {
		return nil, err
	}

	var essMat mat.Dense
	essMat.Mul(k2.T(), f)
	essMat.Mul(&essMat, k1)

	mats, err := performSVD(&essMat)
	if err != nil {
		return nil, err
	}
	essMat.Mul(mats.U, essentialSingularValues)
	essMat.Mul(&essMat, mats.VT)
	return &essMat, nil
}
