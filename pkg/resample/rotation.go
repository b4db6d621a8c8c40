package resample

import (
	"gonum.org/v1/gonum/mat"
)

// rotationOrJacobian returns jac itself, or its rotational part when
// finiteStrain is set. The rotation is stored in the worker and is only
// valid until the next call.
func (w *Worker) rotationOrJacobian(jac mat.Matrix, finiteStrain bool) mat.Matrix {
	if !finiteStrain {
		return jac
	}
	extractRotation(w.rotation, jac, w)
	return w.rotation
}

// extractRotation writes the orthonormal factor R of the polar decomposition
// jac = R·S, S symmetric positive semi-definite, into dst. With
// jac = U·Σ·Vᵀ, R = U·Vᵀ. det(R) has the sign of det(jac), so axis flips
// are kept. Non-finite or undecomposable input yields NaN.
func extractRotation(dst *mat.Dense, jac mat.Matrix, w *Worker) {
	if !allFinite(jac) || !w.svd.Factorize(jac, mat.SVDFull) {
		fillNaN(dst)
		return
	}
	w.svd.UTo(&w.u)
	w.svd.VTo(&w.v)
	dst.Mul(&w.u, w.v.T())
}
