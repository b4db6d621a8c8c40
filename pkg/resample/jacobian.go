package resample

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/transform"
	"modelresample/pkg/volume"
)

// jacobianEstimator linearises a transform at output voxels with centred
// finite differences. Neighbours are clamped to the definition domain
// [start, end).
type jacobianEstimator struct {
	geometry  volume.Geometry
	transform transform.Transform
	start     volume.Index
	end       volume.Index
}

func newJacobianEstimator(g volume.Geometry, t transform.Transform) *jacobianEstimator {
	return &jacobianEstimator{
		geometry:  g,
		transform: t,
		start:     g.Region.Index,
		end:       g.Region.End(),
	}
}

// neighbors returns the indices one step before and after idx along axis,
// clamped to the definition domain.
func (e *jacobianEstimator) neighbors(idx volume.Index, axis int) (before, after volume.Index) {
	before, after = idx, idx

	before[axis]--
	if before[axis] < e.start[axis] {
		before[axis] = e.start[axis]
	}

	after[axis]++
	if after[axis] >= e.end[axis] {
		after[axis] = e.end[axis] - 1
	}
	return before, after
}

// estimate computes ∂T/∂p at the physical point of idx into w.jacobian.
// A singular step matrix yields a NaN filled estimate.
func (e *jacobianEstimator) estimate(idx volume.Index, w *Worker) *mat.Dense {
	w.delta.Zero()
	w.diff.Zero()

	for i := 0; i < volume.Dimension; i++ {
		before, after := e.neighbors(idx, i)
		if before[i] == after[i] {
			// single voxel along this axis
			w.delta.Set(i, i, 1)
			continue
		}

		pBefore := e.geometry.IndexToPoint(before)
		pAfter := e.geometry.IndexToPoint(after)
		qBefore := e.transform.TransformPoint(pBefore)
		qAfter := e.transform.TransformPoint(pAfter)
		for j := 0; j < volume.Dimension; j++ {
			w.delta.Set(i, j, pAfter[j]-pBefore[j])
			w.diff.Set(i, j, qAfter[j]-qBefore[j])
		}
	}

	if err := w.invDelta.Inverse(w.delta); err != nil && isSingular(err) {
		fillNaN(w.jacobian)
	} else {
		// J(j,i) = Σ_k invDelta(i,k)·diff(k,j)
		w.product.Mul(w.invDelta, w.diff)
		w.jacobian.Copy(w.product.T())
	}

	if e.start[2] == e.end[2]-1 {
		w.jacobian.Set(2, 2, 1)
	}
	return w.jacobian
}

// isSingular reports whether an inversion error means no inverse was
// computed, as opposed to a merely ill-conditioned result.
func isSingular(err error) bool {
	var cond mat.Condition
	if !errors.As(err, &cond) {
		return true
	}
	return math.IsInf(float64(cond), 1)
}
