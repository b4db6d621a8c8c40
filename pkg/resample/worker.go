package resample

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/volume"
)

// Reorienter rotates a model value into the frame implied by a local linear
// map of the transform. It is implemented per model family.
//
// Reorient writes the reoriented src into dst; the two never alias. The
// worker identifies the calling goroutine: a given Worker is never used by
// two goroutines at once, so its Scratch may be mutated freely.
type Reorienter interface {
	Reorient(dst, src []float64, linearMap mat.Matrix, w *Worker)
}

// ScratchAllocator is implemented by reorienters that keep per-worker
// buffers. NewScratch is called once per worker before processing starts.
type ScratchAllocator interface {
	NewScratch() any
}

// Worker is the state owned by one goroutine of a resampling pass
type Worker struct {
	// ID is unique among the workers of a pass, starting at 0
	ID int

	// Scratch is the reorienter's per-worker state, nil unless the
	// reorienter implements ScratchAllocator
	Scratch any

	region volume.Region
	stats  Stats
	value  []float64

	// finite differences
	delta    *mat.Dense
	diff     *mat.Dense
	invDelta *mat.Dense
	product  *mat.Dense
	jacobian *mat.Dense

	// polar decomposition
	svd      mat.SVD
	u, v     mat.Dense
	rotation *mat.Dense
}

func newWorker(id int, region volume.Region, components int) *Worker {
	n := volume.Dimension
	return &Worker{
		ID:       id,
		region:   region,
		value:    make([]float64, components),
		delta:    mat.NewDense(n, n, nil),
		diff:     mat.NewDense(n, n, nil),
		invDelta: mat.NewDense(n, n, nil),
		product:  mat.NewDense(n, n, nil),
		jacobian: mat.NewDense(n, n, nil),
		rotation: mat.NewDense(n, n, nil),
	}
}

// Region returns the part of the output volume assigned to the worker
func (w *Worker) Region() volume.Region {
	return w.region
}

func fillNaN(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, math.NaN())
		}
	}
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
