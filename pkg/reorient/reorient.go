// Package reorient implements model reorientation for the common model
// families: symmetric second order tensors, sets of 3D vectors and
// rotation invariant scalars.
//
// All families map a model expressed in the input frame to the output frame
// with the transpose of the local linear map, which is its inverse when the
// map is a rotation. They leave the zero model unchanged, as required by the
// zero shortcut of the resampler.
package reorient

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/resample"
	"modelresample/pkg/volume"
)

// TensorComponents is the number of stored values of a 3×3 symmetric tensor
const TensorComponents = 6

// Family is a model reorienter that can tell which component counts it handles
type Family interface {
	resample.Reorienter

	// Accepts reports whether images with the given number of components
	// per voxel can be reoriented
	Accepts(components int) bool
}

// ForName returns the family registered under name: "tensor", "vectors" or
// "scalar".
func ForName(name string) (Family, error) {
	switch strings.ToLower(name) {
	case "tensor", "dti":
		return &Tensor{}, nil
	case "vectors", "vector":
		return &Vectors{}, nil
	case "scalar", "none":
		return Scalar{}, nil
	default:
		return nil, fmt.Errorf("unknown model family: %q", name)
	}
}

// Tensor reorients symmetric tensors stored as the lower triangle in row
// order (xx, yx, yy, zx, zy, zz) with D' = Mᵀ·D·M.
type Tensor struct{}

var (
	_ Family                    = &Tensor{}
	_ resample.ScratchAllocator = &Tensor{}
)

type tensorScratch struct {
	d, tmp, out *mat.Dense
}

// NewScratch allocates the matrices used by one worker
func (t *Tensor) NewScratch() any {
	n := volume.Dimension
	return &tensorScratch{
		d:   mat.NewDense(n, n, nil),
		tmp: mat.NewDense(n, n, nil),
		out: mat.NewDense(n, n, nil),
	}
}

// Accepts six component images
func (t *Tensor) Accepts(components int) bool {
	return components == TensorComponents
}

// Reorient computes Mᵀ·D·M
func (t *Tensor) Reorient(dst, src []float64, linearMap mat.Matrix, w *resample.Worker) {
	var s *tensorScratch
	if w != nil {
		s, _ = w.Scratch.(*tensorScratch)
	}
	if s == nil {
		s = t.NewScratch().(*tensorScratch)
	}

	VectorToMatrix(s.d, src)
	s.tmp.Mul(s.d, linearMap)
	s.out.Mul(linearMap.T(), s.tmp)
	MatrixToVector(dst, s.out)
}

// VectorToMatrix expands the lower triangle storage into a full symmetric
// matrix
func VectorToMatrix(dst *mat.Dense, v []float64) {
	pos := 0
	for i := 0; i < volume.Dimension; i++ {
		for j := 0; j <= i; j++ {
			dst.Set(i, j, v[pos])
			dst.Set(j, i, v[pos])
			pos++
		}
	}
}

// MatrixToVector stores the lower triangle of m, symmetrised
func MatrixToVector(dst []float64, m mat.Matrix) {
	pos := 0
	for i := 0; i < volume.Dimension; i++ {
		for j := 0; j <= i; j++ {
			dst[pos] = 0.5 * (m.At(i, j) + m.At(j, i))
			pos++
		}
	}
}

// Vectors reorients consecutive 3D vectors, e.g. fibre peaks, with
// v' = Mᵀ·v.
type Vectors struct {
	// PreserveNorm rescales each reoriented vector to its input length,
	// discarding the stretch of a raw Jacobian
	PreserveNorm bool
}

var _ Family = &Vectors{}

// Accepts any positive multiple of three components
func (v *Vectors) Accepts(components int) bool {
	return components > 0 && components%volume.Dimension == 0
}

// Reorient transforms every vector of src
func (v *Vectors) Reorient(dst, src []float64, linearMap mat.Matrix, _ *resample.Worker) {
	n := volume.Dimension
	for off := 0; off+n <= len(src); off += n {
		var norm, outNorm float64
		for i := 0; i < n; i++ {
			var s float64
			for k := 0; k < n; k++ {
				s += linearMap.At(k, i) * src[off+k]
			}
			dst[off+i] = s
			norm += src[off+i] * src[off+i]
			outNorm += s * s
		}
		if v.PreserveNorm && outNorm > 0 {
			scale := math.Sqrt(norm / outNorm)
			for i := 0; i < n; i++ {
				dst[off+i] *= scale
			}
		}
	}
}

// Scalar copies values unchanged
type Scalar struct{}

var _ Family = Scalar{}

// Accepts any number of components
func (Scalar) Accepts(components int) bool {
	return components > 0
}

// Reorient copies src to dst
func (Scalar) Reorient(dst, src []float64, _ mat.Matrix, _ *resample.Worker) {
	copy(dst, src)
}
