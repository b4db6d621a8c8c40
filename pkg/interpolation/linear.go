// Package interpolation evaluates multi-component images at continuous
// indices.
package interpolation

import (
	"math"

	"modelresample/pkg/volume"
)

// Interpolator evaluates a bound image between voxel centres. After
// SetInputImage it must be safe for concurrent use by several workers.
type Interpolator interface {
	// SetInputImage binds the image that later evaluations read from
	SetInputImage(img *volume.Image)

	// IsInsideBuffer reports whether c lies inside the bound image
	IsInsideBuffer(c volume.ContinuousIndex) bool

	// EvaluateAtContinuousIndex writes the interpolated value at c into dst,
	// which must hold one entry per image component
	EvaluateAtContinuousIndex(dst []float64, c volume.ContinuousIndex)
}

// Linear is a trilinear interpolator for vector valued images.
//
// With SkipBackground set, neighbours holding the zero model do not take
// part in the weighted sum and the remaining weights are renormalised, so
// values near the edge of a masked model image are not pulled towards zero.
type Linear struct {
	// SkipBackground excludes zero neighbours from the weighted sum
	SkipBackground bool

	// ZeroThreshold is the tolerance used to detect zero neighbours
	ZeroThreshold float64

	img    *volume.Image
	region volume.Region
}

var _ Interpolator = &Linear{}

// NewLinear creates the default model interpolator, which skips background
// neighbours.
func NewLinear() *Linear {
	return &Linear{SkipBackground: true}
}

// NewPlainLinear creates an interpolator that treats every neighbour alike,
// as wanted for displacement fields where zero is a regular value.
func NewPlainLinear() *Linear {
	return &Linear{}
}

// SetInputImage binds img
func (l *Linear) SetInputImage(img *volume.Image) {
	l.img = img
	l.region = img.Region()
}

// InputImage returns the bound image, nil if none
func (l *Linear) InputImage() *volume.Image {
	return l.img
}

// IsInsideBuffer uses the half-open voxel-centred extent of the image region
func (l *Linear) IsInsideBuffer(c volume.ContinuousIndex) bool {
	if l.img == nil {
		return false
	}
	return l.region.IsInside(c)
}

// EvaluateAtContinuousIndex blends the eight surrounding voxels. Neighbour
// indices are clamped to the region so the half-voxel border evaluates to
// the edge voxel.
func (l *Linear) EvaluateAtContinuousIndex(dst []float64, c volume.ContinuousIndex) {
	for i := range dst {
		dst[i] = 0
	}

	var base volume.Index
	var frac [volume.Dimension]float64
	for i := 0; i < volume.Dimension; i++ {
		f := math.Floor(c[i])
		base[i] = int(f)
		frac[i] = c[i] - f
	}

	start := l.region.Index
	end := l.region.End()

	var wsum float64
	for corner := 0; corner < 1<<volume.Dimension; corner++ {
		w := 1.0
		var idx volume.Index
		for i := 0; i < volume.Dimension; i++ {
			if corner&(1<<i) != 0 {
				idx[i] = base[i] + 1
				w *= frac[i]
			} else {
				idx[i] = base[i]
				w *= 1 - frac[i]
			}
			if idx[i] < start[i] {
				idx[i] = start[i]
			}
			if idx[i] >= end[i] {
				idx[i] = end[i] - 1
			}
		}
		if w == 0 {
			continue
		}

		v := l.img.At(idx)
		if l.SkipBackground && volume.IsZero(v, l.ZeroThreshold) {
			continue
		}
		for k := range dst {
			dst[k] += w * v[k]
		}
		wsum += w
	}

	if wsum == 0 || wsum == 1 {
		return
	}
	for k := range dst {
		dst[k] /= wsum
	}
}
