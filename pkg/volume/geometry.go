// Package volume provides the grid geometry and the multi-component image
// container shared by the resampling pipeline.
//
// Indices are absolute: a Region may start at a non-zero Index and the
// physical mapping always uses the absolute index, while the image buffer
// is addressed relative to the region start.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Dimension is the number of spatial axes handled by the package
const Dimension = 3

// orthonormalTolerance bounds |DᵀD - I| for a direction matrix to be accepted
const orthonormalTolerance = 1e-6

// Index is an integer voxel position
type Index [Dimension]int

// Point is a position in physical space (mm)
type Point [Dimension]float64

// ContinuousIndex is a real valued voxel position used for interpolation
type ContinuousIndex [Dimension]float64

// Size is the number of voxels along each axis
type Size [Dimension]int

// Region is an axis-aligned block of voxels starting at Index
type Region struct {
	Index Index `yaml:"index"`
	Size  Size  `yaml:"size"`
}

// End returns the first index past the region along every axis
func (r Region) End() Index {
	var end Index
	for i := 0; i < Dimension; i++ {
		end[i] = r.Index[i] + r.Size[i]
	}
	return end
}

// NumberOfVoxels returns the voxel count of the region
func (r Region) NumberOfVoxels() int {
	n := 1
	for i := 0; i < Dimension; i++ {
		n *= r.Size[i]
	}
	return n
}

// Contains reports whether idx lies in [Index, End)
func (r Region) Contains(idx Index) bool {
	for i := 0; i < Dimension; i++ {
		if idx[i] < r.Index[i] || idx[i] >= r.Index[i]+r.Size[i] {
			return false
		}
	}
	return true
}

// IsInside reports whether a continuous index falls in the half-open voxel
// centred extent [Index-0.5, End-0.5) along every axis.
func (r Region) IsInside(c ContinuousIndex) bool {
	for i := 0; i < Dimension; i++ {
		lo := float64(r.Index[i]) - 0.5
		hi := float64(r.Index[i]+r.Size[i]) - 0.5
		if !(c[i] >= lo) || c[i] >= hi {
			return false
		}
	}
	return true
}

// ForEach visits every index of the region, x varying fastest
func (r Region) ForEach(fn func(idx Index)) {
	end := r.End()
	var idx Index
	for idx[2] = r.Index[2]; idx[2] < end[2]; idx[2]++ {
		for idx[1] = r.Index[1]; idx[1] < end[1]; idx[1]++ {
			for idx[0] = r.Index[0]; idx[0] < end[0]; idx[0]++ {
				fn(idx)
			}
		}
	}
}

// Geometry maps voxel indices of a grid to physical space.
type Geometry struct {
	// Spacing is the physical voxel size along each axis in mm
	Spacing [Dimension]float64 `yaml:"spacing"`

	// Origin is the physical position of index zero
	Origin Point `yaml:"origin"`

	// Direction holds the physical direction of each index axis as columns
	Direction [Dimension][Dimension]float64 `yaml:"direction"`

	// Region is the largest possible region of the grid
	Region Region `yaml:"region"`
}

// ErrInvalidGeometry is returned by Validate for inconsistent geometries
var ErrInvalidGeometry = errors.New("invalid geometry")

// Identity3 returns the identity direction matrix
func Identity3() [Dimension][Dimension]float64 {
	return [Dimension][Dimension]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// NewGeometry returns a geometry with identity direction, zero origin and a
// region starting at index zero.
func NewGeometry(size Size, spacing [Dimension]float64) Geometry {
	return Geometry{
		Spacing:   spacing,
		Direction: Identity3(),
		Region:    Region{Size: size},
	}
}

// Validate checks spacing, region size and orthonormality of the direction
func (g Geometry) Validate() error {
	for i := 0; i < Dimension; i++ {
		if !(g.Spacing[i] > 0) || math.IsInf(g.Spacing[i], 0) {
			return fmt.Errorf("%w: spacing[%d] = %v must be positive", ErrInvalidGeometry, i, g.Spacing[i])
		}
		if g.Region.Size[i] < 0 {
			return fmt.Errorf("%w: size[%d] = %d must be non-negative", ErrInvalidGeometry, i, g.Region.Size[i])
		}
	}

	d := g.directionMatrix()
	var dtd mat.Dense
	dtd.Mul(d.T(), d)
	identity := mat.NewDiagDense(Dimension, []float64{1, 1, 1})
	if !mat.EqualApprox(&dtd, identity, orthonormalTolerance) {
		return fmt.Errorf("%w: direction is not orthonormal", ErrInvalidGeometry)
	}
	return nil
}

func (g Geometry) directionMatrix() *mat.Dense {
	d := mat.NewDense(Dimension, Dimension, nil)
	for i := 0; i < Dimension; i++ {
		for j := 0; j < Dimension; j++ {
			d.Set(i, j, g.Direction[i][j])
		}
	}
	return d
}

// IndexToPoint maps an integer index to its physical position
func (g Geometry) IndexToPoint(idx Index) Point {
	var c ContinuousIndex
	for i := 0; i < Dimension; i++ {
		c[i] = float64(idx[i])
	}
	return g.ContinuousIndexToPoint(c)
}

// ContinuousIndexToPoint computes Origin + Direction·diag(Spacing)·c
func (g Geometry) ContinuousIndexToPoint(c ContinuousIndex) Point {
	p := g.Origin
	for i := 0; i < Dimension; i++ {
		for j := 0; j < Dimension; j++ {
			p[i] += g.Direction[i][j] * g.Spacing[j] * c[j]
		}
	}
	return p
}

// PointToContinuousIndex inverts ContinuousIndexToPoint. The direction is
// orthonormal so its transpose is used as inverse.
func (g Geometry) PointToContinuousIndex(p Point) ContinuousIndex {
	var c ContinuousIndex
	for j := 0; j < Dimension; j++ {
		var s float64
		for i := 0; i < Dimension; i++ {
			s += g.Direction[i][j] * (p[i] - g.Origin[i])
		}
		c[j] = s / g.Spacing[j]
	}
	return c
}
