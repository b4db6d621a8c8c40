package volume

import (
	"fmt"
	"math"
)

// Image is a multi-component voxel grid. Every voxel holds Components
// consecutive float64 values; voxels are stored with x varying fastest.
type Image struct {
	// Geometry places the voxel grid in physical space
	Geometry Geometry

	// Components is the number of values per voxel
	Components int

	// Data holds NumberOfVoxels()*Components values
	Data []float64
}

// NewImage allocates a zero-filled image for the given geometry
func NewImage(g Geometry, components int) *Image {
	if components < 0 {
		components = 0
	}
	return &Image{
		Geometry:   g,
		Components: components,
		Data:       make([]float64, g.Region.NumberOfVoxels()*components),
	}
}

// Region returns the largest possible region of the image
func (img *Image) Region() Region {
	return img.Geometry.Region
}

// Offset returns the position of the first component of idx in Data
func (img *Image) Offset(idx Index) int {
	r := img.Geometry.Region
	x := idx[0] - r.Index[0]
	y := idx[1] - r.Index[1]
	z := idx[2] - r.Index[2]
	return ((z*r.Size[1]+y)*r.Size[0] + x) * img.Components
}

// At returns the value stored at idx. The returned slice aliases Data.
func (img *Image) At(idx Index) []float64 {
	off := img.Offset(idx)
	return img.Data[off : off+img.Components : off+img.Components]
}

// Set copies value into the voxel at idx
func (img *Image) Set(idx Index, value []float64) {
	copy(img.At(idx), value)
}

// Fill writes value into every voxel
func (img *Image) Fill(value []float64) {
	if len(value) != img.Components {
		panic(fmt.Sprintf("volume: fill value has %d components, image has %d", len(value), img.Components))
	}
	for off := 0; off < len(img.Data); off += img.Components {
		copy(img.Data[off:off+img.Components], value)
	}
}

// IsZero reports whether every component of value is within tol of zero.
// This is the background / out-of-bounds predicate of model images.
func IsZero(value []float64, tol float64) bool {
	for _, v := range value {
		if math.Abs(v) > tol || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// IsFinite reports whether no component is NaN or infinite
func IsFinite(value []float64) bool {
	for _, v := range value {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
