// Package transform defines the spatial transforms used to resample model
// images. A transform maps a physical point of the output grid to the
// physical point of the input grid it is sampled from.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/interpolation"
	"modelresample/pkg/volume"
)

// Transform maps physical points. Implementations must be safe for
// concurrent use.
type Transform interface {
	TransformPoint(p volume.Point) volume.Point
}

// MatrixTransform is a linear (affine) transform with a constant Jacobian
type MatrixTransform interface {
	Transform

	// Matrix returns a copy of the linear part
	Matrix() *mat.Dense
}

// Affine computes T(p) = M·(p - Center) + Center + Translation
type Affine struct {
	M           [volume.Dimension][volume.Dimension]float64
	Center      volume.Point
	Translation [volume.Dimension]float64
}

var _ MatrixTransform = &Affine{}

// Identity returns the identity transform
func Identity() *Affine {
	return &Affine{M: volume.Identity3()}
}

// NewAffine builds an affine transform from a linear part and translation
func NewAffine(m [volume.Dimension][volume.Dimension]float64, translation [volume.Dimension]float64) *Affine {
	return &Affine{M: m, Translation: translation}
}

// NewAffineFromDense builds an affine transform from a 3×3 gonum matrix
func NewAffineFromDense(m mat.Matrix, translation [volume.Dimension]float64) (*Affine, error) {
	r, c := m.Dims()
	if r != volume.Dimension || c != volume.Dimension {
		return nil, fmt.Errorf("affine matrix must be %dx%d, got %dx%d", volume.Dimension, volume.Dimension, r, c)
	}
	a := &Affine{Translation: translation}
	for i := 0; i < volume.Dimension; i++ {
		for j := 0; j < volume.Dimension; j++ {
			a.M[i][j] = m.At(i, j)
		}
	}
	return a, nil
}

// Rotation returns a rotation of angle radians about the given axis
// (0, 1 or 2), right handed.
func Rotation(axis int, angle float64) *Affine {
	c, s := math.Cos(angle), math.Sin(angle)
	a := Identity()
	i, j := (axis+1)%volume.Dimension, (axis+2)%volume.Dimension
	a.M[i][i], a.M[i][j] = c, -s
	a.M[j][i], a.M[j][j] = s, c
	return a
}

// Scaling returns an axis-aligned scaling
func Scaling(sx, sy, sz float64) *Affine {
	a := &Affine{}
	a.M[0][0], a.M[1][1], a.M[2][2] = sx, sy, sz
	return a
}

// TransformPoint applies the affine map
func (a *Affine) TransformPoint(p volume.Point) volume.Point {
	var q volume.Point
	for i := 0; i < volume.Dimension; i++ {
		v := a.Center[i] + a.Translation[i]
		for j := 0; j < volume.Dimension; j++ {
			v += a.M[i][j] * (p[j] - a.Center[j])
		}
		q[i] = v
	}
	return q
}

// Matrix returns the linear part as a new dense matrix
func (a *Affine) Matrix() *mat.Dense {
	m := mat.NewDense(volume.Dimension, volume.Dimension, nil)
	for i := 0; i < volume.Dimension; i++ {
		for j := 0; j < volume.Dimension; j++ {
			m.Set(i, j, a.M[i][j])
		}
	}
	return m
}

// Func adapts a plain function to Transform
type Func func(p volume.Point) volume.Point

// TransformPoint calls f
func (f Func) TransformPoint(p volume.Point) volume.Point {
	return f(p)
}

type nonlinear struct {
	t Transform
}

func (n nonlinear) TransformPoint(p volume.Point) volume.Point {
	return n.t.TransformPoint(p)
}

// Nonlinear hides the matrix of t so that resampling estimates the Jacobian
// locally even for linear transforms.
func Nonlinear(t Transform) Transform {
	return nonlinear{t: t}
}

// DisplacementField computes T(p) = p + u(p) where u is a 3-component
// displacement image in physical units. Points outside the field are not
// displaced.
type DisplacementField struct {
	field  *volume.Image
	interp *interpolation.Linear
}

// NewDisplacementField wraps a 3-component image as a transform
func NewDisplacementField(field *volume.Image) (*DisplacementField, error) {
	if field == nil {
		return nil, fmt.Errorf("displacement field is nil")
	}
	if field.Components != volume.Dimension {
		return nil, fmt.Errorf("displacement field must have %d components, got %d", volume.Dimension, field.Components)
	}
	interp := interpolation.NewPlainLinear()
	interp.SetInputImage(field)
	return &DisplacementField{field: field, interp: interp}, nil
}

// TransformPoint displaces p by the interpolated field value
func (d *DisplacementField) TransformPoint(p volume.Point) volume.Point {
	c := d.field.Geometry.PointToContinuousIndex(p)
	if !d.interp.IsInsideBuffer(c) {
		return p
	}
	var u [volume.Dimension]float64
	d.interp.EvaluateAtContinuousIndex(u[:], c)
	for i := 0; i < volume.Dimension; i++ {
		p[i] += u[i]
	}
	return p
}
