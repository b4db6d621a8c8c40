package transform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/volume"
)

func assertPointInDelta(t *testing.T, want, got volume.Point) {
	t.Helper()
	for i := 0; i < volume.Dimension; i++ {
		assert.InDelta(t, want[i], got[i], 1e-12, "axis %d", i)
	}
}

func TestAffineTransformPoint(t *testing.T) {
	a := Rotation(2, math.Pi/2)
	assertPointInDelta(t, volume.Point{0, 1, 5}, a.TransformPoint(volume.Point{1, 0, 5}))

	a.Center = volume.Point{1, 1, 0}
	a.Translation = [volume.Dimension]float64{0, 0, 2}
	assertPointInDelta(t, volume.Point{1, 2, 2}, a.TransformPoint(volume.Point{2, 1, 0}))
}

func TestAffineMatrixIsCopy(t *testing.T) {
	a := Scaling(2, 3, 4)
	m := a.Matrix()
	m.Set(0, 0, 100)
	assert.Equal(t, 2.0, a.M[0][0])
	assert.Equal(t, 3.0, a.Matrix().At(1, 1))
}

func TestNewAffineFromDense(t *testing.T) {
	_, err := NewAffineFromDense(mat.NewDense(2, 2, nil), [volume.Dimension]float64{})
	require.Error(t, err)

	a, err := NewAffineFromDense(mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}), [volume.Dimension]float64{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, volume.Point{3, 5, 8}, a.TransformPoint(volume.Point{0, 1, 0}))
}

func TestNonlinearHidesMatrix(t *testing.T) {
	var tr Transform = Nonlinear(Scaling(2, 2, 2))
	_, ok := tr.(MatrixTransform)
	assert.False(t, ok)
	assert.Equal(t, volume.Point{2, 4, 6}, tr.TransformPoint(volume.Point{1, 2, 3}))
}

func TestDisplacementField(t *testing.T) {
	g := volume.NewGeometry(volume.Size{3, 3, 3}, [volume.Dimension]float64{1, 1, 1})
	field := volume.NewImage(g, 3)
	field.Fill([]float64{0.5, 0, -1})
	field.Set(volume.Index{2, 1, 1}, []float64{1.5, 0, -1})

	d, err := NewDisplacementField(field)
	require.NoError(t, err)

	assertPointInDelta(t, volume.Point{1.5, 1, 0}, d.TransformPoint(volume.Point{1, 1, 1}))
	assertPointInDelta(t, volume.Point{2.5, 1, 0}, d.TransformPoint(volume.Point{1.5, 1, 1}))
	assertPointInDelta(t, volume.Point{10, 10, 10}, d.TransformPoint(volume.Point{10, 10, 10}))

	_, err = NewDisplacementField(volume.NewImage(g, 2))
	require.Error(t, err)
}
