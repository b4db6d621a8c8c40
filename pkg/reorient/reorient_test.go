package reorient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/resample"
)

// quarterTurnZ is a 90 degree rotation about z
var quarterTurnZ = mat.NewDense(3, 3, []float64{
	0, -1, 0,
	1, 0, 0,
	0, 0, 1,
})

func TestTensorRotation(t *testing.T) {
	tensor := &Tensor{}
	w := &resample.Worker{Scratch: tensor.NewScratch()}

	src := []float64{3, 0, 1, 0, 0, 1}
	dst := make([]float64, TensorComponents)
	tensor.Reorient(dst, src, quarterTurnZ, w)

	assert.InDeltaSlice(t, []float64{1, 0, 3, 0, 0, 1}, dst, 1e-12)
}

func TestTensorWithoutScratch(t *testing.T) {
	tensor := &Tensor{}
	src := []float64{2, 0.5, 1, 0, 0, 1}
	dst := make([]float64, TensorComponents)
	tensor.Reorient(dst, src, mat.NewDiagDense(3, []float64{1, 1, 1}), nil)

	assert.InDeltaSlice(t, src, dst, 1e-12)
}

func TestTensorMatrixConversion(t *testing.T) {
	m := mat.NewDense(3, 3, nil)
	VectorToMatrix(m, []float64{1, 2, 3, 4, 5, 6})

	want := mat.NewDense(3, 3, []float64{
		1, 2, 4,
		2, 3, 5,
		4, 5, 6,
	})
	assert.True(t, mat.Equal(want, m))

	v := make([]float64, TensorComponents)
	MatrixToVector(v, m)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, v)
}

func TestVectorsRotation(t *testing.T) {
	v := &Vectors{}
	src := []float64{1, 0, 0, 0, 0, 2}
	dst := make([]float64, len(src))
	v.Reorient(dst, src, quarterTurnZ, nil)

	assert.InDeltaSlice(t, []float64{0, -1, 0, 0, 0, 2}, dst, 1e-12)
}

func TestVectorsPreserveNorm(t *testing.T) {
	scale := mat.NewDiagDense(3, []float64{2, 2, 2})
	src := []float64{1, 2, 2}
	dst := make([]float64, 3)

	(&Vectors{}).Reorient(dst, src, scale, nil)
	assert.InDeltaSlice(t, []float64{2, 4, 4}, dst, 1e-12)

	(&Vectors{PreserveNorm: true}).Reorient(dst, src, scale, nil)
	assert.InDeltaSlice(t, []float64{1, 2, 2}, dst, 1e-12)
}

// The resampler skips reorientation of zero values, which is only valid if
// every family maps zero to zero.
func TestZeroIsFixedPoint(t *testing.T) {
	shear := mat.NewDense(3, 3, []float64{1, 0.4, 0, 0, 1.2, 0, 0.1, 0, 0.9})
	tests := []struct {
		name       string
		components int
	}{
		{"tensor", TensorComponents},
		{"vectors", 6},
		{"scalar", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			family, err := ForName(tc.name)
			require.NoError(t, err)
			require.True(t, family.Accepts(tc.components))

			src := make([]float64, tc.components)
			dst := make([]float64, tc.components)
			for i := range dst {
				dst[i] = 7
			}
			family.Reorient(dst, src, shear, nil)
			for _, v := range dst {
				assert.Zero(t, v)
			}
		})
	}
}

func TestForName(t *testing.T) {
	f, err := ForName("DTI")
	require.NoError(t, err)
	assert.IsType(t, &Tensor{}, f)
	assert.False(t, f.Accepts(3))

	f, err = ForName("vector")
	require.NoError(t, err)
	assert.True(t, f.Accepts(9))
	assert.False(t, f.Accepts(4))

	_, err = ForName("odf")
	require.Error(t, err)
}
