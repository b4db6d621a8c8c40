package resample_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/reorient"
	"modelresample/pkg/resample"
	"modelresample/pkg/transform"
	"modelresample/pkg/volume"
)

// createTensorImage fills a volume with positive definite tensors whose
// principal direction turns with x. Voxels on the x = 0 plane are left as
// background.
func createTensorImage(size volume.Size) *volume.Image {
	g := volume.NewGeometry(size, [volume.Dimension]float64{1, 1, 1})
	img := volume.NewImage(g, reorient.TensorComponents)
	g.Region.ForEach(func(idx volume.Index) {
		if idx[0] == 0 {
			return
		}
		a := 0.2 * float64(idx[0])
		c, s := math.Cos(a), math.Sin(a)
		// diag(3,1,0.5) rotated by a about z
		xx := 3*c*c + s*s
		yy := 3*s*s + c*c
		yx := 2 * c * s
		img.Set(idx, []float64{xx, yx, yy, 0, 0, 0.5 + 0.01*float64(idx[2])})
	})
	return img
}

func newParams(t transform.Transform, g volume.Geometry) resample.Params {
	p := resample.DefaultParams()
	p.Transform = t
	p.Reorienter = &reorient.Tensor{}
	p.OutputGeometry = g
	p.NumWorkers = 3
	p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return p
}

func TestIdentityTransformInvariance(t *testing.T) {
	input := createTensorImage(volume.Size{6, 5, 4})

	for _, finiteStrain := range []bool{true, false} {
		p := newParams(transform.Identity(), input.Geometry)
		p.FiniteStrainReorientation = finiteStrain
		r := resample.NewResampler(p)

		output, err := r.Resample(context.Background(), input)
		require.NoError(t, err)
		require.Equal(t, input.Components, output.Components)
		assert.InDeltaSlice(t, input.Data, output.Data, 1e-12)

		stats := r.Stats()
		assert.True(t, stats.Linear)
		assert.Equal(t, input.Region().NumberOfVoxels(), stats.Voxels)
		assert.Equal(t, 5*4, stats.Zero)
		assert.Zero(t, stats.Outside)
	}
}

func TestZeroPropagationOutsideInput(t *testing.T) {
	input := createTensorImage(volume.Size{4, 4, 4})
	shift := transform.NewAffine(volume.Identity3(), [volume.Dimension]float64{100, 0, 0})

	for name, trsf := range map[string]transform.Transform{
		"linear":    shift,
		"nonlinear": transform.Nonlinear(shift),
	} {
		t.Run(name, func(t *testing.T) {
			r := resample.NewResampler(newParams(trsf, input.Geometry))
			output, err := r.Resample(context.Background(), input)
			require.NoError(t, err)

			for _, v := range output.Data {
				assert.Equal(t, 0.0, v)
			}
			assert.Equal(t, r.Stats().Voxels, r.Stats().Outside)
			assert.Zero(t, r.Stats().Reoriented)
		})
	}
}

func TestConfigurationErrors(t *testing.T) {
	input := createTensorImage(volume.Size{2, 2, 2})

	t.Run("no transform", func(t *testing.T) {
		r := resample.NewResampler(newParams(nil, input.Geometry))
		output, err := r.Resample(context.Background(), input)
		assert.True(t, errors.Is(err, resample.ErrNoTransform))
		assert.Nil(t, output)
		assert.Zero(t, r.Stats().Voxels)
	})

	t.Run("no reorienter", func(t *testing.T) {
		p := newParams(transform.Identity(), input.Geometry)
		p.Reorienter = nil
		_, err := resample.NewResampler(p).Resample(context.Background(), input)
		assert.True(t, errors.Is(err, resample.ErrNoReorienter))
	})

	t.Run("no input", func(t *testing.T) {
		r := resample.NewResampler(newParams(transform.Identity(), input.Geometry))
		_, err := r.Resample(context.Background(), nil)
		assert.True(t, errors.Is(err, resample.ErrNoInput))
		assert.Zero(t, r.OutputVectorLength(nil))
	})

	t.Run("bad output geometry", func(t *testing.T) {
		g := input.Geometry
		g.Spacing[0] = 0
		_, err := resample.NewResampler(newParams(transform.Identity(), g)).Resample(context.Background(), input)
		assert.True(t, errors.Is(err, resample.ErrInvalidGeometry))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := resample.NewResampler(newParams(transform.Identity(), input.Geometry)).Resample(ctx, input)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

// recordingReorienter stores the linear maps it receives per worker and
// fails the test if a worker is used by two goroutines at once.
type recordingReorienter struct {
	t      *testing.T
	inUse  [16]atomic.Bool
	maps   [16][]*mat.Dense
	scalar reorient.Scalar
}

func (r *recordingReorienter) Reorient(dst, src []float64, linearMap mat.Matrix, w *resample.Worker) {
	if !r.inUse[w.ID].CompareAndSwap(false, true) {
		r.t.Errorf("worker %d used concurrently", w.ID)
		return
	}
	defer r.inUse[w.ID].Store(false)

	r.maps[w.ID] = append(r.maps[w.ID], mat.DenseCopyOf(linearMap))
	r.scalar.Reorient(dst, src, linearMap, w)
}

func TestLinearPathUsesConstantRotation(t *testing.T) {
	input := createTensorImage(volume.Size{8, 8, 8})
	rot := transform.Rotation(2, 0.3)
	rot.Center = volume.Point{3.5, 3.5, 3.5}

	rec := &recordingReorienter{t: t}
	p := newParams(rot, input.Geometry)
	p.Reorienter = rec
	p.NumWorkers = 4
	r := resample.NewResampler(p)

	_, err := r.Resample(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, 4, r.Stats().Workers)

	var count int
	for _, maps := range rec.maps {
		for _, m := range maps {
			assert.True(t, mat.EqualApprox(rot.Matrix(), m, 1e-12))
			count++
		}
	}
	assert.Equal(t, r.Stats().Reoriented, count)
	assert.Greater(t, count, 0)
}

func TestNonlinearPathMatchesLinearForAffine(t *testing.T) {
	input := createTensorImage(volume.Size{9, 8, 7})
	affine := transform.NewAffine(
		[volume.Dimension][volume.Dimension]float64{
			{0.95, -0.3, 0},
			{0.3, 0.95, 0.1},
			{0, -0.05, 1.05},
		},
		[volume.Dimension]float64{0.4, -0.2, 0.1},
	)

	for _, finiteStrain := range []bool{true, false} {
		pl := newParams(affine, input.Geometry)
		pl.FiniteStrainReorientation = finiteStrain
		linear, err := resample.NewResampler(pl).Resample(context.Background(), input)
		require.NoError(t, err)

		pn := newParams(transform.Nonlinear(affine), input.Geometry)
		pn.FiniteStrainReorientation = finiteStrain
		rn := resample.NewResampler(pn)
		nonlinear, err := rn.Resample(context.Background(), input)
		require.NoError(t, err)
		assert.False(t, rn.Stats().Linear)

		start, end, ok := rn.DefinitionDomain()
		require.True(t, ok)
		assert.Equal(t, input.Region().Index, start)
		assert.Equal(t, input.Region().End(), end)

		assert.InDeltaSlice(t, linear.Data, nonlinear.Data, 1e-9)
	}
}

func TestSingleSliceUniformScale(t *testing.T) {
	size := volume.Size{10, 10, 1}
	g := volume.NewGeometry(size, [volume.Dimension]float64{1, 1, 1})
	input := volume.NewImage(g, reorient.TensorComponents)
	tensor := []float64{2, 0.5, 1, 0.1, 0.2, 0.7}
	input.Fill(tensor)

	scale := transform.Scaling(2, 2, 2)
	for name, trsf := range map[string]transform.Transform{
		"linear":    scale,
		"nonlinear": transform.Nonlinear(scale),
	} {
		t.Run(name, func(t *testing.T) {
			r := resample.NewResampler(newParams(trsf, g))
			output, err := r.Resample(context.Background(), input)
			require.NoError(t, err)

			g.Region.ForEach(func(idx volume.Index) {
				if idx[0] < 5 && idx[1] < 5 {
					assert.InDeltaSlice(t, tensor, output.At(idx), 1e-12, "voxel %v", idx)
				} else {
					assert.Equal(t, make([]float64, 6), output.At(idx), "voxel %v", idx)
				}
			})
			assert.Equal(t, 25, r.Stats().Reoriented)
		})
	}
}

func TestRotationReorientsTensors(t *testing.T) {
	g := volume.NewGeometry(volume.Size{5, 5, 3}, [volume.Dimension]float64{1, 1, 1})
	input := volume.NewImage(g, reorient.TensorComponents)
	input.Fill([]float64{3, 0, 1, 0, 0, 1})

	rot := transform.Rotation(2, math.Pi/2)
	rot.Center = volume.Point{2, 2, 1}

	output, err := resample.NewResampler(newParams(rot, g)).Resample(context.Background(), input)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{1, 0, 3, 0, 0, 1}, output.At(volume.Index{2, 2, 1}), 1e-9)
	assert.InDeltaSlice(t, []float64{1, 0, 3, 0, 0, 1}, output.At(volume.Index{0, 4, 2}), 1e-9)
}

func TestSingleSliceInputCollapsesLastAxis(t *testing.T) {
	g := volume.NewGeometry(volume.Size{5, 5, 1}, [volume.Dimension]float64{1, 1, 1})
	input := volume.NewImage(g, reorient.TensorComponents)
	input.Fill([]float64{3, 0, 1, 0, 0, 1})

	// maps every voxel 0.7 above the only slice
	rot := transform.Rotation(2, math.Pi/2)
	rot.Center = volume.Point{2, 2, 0}
	rot.Translation = [volume.Dimension]float64{0, 0, 0.7}

	t.Run("linear", func(t *testing.T) {
		r := resample.NewResampler(newParams(rot, g))
		output, err := r.Resample(context.Background(), input)
		require.NoError(t, err)

		g.Region.ForEach(func(idx volume.Index) {
			assert.InDeltaSlice(t, []float64{1, 0, 3, 0, 0, 1}, output.At(idx), 1e-9, "voxel %v", idx)
		})
		assert.Equal(t, 0, r.Stats().Outside)
		assert.Equal(t, 25, r.Stats().Reoriented)
	})

	t.Run("nonlinear", func(t *testing.T) {
		r := resample.NewResampler(newParams(transform.Nonlinear(rot), g))
		output, err := r.Resample(context.Background(), input)
		require.NoError(t, err)

		g.Region.ForEach(func(idx volume.Index) {
			assert.Equal(t, make([]float64, 6), output.At(idx), "voxel %v", idx)
		})
		assert.Equal(t, 25, r.Stats().Outside)
		assert.Equal(t, 0, r.Stats().Reoriented)
	})
}

func TestNonFiniteStaysLocal(t *testing.T) {
	g := volume.NewGeometry(volume.Size{12, 3, 3}, [volume.Dimension]float64{1, 1, 1})
	input := volume.NewImage(g, reorient.TensorComponents)
	input.Fill([]float64{1, 0, 1, 0, 0, 1})

	broken := transform.Func(func(p volume.Point) volume.Point {
		if p[0] == 6 {
			return volume.Point{math.NaN(), p[1], p[2]}
		}
		return p
	})
	r := resample.NewResampler(newParams(broken, g))
	output, err := r.Resample(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 3*3*2, r.Stats().NonFinite)
	g.Region.ForEach(func(idx volume.Index) {
		v := output.At(idx)
		switch idx[0] {
		case 5, 7:
			assert.False(t, volume.IsFinite(v), "voxel %v", idx)
		case 6:
			assert.Equal(t, make([]float64, 6), v)
		default:
			assert.InDeltaSlice(t, []float64{1, 0, 1, 0, 0, 1}, v, 1e-12, "voxel %v", idx)
		}
	})
}

func TestUpperBoundaryVoxelIsRotated(t *testing.T) {
	g := volume.NewGeometry(volume.Size{4, 1, 1}, [volume.Dimension]float64{1, 1, 1})
	input := volume.NewImage(g, 3)
	input.Set(volume.Index{3, 0, 0}, []float64{1, 0, 0})

	// the centre output voxel lands one ULP below the upper bound of the
	// input along x
	x := math.Nextafter(3.5, 0)
	rot := transform.Rotation(2, math.Pi/2)
	trsf := transform.Func(func(p volume.Point) volume.Point {
		q := rot.TransformPoint(volume.Point{p[0] - 1, p[1] - 1, p[2]})
		return volume.Point{x + q[0], q[1], q[2]}
	})

	out := volume.NewGeometry(volume.Size{3, 3, 1}, [volume.Dimension]float64{1, 1, 1})
	p := newParams(trsf, out)
	p.Reorienter = &reorient.Vectors{}
	r := resample.NewResampler(p)
	output, err := r.Resample(context.Background(), input)
	require.NoError(t, err)

	// boundary value (1,0,0) rotated by the transpose of a quarter turn
	assert.InDeltaSlice(t, []float64{0, -1, 0}, output.At(volume.Index{1, 1, 0}), 1e-9)
}
