// Package resample resamples model images (tensors, vector fields and other
// multi-component local descriptors) through a spatial transform while
// reorienting every voxel by the local rotation of the transform.
//
// Linear transforms use their constant matrix for the whole volume. Other
// transforms are linearised per voxel with centred finite differences over
// the output grid. Depending on FiniteStrainReorientation the reorienter
// receives either that Jacobian or its rotational part.
package resample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/interpolation"
	"modelresample/pkg/transform"
	"modelresample/pkg/volume"
)

// Configuration errors, returned before any output is allocated
var (
	ErrNoTransform     = errors.New("no valid transformation")
	ErrNoReorienter    = errors.New("no model reorienter")
	ErrNoInput         = errors.New("no input image")
	ErrInvalidGeometry = volume.ErrInvalidGeometry
)

// Params holds the resampling configuration.
type Params struct {
	// Transform maps output physical points to input physical points. It
	// is required.
	Transform transform.Transform

	// Interpolator evaluates the input between voxels. When nil a
	// background aware linear interpolator is created.
	Interpolator interpolation.Interpolator

	// Reorienter applies the local linear map to model values
	Reorienter Reorienter

	// OutputGeometry is the grid of the produced image
	OutputGeometry volume.Geometry

	// FiniteStrainReorientation reduces local Jacobians to pure rotations
	FiniteStrainReorientation bool

	// NumWorkers bounds the number of concurrent workers. Values below 1
	// use runtime.NumCPU().
	NumWorkers int

	// ZeroThreshold is the tolerance of the zero model test
	ZeroThreshold float64

	// Logger receives progress messages, slog.Default() when nil
	Logger *slog.Logger
}

// DefaultParams returns parameters with finite strain reorientation enabled
// and one worker per CPU.
func DefaultParams() Params {
	return Params{
		FiniteStrainReorientation: true,
		NumWorkers:                runtime.NumCPU(),
	}
}

// Stats summarises a resampling pass
type Stats struct {
	// Voxels is the number of output voxels written
	Voxels int
	// Outside counts voxels mapped outside the input buffer
	Outside int
	// Zero counts voxels written as zero model (Outside included)
	Zero int
	// Reoriented counts voxels passed to the reorienter
	Reoriented int
	// NonFinite counts reoriented voxels holding NaN or Inf
	NonFinite int
	// Workers is the number of workers that ran
	Workers int
	// Linear is set when the constant Jacobian path was used
	Linear bool
}

func (s *Stats) add(o Stats) {
	s.Voxels += o.Voxels
	s.Outside += o.Outside
	s.Zero += o.Zero
	s.Reoriented += o.Reoriented
	s.NonFinite += o.NonFinite
}

// Resampler produces reoriented model images. A Resampler runs one pass
// at a time.
type Resampler struct {
	params Params

	// input region bounds
	startIndex volume.Index
	endIndex   volume.Index

	linear    transform.MatrixTransform
	estimator *jacobianEstimator

	stats Stats
}

// NewResampler creates a resampler with the given parameters
func NewResampler(params Params) *Resampler {
	return &Resampler{params: params}
}

// OutputVectorLength returns the number of components per output voxel:
// that of the input, or 0 without input.
func (r *Resampler) OutputVectorLength(input *volume.Image) int {
	if input == nil {
		return 0
	}
	return input.Components
}

// Stats returns the statistics of the last completed pass
func (r *Resampler) Stats() Stats {
	return r.stats
}

// InputBounds returns the input region recorded by the last pass as
// [start, end)
func (r *Resampler) InputBounds() (start, end volume.Index) {
	return r.startIndex, r.endIndex
}

// DefinitionDomain returns the index range [start, end) used for finite
// differences. ok is false unless the last pass took the nonlinear path.
func (r *Resampler) DefinitionDomain() (start, end volume.Index, ok bool) {
	if r.estimator == nil {
		return start, end, false
	}
	return r.estimator.start, r.estimator.end, true
}

func (r *Resampler) logger() *slog.Logger {
	if r.params.Logger != nil {
		return r.params.Logger
	}
	return slog.Default()
}

// Resample maps input into the output geometry. Every output voxel holds
// the reoriented interpolation of input at the transformed location, or
// the zero model when that location is outside the input.
//
// Configuration errors are returned before any work starts. Numerical
// failures of a single voxel (a singular finite difference step) yield
// non-finite values in that voxel only.
func (r *Resampler) Resample(ctx context.Context, input *volume.Image) (*volume.Image, error) {
	if input == nil {
		return nil, ErrNoInput
	}
	r.startIndex = input.Region().Index
	r.endIndex = input.Region().End()

	if r.params.Transform == nil {
		return nil, ErrNoTransform
	}
	if r.params.Reorienter == nil {
		return nil, ErrNoReorienter
	}
	if err := input.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("input geometry: %w", err)
	}
	if err := r.params.OutputGeometry.Validate(); err != nil {
		return nil, fmt.Errorf("output geometry: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interp := r.params.Interpolator
	if interp == nil {
		l := interpolation.NewLinear()
		l.ZeroThreshold = r.params.ZeroThreshold
		interp = l
	}
	interp.SetInputImage(input)

	output := volume.NewImage(r.params.OutputGeometry, r.OutputVectorLength(input))

	r.linear = nil
	r.estimator = nil
	if mt, ok := r.params.Transform.(transform.MatrixTransform); ok {
		r.linear = mt
	} else {
		r.estimator = newJacobianEstimator(r.params.OutputGeometry, r.params.Transform)
	}

	numWorkers := r.params.NumWorkers
	if numWorkers < 1 {
		numWorkers = runtime.NumCPU()
	}
	regions := splitRegion(output.Region(), numWorkers)

	workers := make([]*Worker, len(regions))
	alloc, _ := r.params.Reorienter.(ScratchAllocator)
	for i, region := range regions {
		workers[i] = newWorker(i, region, output.Components)
		if alloc != nil {
			workers[i].Scratch = alloc.NewScratch()
		}
	}

	log := r.logger()
	log.DebugContext(ctx, "resample setup",
		"linear", r.linear != nil,
		"finite_strain", r.params.FiniteStrainReorientation,
		"workers", len(workers),
		"components", output.Components,
		"input_size", input.Region().Size,
		"output_size", output.Region().Size)

	start := time.Now()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			r.process(w, interp, input, output)
		}(w)
	}
	wg.Wait()

	stats := Stats{Workers: len(workers), Linear: r.linear != nil}
	for _, w := range workers {
		stats.add(w.stats)
	}
	r.stats = stats

	log.InfoContext(ctx, "resample complete",
		"voxels", stats.Voxels,
		"reoriented", stats.Reoriented,
		"outside", stats.Outside,
		"elapsed", time.Since(start))
	if stats.NonFinite > 0 {
		log.WarnContext(ctx, "non-finite values in reoriented voxels",
			"count", stats.NonFinite)
	}
	return output, nil
}

// process fills the worker's region of output
func (r *Resampler) process(w *Worker, interp interpolation.Interpolator, input, output *volume.Image) {
	inGeom := input.Geometry
	outGeom := output.Geometry
	finiteStrain := r.params.FiniteStrainReorientation
	tol := r.params.ZeroThreshold
	reorienter := r.params.Reorienter
	trsf := r.params.Transform

	var orientation mat.Matrix
	lastDimensionUseless := false
	if r.linear != nil {
		orientation = w.rotationOrJacobian(r.linear.Matrix(), finiteStrain)
		lastDimensionUseless = input.Region().Size[volume.Dimension-1] <= 1
	}

	w.region.ForEach(func(idx volume.Index) {
		w.stats.Voxels++

		c := inGeom.PointToContinuousIndex(trsf.TransformPoint(outGeom.IndexToPoint(idx)))
		if lastDimensionUseless {
			c[volume.Dimension-1] = 0
		}

		if interp.IsInsideBuffer(c) {
			interp.EvaluateAtContinuousIndex(w.value, c)
		} else {
			for k := range w.value {
				w.value[k] = 0
			}
			w.stats.Outside++
		}

		dst := output.At(idx)
		if volume.IsZero(w.value, tol) {
			copy(dst, w.value)
			w.stats.Zero++
			return
		}

		m := orientation
		if m == nil {
			m = w.rotationOrJacobian(r.estimator.estimate(idx, w), finiteStrain)
		}
		reorienter.Reorient(dst, w.value, m, w)
		w.stats.Reoriented++
		if !volume.IsFinite(dst) {
			w.stats.NonFinite++
		}
	})
}
