// Package metrics summarises model images and compares resampling results.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"modelresample/pkg/volume"
)

// ComponentStats describes one component over the foreground voxels
type ComponentStats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summary holds per-component statistics of an image. Background voxels,
// whose components are all within the zero threshold, are left out.
type Summary struct {
	Voxels     int
	Foreground int
	NonFinite  int
	Components []ComponentStats
}

// Summarize computes the Summary of img. Non-finite voxels are counted but
// not included in the statistics.
func Summarize(img *volume.Image, zeroThreshold float64) Summary {
	s := Summary{
		Voxels:     img.Region().NumberOfVoxels(),
		Components: make([]ComponentStats, img.Components),
	}
	if img.Components == 0 {
		return s
	}

	columns := make([][]float64, img.Components)
	for off := 0; off < len(img.Data); off += img.Components {
		v := img.Data[off : off+img.Components]
		if !volume.IsFinite(v) {
			s.NonFinite++
			continue
		}
		if volume.IsZero(v, zeroThreshold) {
			continue
		}
		s.Foreground++
		for k, x := range v {
			columns[k] = append(columns[k], x)
		}
	}

	for k, col := range columns {
		if len(col) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(col, nil)
		if len(col) == 1 {
			std = 0
		}
		cs := ComponentStats{Mean: mean, StdDev: std, Min: col[0], Max: col[0]}
		for _, x := range col[1:] {
			cs.Min = math.Min(cs.Min, x)
			cs.Max = math.Max(cs.Max, x)
		}
		s.Components[k] = cs
	}
	return s
}

// Comparison measures the agreement of two images with the same layout
type Comparison struct {
	// RMSE is the root mean square difference over all finite values
	RMSE float64

	// MaxAbsDiff is the largest absolute difference
	MaxAbsDiff float64

	// Correlation is the Pearson correlation of all finite values, NaN when
	// one image is constant
	Correlation float64

	// Mismatched counts voxels that are finite in one image only
	Mismatched int
}

// Compare computes the Comparison of a and b
func Compare(a, b *volume.Image) (Comparison, error) {
	var c Comparison
	if a.Components != b.Components || a.Region().Size != b.Region().Size {
		return c, fmt.Errorf("images differ in layout: %v×%d vs %v×%d",
			a.Region().Size, a.Components, b.Region().Size, b.Components)
	}
	if a.Components == 0 {
		return c, nil
	}

	var xs, ys []float64
	for off := 0; off < len(a.Data); off += a.Components {
		va := a.Data[off : off+a.Components]
		vb := b.Data[off : off+b.Components]
		fa, fb := volume.IsFinite(va), volume.IsFinite(vb)
		if fa != fb {
			c.Mismatched++
		}
		if !fa || !fb {
			continue
		}
		xs = append(xs, va...)
		ys = append(ys, vb...)
	}
	if len(xs) == 0 {
		return c, nil
	}

	var mse float64
	for i := range xs {
		diff := xs[i] - ys[i]
		mse += diff * diff
		c.MaxAbsDiff = math.Max(c.MaxAbsDiff, math.Abs(diff))
	}
	c.RMSE = math.Sqrt(mse / float64(len(xs)))
	c.Correlation = stat.Correlation(xs, ys, nil)
	return c, nil
}
