package visualization

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"

	"modelresample/pkg/reorient"
	"modelresample/pkg/volume"
)

// Maps shown by the viewer
const (
	MapComponent = "component"
	MapFA        = "fa"
	// MapDEC colours tensors by principal direction, weighted by FA
	MapDEC = "dec"
)

// Slice file formats
const (
	FormatJPEG = "jpeg"
	FormatTIFF = "tiff"
)

// Viewer renders slices of a model image as pictures. Every voxel is first
// reduced to a scalar: one component of the model or, for tensor images,
// the fractional anisotropy. The DEC map gives colour slices instead.
type Viewer struct {
	// Format of the files written by SaveSliceSequence, JPEG when empty
	Format string

	// scalars holds one value per voxel, x varying fastest
	scalars []float64

	// colors replaces scalars for the DEC map
	colors []colorful.Color

	// region of the source image
	region volume.Region

	// scale maps scalars to [0, 1]
	scale float64
}

// NewViewer creates a viewer for img using the given scalar map
func NewViewer(img *volume.Image, scalarMap string, component int) (*Viewer, error) {
	if img == nil {
		return nil, fmt.Errorf("image is nil")
	}
	n := img.Region().NumberOfVoxels()
	v := &Viewer{region: img.Region()}
	if !strings.EqualFold(scalarMap, MapDEC) {
		v.scalars = make([]float64, n)
	}

	switch strings.ToLower(scalarMap) {
	case "", MapComponent:
		if component < 0 || component >= img.Components {
			return nil, fmt.Errorf("component %d out of range [0, %d)", component, img.Components)
		}
		var maxAbs float64
		for i := 0; i < n; i++ {
			x := img.Data[i*img.Components+component]
			if math.IsNaN(x) || math.IsInf(x, 0) {
				x = 0
			}
			v.scalars[i] = x
			maxAbs = math.Max(maxAbs, math.Abs(x))
		}
		v.scale = 1
		if maxAbs > 0 {
			v.scale = 1 / maxAbs
		}

	case MapFA:
		if img.Components != reorient.TensorComponents {
			return nil, fmt.Errorf("fractional anisotropy needs %d components, got %d", reorient.TensorComponents, img.Components)
		}
		sym := mat.NewSymDense(volume.Dimension, nil)
		var eig mat.EigenSym
		for i := 0; i < n; i++ {
			off := i * img.Components
			v.scalars[i] = FractionalAnisotropy(img.Data[off:off+img.Components], sym, &eig)
		}
		v.scale = 1

	case MapDEC:
		if img.Components != reorient.TensorComponents {
			return nil, fmt.Errorf("direction encoded colour needs %d components, got %d", reorient.TensorComponents, img.Components)
		}
		v.colors = make([]colorful.Color, n)
		sym := mat.NewSymDense(volume.Dimension, nil)
		var eig mat.EigenSym
		var vectors mat.Dense
		for i := 0; i < n; i++ {
			off := i * img.Components
			v.colors[i] = DirectionColor(img.Data[off:off+img.Components], sym, &eig, &vectors)
		}
		v.scale = 1

	default:
		return nil, fmt.Errorf("invalid scalar map: %s (must be component, fa or dec)", scalarMap)
	}

	return v, nil
}

// FractionalAnisotropy of a tensor stored as (xx, yx, yy, zx, zy, zz). sym
// and eig are scratch space; zero and non-finite tensors give 0.
func FractionalAnisotropy(tensor []float64, sym *mat.SymDense, eig *mat.EigenSym) float64 {
	if !volume.IsFinite(tensor) || volume.IsZero(tensor, 0) {
		return 0
	}
	pos := 0
	for i := 0; i < volume.Dimension; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, tensor[pos])
			pos++
		}
	}
	if !eig.Factorize(sym, false) {
		return 0
	}
	var values [volume.Dimension]float64
	eig.Values(values[:])

	mean := (values[0] + values[1] + values[2]) / 3
	var num, den float64
	for _, l := range values {
		num += (l - mean) * (l - mean)
		den += l * l
	}
	if den == 0 {
		return 0
	}
	return math.Min(1, math.Sqrt(1.5*num/den))
}

// DirectionColor maps the principal eigenvector e of a tensor to the colour
// (|e.x|, |e.y|, |e.z|)·FA. sym, eig and vectors are scratch space.
func DirectionColor(tensor []float64, sym *mat.SymDense, eig *mat.EigenSym, vectors *mat.Dense) colorful.Color {
	fa := FractionalAnisotropy(tensor, sym, eig)
	if fa == 0 {
		return colorful.Color{}
	}
	// FractionalAnisotropy left the tensor in sym
	if !eig.Factorize(sym, true) {
		return colorful.Color{}
	}
	eig.VectorsTo(vectors)
	// eigenvalues are in ascending order
	last := volume.Dimension - 1
	return colorful.Color{
		R: math.Abs(vectors.At(0, last)) * fa,
		G: math.Abs(vectors.At(1, last)) * fa,
		B: math.Abs(vectors.At(2, last)) * fa,
	}.Clamped()
}

func (v *Viewer) pixel(x, y, z int) color.Color {
	s := v.region.Size
	idx := (z*s[1]+y)*s[0] + x
	if v.colors != nil {
		return v.colors[idx]
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v.scalars[idx]*v.scale*65535)))}
}

func (v *Viewer) newSlice(w, h int) draw.Image {
	if v.colors != nil {
		return image.NewRGBA64(image.Rect(0, 0, w, h))
	}
	return image.NewGray16(image.Rect(0, 0, w, h))
}

// ExtractSlice extracts a 2D slice along the specified axis. position is
// relative to the start of the image region.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	width, height, depth := v.region.Size[0], v.region.Size[1], v.region.Size[2]
	var img draw.Image

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		img = v.newSlice(depth, height)
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.Set(z, y, v.pixel(position, y, z))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		img = v.newSlice(width, depth)
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.Set(x, z, v.pixel(x, position, z))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		img = v.newSlice(width, height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.Set(x, y, v.pixel(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion copies a block of the source image. start is an absolute
// index and the returned image keeps the source geometry.
func ExtractRegion(img *volume.Image, start volume.Index, size volume.Size) (*volume.Image, error) {
	for i := 0; i < volume.Dimension; i++ {
		if size[i] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
	}
	sub := volume.Region{Index: start, Size: size}
	last := sub.End()
	for i := range last {
		last[i]--
	}
	if !img.Region().Contains(start) || !img.Region().Contains(last) {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	g := img.Geometry
	g.Region = sub
	out := volume.NewImage(g, img.Components)
	sub.ForEach(func(idx volume.Index) {
		out.Set(idx, img.At(idx))
	})
	return out, nil
}

// SaveSlice saves an extracted slice as a 16-bit TIFF when filename ends in
// .tif or .tiff, as a JPEG image otherwise
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		err = tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = jpeg.Encode(writer, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return err
	}
	return writer.Flush()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.region.Size[0]
	case "y", "Y":
		maxPos = v.region.Size[1]
	case "z", "Z":
		maxPos = v.region.Size[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	ext := "jpg"
	switch strings.ToLower(v.Format) {
	case "", FormatJPEG, "jpg":
	case FormatTIFF, "tif":
		ext = "tif"
	default:
		return fmt.Errorf("invalid format: %s (must be jpeg or tiff)", v.Format)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.%s", axis, pos, ext))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
