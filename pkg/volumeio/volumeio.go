// Package volumeio reads and writes model images as a YAML header plus a
// little endian float64 payload, stored raw or zstd compressed.
package volumeio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"modelresample/pkg/volume"
)

// FormatVersion is written in every header
const FormatVersion = 1

// Payload encodings
const (
	EncodingRaw  = "raw"
	EncodingZstd = "zstd"
)

// ErrFormat is returned for headers and payloads that do not describe a
// valid image
var ErrFormat = errors.New("invalid volume file")

// Header is the YAML document describing an image on disk
type Header struct {
	Version    int             `yaml:"version"`
	Geometry   volume.Geometry `yaml:"geometry"`
	Components int             `yaml:"components"`

	// Data is the payload path, relative to the header directory
	Data string `yaml:"data"`

	// Encoding of the payload, raw when empty
	Encoding string `yaml:"encoding,omitempty"`

	// Checksum is the hex xxhash64 of the uncompressed payload
	Checksum string `yaml:"checksum,omitempty"`
}

// Options controls how Write stores the payload
type Options struct {
	// Compress stores the payload with zstd
	Compress bool
}

// DataPath returns the default payload path of a header: same name with a
// .raw extension, .raw.zst when compressed
func DataPath(headerPath string, compressed bool) string {
	p := strings.TrimSuffix(headerPath, filepath.Ext(headerPath)) + ".raw"
	if compressed {
		p += ".zst"
	}
	return p
}

// Write stores img at headerPath with a raw payload next to it
func Write(headerPath string, img *volume.Image) error {
	return WriteOptions(headerPath, img, Options{})
}

// WriteOptions stores img at headerPath and its payload next to it
func WriteOptions(headerPath string, img *volume.Image, opts Options) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrFormat)
	}
	if len(img.Data) != img.Region().NumberOfVoxels()*img.Components {
		return fmt.Errorf("%w: %d values for %d voxels of %d components",
			ErrFormat, len(img.Data), img.Region().NumberOfVoxels(), img.Components)
	}

	if err := os.MkdirAll(filepath.Dir(headerPath), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(img.Data) * 8)
	if err := binary.Write(&buf, binary.LittleEndian, img.Data); err != nil {
		return fmt.Errorf("failed to write binary data: %w", err)
	}
	payload := buf.Bytes()

	h := Header{
		Version:    FormatVersion,
		Geometry:   img.Geometry,
		Components: img.Components,
		Encoding:   EncodingRaw,
		Checksum:   strconv.FormatUint(xxhash.Sum64(payload), 16),
	}

	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create encoder: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		enc.Close()
		h.Encoding = EncodingZstd
	}

	dataPath := DataPath(headerPath, opts.Compress)
	h.Data = filepath.Base(dataPath)

	out, err := yaml.Marshal(&h)
	if err != nil {
		return fmt.Errorf("error marshaling header: %w", err)
	}
	if err := os.WriteFile(dataPath, payload, 0644); err != nil {
		return fmt.Errorf("error writing data file: %w", err)
	}
	if err := os.WriteFile(headerPath, out, 0644); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	return nil
}

// ReadHeader parses and validates the header at path
func ReadHeader(path string) (*Header, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	var h Header
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, h.Version)
	}
	if h.Components <= 0 {
		return nil, fmt.Errorf("%w: components = %d", ErrFormat, h.Components)
	}
	if err := h.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	switch h.Encoding {
	case "":
		h.Encoding = EncodingRaw
	case EncodingRaw, EncodingZstd:
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrFormat, h.Encoding)
	}
	if h.Data == "" {
		h.Data = filepath.Base(DataPath(path, h.Encoding == EncodingZstd))
	}
	return &h, nil
}

// Read loads the image described by the header at path
func Read(path string) (*volume.Image, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}

	dataPath := h.Data
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(filepath.Dir(path), dataPath)
	}
	payload, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, fmt.Errorf("error reading data file: %w", err)
	}

	voxels := h.Geometry.Region.NumberOfVoxels()
	if voxels > math.MaxInt/8/h.Components {
		return nil, fmt.Errorf("%w: %d voxels of %d components is too large", ErrFormat, voxels, h.Components)
	}
	want := voxels * h.Components * 8

	if h.Encoding == EncodingZstd {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(want)))
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
		defer dec.Close()
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}

	// allocate only once the payload matches the header
	if len(payload) != want {
		return nil, fmt.Errorf("%w: payload has %d bytes, expected %d", ErrFormat, len(payload), want)
	}
	if h.Checksum != "" {
		if sum := strconv.FormatUint(xxhash.Sum64(payload), 16); sum != h.Checksum {
			return nil, fmt.Errorf("%w: checksum %s, header says %s", ErrFormat, sum, h.Checksum)
		}
	}

	img := volume.NewImage(h.Geometry, h.Components)
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, img.Data); err != nil {
		return nil, fmt.Errorf("failed to read binary data: %w", err)
	}
	return img, nil
}
