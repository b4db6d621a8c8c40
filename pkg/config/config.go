// Package config provides configuration loading and management for modelresample.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"modelresample/pkg/reorient"
	"modelresample/pkg/resample"
	"modelresample/pkg/transform"
	"modelresample/pkg/volume"
	"modelresample/pkg/volumeio"
)

// Transform types understood by BuildTransform
const (
	TransformIdentity     = "identity"
	TransformAffine       = "affine"
	TransformDisplacement = "displacement"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines resample the output volume
		NumWorkers int `yaml:"numWorkers"`

		// FiniteStrainReorientation reduces local Jacobians to rotations
		FiniteStrainReorientation bool `yaml:"finiteStrainReorientation"`

		// ZeroThreshold is the tolerance used to detect background voxels
		ZeroThreshold float64 `yaml:"zeroThreshold"`
	} `yaml:"processing"`

	// Model parameters
	Model struct {
		// Family selects the reorientation: tensor, vectors or scalar
		Family string `yaml:"family"`

		// PreserveNorm keeps vector lengths when reorienting vectors
		PreserveNorm bool `yaml:"preserveNorm"`
	} `yaml:"model"`

	// Transform parameters
	Transform struct {
		// Type is identity, affine or displacement
		Type string `yaml:"type"`

		// Matrix is the row-major linear part of an affine transform
		Matrix []float64 `yaml:"matrix"`

		// Translation of an affine transform in mm
		Translation []float64 `yaml:"translation"`

		// Center of rotation of an affine transform in mm
		Center []float64 `yaml:"center"`

		// Field is the header path of a displacement field volume
		Field string `yaml:"field"`

		// Nonlinear forces local Jacobian estimation for affine transforms
		Nonlinear bool `yaml:"nonlinear"`
	} `yaml:"transform"`

	// Output parameters
	Output struct {
		// ExtractSlices saves JPEG slices of the resampled volume
		ExtractSlices bool `yaml:"extractSlices"`

		// SlicesDir is the directory receiving the slices
		SlicesDir string `yaml:"slicesDir"`

		// Axis along which slices are taken: x, y or z
		Axis string `yaml:"axis"`

		// Map selects what slices show: component, fa or dec
		Map string `yaml:"map"`

		// Format of the slice files: jpeg or tiff
		Format string `yaml:"format"`

		// Component is the component shown when Map is component
		Component int `yaml:"component"`

		// Compress stores the resampled volume with zstd
		Compress bool `yaml:"compress"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is DEBUG, INFO, WARN or ERROR
		Level string `yaml:"level"`

		// File receives logs in addition to stdout when set
		File string `yaml:"file"`

		// MaxSizeMB is the size at which the log file is rotated
		MaxSizeMB int `yaml:"maxSizeMB"`

		// MaxBackups is the number of rotated files kept
		MaxBackups int `yaml:"maxBackups"`

		// JSON switches to JSON formatted logs
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.FiniteStrainReorientation = true
	cfg.Processing.ZeroThreshold = 0

	cfg.Model.Family = "tensor"

	cfg.Transform.Type = TransformIdentity

	// Set default output parameters
	cfg.Output.ExtractSlices = false
	cfg.Output.SlicesDir = "resampled_slices"
	cfg.Output.Axis = "z"
	cfg.Output.Map = "component"
	cfg.Output.Format = "jpeg"

	cfg.Logging.Level = "INFO"
	cfg.Logging.MaxSizeMB = 50
	cfg.Logging.MaxBackups = 3

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// LogLevel parses Logging.Level, falling back to INFO
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Reorienter returns the model family configured in Model
func (c *Config) Reorienter() (reorient.Family, error) {
	family, err := reorient.ForName(c.Model.Family)
	if err != nil {
		return nil, err
	}
	if v, ok := family.(*reorient.Vectors); ok {
		v.PreserveNorm = c.Model.PreserveNorm
	}
	return family, nil
}

// BuildTransform creates the transform described by the Transform section.
// Relative field paths are resolved against baseDir.
func (c *Config) BuildTransform(baseDir string) (transform.Transform, error) {
	var t transform.Transform

	switch strings.ToLower(c.Transform.Type) {
	case "", TransformIdentity:
		t = transform.Identity()

	case TransformAffine:
		a := transform.Identity()
		if len(c.Transform.Matrix) > 0 {
			if len(c.Transform.Matrix) != volume.Dimension*volume.Dimension {
				return nil, fmt.Errorf("affine matrix needs %d values, got %d", volume.Dimension*volume.Dimension, len(c.Transform.Matrix))
			}
			for i := 0; i < volume.Dimension; i++ {
				for j := 0; j < volume.Dimension; j++ {
					a.M[i][j] = c.Transform.Matrix[i*volume.Dimension+j]
				}
			}
		}
		if err := copyVector(a.Translation[:], c.Transform.Translation, "translation"); err != nil {
			return nil, err
		}
		if err := copyVector(a.Center[:], c.Transform.Center, "center"); err != nil {
			return nil, err
		}
		t = a

	case TransformDisplacement:
		if c.Transform.Field == "" {
			return nil, fmt.Errorf("displacement transform needs a field")
		}
		path := c.Transform.Field
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		field, err := volumeio.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load displacement field: %w", err)
		}
		d, err := transform.NewDisplacementField(field)
		if err != nil {
			return nil, err
		}
		return d, nil

	default:
		return nil, fmt.Errorf("unknown transform type: %q", c.Transform.Type)
	}

	if c.Transform.Nonlinear {
		t = transform.Nonlinear(t)
	}
	return t, nil
}

func copyVector(dst, src []float64, name string) error {
	if len(src) == 0 {
		return nil
	}
	if len(src) != len(dst) {
		return fmt.Errorf("%s needs %d values, got %d", name, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// ResampleParams converts the processing section into resampler parameters.
// Transform, reorienter and output geometry are left to the caller.
func (c *Config) ResampleParams() resample.Params {
	p := resample.DefaultParams()
	if c.Processing.NumWorkers > 0 {
		p.NumWorkers = c.Processing.NumWorkers
	}
	p.FiniteStrainReorientation = c.Processing.FiniteStrainReorientation
	p.ZeroThreshold = c.Processing.ZeroThreshold
	return p
}
