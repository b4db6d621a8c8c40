package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/spf13/cobra"

	"modelresample/pkg/config"
	"modelresample/pkg/logging"
	"modelresample/pkg/metrics"
	"modelresample/pkg/resample"
	"modelresample/pkg/visualization"
	"modelresample/pkg/volumeio"
)

// NewResampleCmd creates the resample cobra command
func NewResampleCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resample",
		Short: "resample and reorient a model image",
		Long:  "Reads a model image, resamples it through the configured transform onto the reference grid and writes the reoriented result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("workers") {
				cfg.Processing.NumWorkers, _ = f.GetInt("workers")
			}
			if f.Changed("finite-strain") {
				cfg.Processing.FiniteStrainReorientation, _ = f.GetBool("finite-strain")
			}
			if f.Changed("model") {
				cfg.Model.Family, _ = f.GetString("model")
			}
			if f.Changed("transform-field") {
				cfg.Transform.Type = config.TransformDisplacement
				cfg.Transform.Field, _ = f.GetString("transform-field")
			}
			if f.Changed("compress") {
				cfg.Output.Compress, _ = f.GetBool("compress")
			}
			if f.Changed("extract-slices") {
				cfg.Output.ExtractSlices = true
				cfg.Output.SlicesDir, _ = f.GetString("extract-slices")
			}

			input, _ := f.GetString("input")
			output, _ := f.GetString("output")
			reference, _ := f.GetString("reference")
			if input == "" || output == "" {
				return fmt.Errorf("--input and --output are required")
			}

			baseDir := ""
			if configPath != "" && !f.Changed("transform-field") {
				baseDir = filepath.Dir(configPath)
			}
			return runResample(ctx, cfg, resampleFiles{
				Input:     input,
				Output:    output,
				Reference: reference,
				BaseDir:   baseDir,
			})
		},
	}

	pf := cmd.Flags()
	pf.StringP("input", "i", "", "input model image header")
	pf.StringP("output", "o", "", "output model image header")
	pf.String("reference", "", "image header whose grid is used for the output (default: input grid)")
	pf.String("transform-field", "", "displacement field header, overrides the configured transform")
	pf.Int("workers", 0, "number of workers (default: configuration value)")
	pf.Bool("finite-strain", true, "reorient with the rotational part of the local Jacobian")
	pf.String("model", "", "model family: tensor, vectors or scalar")
	pf.String("extract-slices", "", "save slices of the result to this directory")
	pf.Bool("compress", false, "store the output payload with zstd")
	return cmd
}

type resampleFiles struct {
	Input     string
	Output    string
	Reference string
	// BaseDir resolves relative paths found in the configuration
	BaseDir string
}

func runResample(ctx context.Context, cfg *config.Config, files resampleFiles) error {
	ctx = logging.AppendCtx(ctx, slog.String("run", uuid.NewString()))

	img, err := volumeio.Read(files.Input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	slog.InfoContext(ctx, "Input loaded",
		"path", files.Input,
		"size", img.Region().Size,
		"components", img.Components)

	family, err := cfg.Reorienter()
	if err != nil {
		return err
	}
	if !family.Accepts(img.Components) {
		return fmt.Errorf("model family %s cannot reorient %d components", cfg.Model.Family, img.Components)
	}

	trsf, err := cfg.BuildTransform(files.BaseDir)
	if err != nil {
		return err
	}

	params := cfg.ResampleParams()
	params.Transform = trsf
	params.Reorienter = family
	params.OutputGeometry = img.Geometry
	params.Logger = slog.Default()
	if files.Reference != "" {
		ref, err := volumeio.ReadHeader(files.Reference)
		if err != nil {
			return fmt.Errorf("failed to read reference: %w", err)
		}
		params.OutputGeometry = ref.Geometry
	}

	outBytes := uint64(params.OutputGeometry.Region.NumberOfVoxels()) * uint64(img.Components) * 8
	if total := memory.TotalMemory(); total > 0 && outBytes > total/2 {
		slog.WarnContext(ctx, "Output volume needs more than half of physical memory",
			"outputMiB", outBytes/1024/1024, "totalMiB", total/1024/1024)
	}

	r := resample.NewResampler(params)
	start := time.Now()
	out, err := r.Resample(ctx, img)
	if err != nil {
		return fmt.Errorf("resampling failed: %w", err)
	}

	stats := r.Stats()
	summary := metrics.Summarize(out, cfg.Processing.ZeroThreshold)
	slog.InfoContext(ctx, "Resampling completed",
		"seconds", time.Since(start).Seconds(),
		"workers", stats.Workers,
		"linear", stats.Linear,
		"outside", stats.Outside,
		"reoriented", stats.Reoriented,
		"foreground", summary.Foreground)
	for k, c := range summary.Components {
		slog.DebugContext(ctx, "Component summary",
			"component", k, "mean", c.Mean, "std", c.StdDev, "min", c.Min, "max", c.Max)
	}

	if err := volumeio.WriteOptions(files.Output, out, volumeio.Options{Compress: cfg.Output.Compress}); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	slog.InfoContext(ctx, "Output saved", "path", files.Output)

	if cfg.Output.ExtractSlices {
		viewer, err := visualization.NewViewer(out, cfg.Output.Map, cfg.Output.Component)
		if err != nil {
			return err
		}
		viewer.Format = cfg.Output.Format
		slicesDir := cfg.Output.SlicesDir
		if !filepath.IsAbs(slicesDir) {
			slicesDir = filepath.Join(filepath.Dir(files.Output), slicesDir)
		}
		if err := viewer.SaveSliceSequence(cfg.Output.Axis, slicesDir); err != nil {
			slog.WarnContext(ctx, "Failed to save slices", "dir", slicesDir, "error", err)
		} else {
			slog.InfoContext(ctx, "Slices saved", "dir", slicesDir, "axis", cfg.Output.Axis)
		}
	}
	return nil
}
