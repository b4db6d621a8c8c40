package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"modelresample/pkg/config"
	"modelresample/pkg/logging"
)

func NewRoot(ctx context.Context, gitsha string) *cobra.Command {
	var logCloser io.Closer
	cmd := &cobra.Command{
		Use:           "modelresample",
		Short:         "resample and reorient model images (tensors, vectors) through spatial transforms",
		Long:          "Resamples multi-component model images through affine, displacement or other transforms, reorienting every voxel by the local rotation of the transform.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			f := cmd.Flags()
			configPath, _ := f.GetString("config")
			cfg, cfgErr := config.LoadConfig(configPath)
			if cfgErr != nil {
				cfg = config.DefaultConfig()
			}

			logLevel := cfg.Logging.Level
			if f.Changed("log-level") {
				logLevel, _ = f.GetString("log-level")
			}
			if f.Changed("log-file") {
				cfg.Logging.File, _ = f.GetString("log-file")
			}
			if f.Changed("log-json") {
				cfg.Logging.JSON, _ = f.GetBool("log-json")
			}

			// Parse log level
			var level slog.Level
			levelErr := level.UnmarshalText([]byte(strings.ToUpper(logLevel)))
			if levelErr != nil {
				level = slog.LevelInfo
			}

			var w io.Writer
			w, logCloser = logging.Output(cmd.OutOrStdout(), logging.FileOptions{
				Path:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			})
			slog.SetDefault(logging.Logger(w, cfg.Logging.JSON, level))

			if levelErr != nil {
				slog.WarnContext(ctx, "Invalid log level, defaulting to INFO", "level", logLevel, "error", levelErr)
			}
			if cfgErr != nil {
				slog.WarnContext(ctx, "Ignoring configuration for logging", "config", configPath, "error", cfgErr)
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			printCommandTree(cmd, 0)
		},
	}
	cmd.AddCommand(
		NewVersionCmd(ctx, gitsha),
		NewInitConfigCmd(ctx),
		NewResampleCmd(ctx),
		NewCompareCmd(ctx),
	)
	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "YAML configuration file")
	pf.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("log-file", "", "Also write logs to this file, rotated by size")
	pf.Bool("log-json", false, "Write logs as JSON")
	return cmd
}

func printCommandTree(cmd *cobra.Command, indent int) {
	fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("\t", indent), cmd.Use+":", cmd.Short)
	for _, subCmd := range cmd.Commands() {
		printCommandTree(subCmd, indent+1)
	}
}

func NewVersionCmd(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "git sha for this build",
		Long:  "git sha for this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gitsha)
		},
	}
	return cmd
}

// NewInitConfigCmd writes the default configuration
func NewInitConfigCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-config PATH",
		Short: "write the default YAML configuration",
		Long:  "Writes the default configuration to PATH, refusing to overwrite an existing file unless --force is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			slog.InfoContext(ctx, "Default configuration written", "path", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}
