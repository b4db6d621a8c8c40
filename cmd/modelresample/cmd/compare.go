package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"modelresample/pkg/metrics"
	"modelresample/pkg/volumeio"
)

// NewCompareCmd reports how closely two model images agree, e.g. the
// linear and the locally linearised resampling of the same affine transform
func NewCompareCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare A B",
		Short: "compare two model images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := volumeio.Read(args[0])
			if err != nil {
				return err
			}
			b, err := volumeio.Read(args[1])
			if err != nil {
				return err
			}
			c, err := metrics.Compare(a, b)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "RMSE: %.6g\n", c.RMSE)
			fmt.Fprintf(out, "Max abs difference: %.6g\n", c.MaxAbsDiff)
			fmt.Fprintf(out, "Correlation: %.6f\n", c.Correlation)
			fmt.Fprintf(out, "Mismatched voxels: %d\n", c.Mismatched)

			tol, _ := cmd.Flags().GetFloat64("tolerance")
			if tol > 0 && (c.MaxAbsDiff > tol || c.Mismatched > 0) {
				return fmt.Errorf("images differ by %g (tolerance %g)", c.MaxAbsDiff, tol)
			}
			return nil
		},
	}
	cmd.Flags().Float64("tolerance", 0, "fail when the max abs difference exceeds this value")
	return cmd
}
