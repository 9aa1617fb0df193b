package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	csvio "github.com/hed1ad/heliowatch/pkg/io/csv"
	"github.com/hed1ad/heliowatch/pkg/source"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		end  string
		seed int64
		out  string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write synthetic solar wind data as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []source.SyntheticOption{source.WithHours(a.cfg.SyntheticHours)}
			if end != "" {
				ts, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				opts = append(opts, source.WithEnd(ts.UTC()))
			}
			if cmd.Flags().Changed("seed") {
				opts = append(opts, source.WithRand(rand.New(rand.NewSource(seed))))
			}

			var dst io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}

			t := source.NewSynthetic(opts...).Generate()
			if err := csvio.WriteTable(dst, t); err != nil {
				return err
			}
			a.logger.WithField("rows", t.Len()).Info("synthetic data written")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.Int("hours", 0, "hours of one-minute samples")
	fs.StringVar(&end, "end", "", "RFC3339 timestamp of the last sample (default now)")
	fs.Int64Var(&seed, "seed", 0, "noise seed (default random)")
	fs.StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
