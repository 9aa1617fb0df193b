package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		asJSON   bool
		out      string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline and report detections",
		Long: "Run loads instrument files from the data directory (or synthetic data when there are none), " +
			"cleans, resamples and derives features, scores every record and explains the detections.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := a.wire(wireOptions{external: true, detectionsCSV: out})
			if err != nil {
				return err
			}
			defer func() {
				if err := w.Close(); err != nil {
					a.logger.WithError(err).Warn("failed to release connections")
				}
			}()

			runOnce := func() error {
				res, err := w.pipeline.Run(ctx, a.cfg.ScoringOptions())
				if err != nil {
					return err
				}
				report, err := newRunReport(ctx, res, w.board, a.cfg.Scoring.RecentLimit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				writeRunText(cmd.OutOrStdout(), report)
				return nil
			}

			if interval <= 0 {
				return runOnce()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := runOnce(); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					a.logger.WithFields(logrus.Fields{"error": err, "retry_in": interval}).Error("pipeline run failed")
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	fs := cmd.Flags()
	addPipelineFlags(fs)
	fs.Int("recent", 0, "number of recent detections to report")
	fs.String("redis-addr", "", "redis address for the shared status board")
	fs.StringSlice("kafka-brokers", nil, "kafka brokers for detection publishing")
	fs.String("kafka-topic", "", "kafka topic for detections")
	fs.String("store-path", "", "directory of the processed-series store")
	fs.String("metrics-addr", "", "address serving /metrics")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
	fs.StringVarP(&out, "out", "o", "", "write detections to this CSV file")
	fs.DurationVar(&interval, "interval", 0, "rerun the pipeline at this interval until interrupted")
	return cmd
}
