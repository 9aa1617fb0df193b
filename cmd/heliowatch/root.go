package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hed1ad/heliowatch/pkg/config"
)

// app is shared by every subcommand once the root has loaded configuration.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "heliowatch",
		Short:        "Detect anomalous solar wind intervals",
		Long:         "heliowatch cleans, resamples and scores solar wind plasma measurements and explains every detection.",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("data-dir", "", "directory searched for instrument CSV files")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return err
		}
		if err := applyFlags(cmd.Flags(), cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.cfg = cfg
		a.logger = cfg.NewLogger()
		return nil
	}

	root.AddCommand(
		newRunCmd(a),
		newScoreCmd(a),
		newExplainCmd(a),
		newGenerateCmd(a),
	)
	return root
}

// applyFlags copies every flag the user set over the environment values.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "data-dir":
			cfg.DataDir = f.Value.String()
		case "log-level":
			cfg.Log.Level = f.Value.String()
		case "log-format":
			cfg.Log.Format = f.Value.String()
		case "hours":
			cfg.SyntheticHours, err = fs.GetInt("hours")
		case "method":
			cfg.Cleaning.Method = f.Value.String()
		case "order":
			cfg.Cleaning.Order, err = fs.GetInt("order")
		case "drop-unresolved":
			cfg.Cleaning.DropUnresolved, err = fs.GetBool("drop-unresolved")
		case "cadence":
			cfg.Cadence, err = fs.GetDuration("cadence")
		case "window":
			cfg.Features.Window, err = fs.GetInt("window")
		case "threshold":
			cfg.Scoring.AlertThreshold, err = fs.GetFloat64("threshold")
		case "recent":
			cfg.Scoring.RecentLimit, err = fs.GetInt("recent")
		case "explain":
			cfg.Explain.Enabled, err = fs.GetBool("explain")
		case "samples":
			cfg.Explain.Samples, err = fs.GetInt("samples")
		case "redis-addr":
			cfg.Redis.Addr = f.Value.String()
		case "kafka-brokers":
			cfg.Kafka.Brokers, err = fs.GetStringSlice("kafka-brokers")
		case "kafka-topic":
			cfg.Kafka.Topic = f.Value.String()
		case "store-path":
			cfg.Storage.Path = f.Value.String()
		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()
		}
	})
	return err
}

// addPipelineFlags registers the flags shared by commands that run the pipeline.
func addPipelineFlags(fs *pflag.FlagSet) {
	fs.Int("hours", 0, "hours of synthetic data when no files are found")
	fs.String("method", "", "cleaning method (interpolate, ffill, bfill, drop)")
	fs.Int("order", 0, "interpolation order")
	fs.Bool("drop-unresolved", false, "drop rows with gaps interpolation cannot fill")
	fs.Duration("cadence", 0, "resampling cadence")
	fs.Int("window", 0, "rolling window in samples")
	fs.Float64("threshold", 0, "alert threshold in [0, 1]")
	fs.Bool("explain", false, "explain every detection during scoring")
	fs.Int("samples", 0, "coalitions evaluated per explanation")
}
