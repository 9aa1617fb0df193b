package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

type scoreReport struct {
	scoring.AnomalyScore
	Detection *scoring.Detection `json:"detection,omitempty"`
}

func newScoreCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		values = make(map[string]*float64, len(features.Base))
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a single set of plasma measurements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			row := make(map[string]float64, len(values))
			for name, v := range values {
				row[name] = *v
			}

			raw := timeseries.New(features.Base...)
			raw.Append(time.Now().UTC().Truncate(time.Second), row)

			deriver, err := features.NewDeriver(a.cfg.FeatureSet())
			if err != nil {
				return err
			}
			derived, err := deriver.Derive(raw)
			if err != nil {
				return err
			}

			scorer, err := scoring.New(scoring.DefaultConfig())
			if err != nil {
				return err
			}
			rec := derived.Record(0)
			report := scoreReport{AnomalyScore: scorer.Score(rec)}
			d, ok, err := scorer.Detect(rec, a.cfg.ScoringOptions())
			if err != nil {
				return err
			}
			if ok {
				report.Detection = &d
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			fmt.Fprintf(out, "score=%.3f category=%q\n", report.Value, report.Category)
			for _, name := range report.Contributors {
				fmt.Fprintf(out, "  %-20s %.3f\n", name, report.Terms[name])
			}
			if report.Detection != nil {
				writeDetectionText(out, *report.Detection)
			} else {
				fmt.Fprintf(out, "no detection at threshold %.2f\n", a.cfg.Scoring.AlertThreshold)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	values[features.ProtonDensity] = fs.Float64("density", 8.0, "proton density (cm^-3)")
	values[features.AlphaDensity] = fs.Float64("alpha", 0.32, "alpha density (cm^-3)")
	values[features.ProtonVelocity] = fs.Float64("velocity", 400.0, "proton bulk speed (km/s)")
	values[features.ProtonTemperature] = fs.Float64("temperature", 100000.0, "proton temperature (K)")
	fs.Float64("threshold", 0, "alert threshold in [0, 1]")
	fs.BoolVar(&asJSON, "json", false, "print the score as JSON")
	return cmd
}
