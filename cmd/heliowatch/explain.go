package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/heliowatch/pkg/explain"
)

type explainReport struct {
	Time        time.Time            `json:"timestamp"`
	DetectionID string               `json:"detection_id,omitempty"`
	Explanation *explain.Explanation `json:"explanation"`
}

func newExplainCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		at     string
		top    int
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Attribute reconstruction errors to input features",
		Long: "Explain runs the pipeline and prints Kernel SHAP attributions of the model's reconstruction " +
			"error, either for the record at --at or for the most recent detections.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.wire(wireOptions{})
			if err != nil {
				return err
			}
			defer w.Close()

			res, err := w.pipeline.Run(cmd.Context(), a.cfg.ScoringOptions())
			if err != nil {
				return err
			}

			var reports []explainReport
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				e, err := res.Explain(cmd.Context(), ts)
				switch {
				case err == nil:
					reports = append(reports, explainReport{Time: ts, Explanation: &e})
				case errors.Is(err, explain.ErrExplanationUnavailable):
					a.logger.WithError(err).Warn("explanation unavailable")
					reports = append(reports, explainReport{Time: ts})
				default:
					return err
				}
			} else {
				for _, d := range res.Recent(a.cfg.Scoring.RecentLimit) {
					e, err := res.ExplainDetection(cmd.Context(), d)
					if err != nil {
						return err
					}
					reports = append(reports, explainReport{
						Time:        d.Time,
						DetectionID: d.ID,
						Explanation: e,
					})
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, reports)
			}
			if len(reports) == 0 {
				fmt.Fprintln(out, "no detections to explain")
				return nil
			}
			for _, r := range reports {
				fmt.Fprintf(out, "%s %s\n", r.Time.UTC().Format(time.RFC3339), r.DetectionID)
				writeExplanationText(out, r.Explanation, top)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	addPipelineFlags(fs)
	fs.Int("recent", 0, "number of recent detections to explain")
	fs.StringVar(&at, "at", "", "explain the record at this RFC3339 timestamp")
	fs.IntVar(&top, "top", 5, "attributions shown per record")
	fs.BoolVar(&asJSON, "json", false, "print explanations as JSON")
	return cmd
}
