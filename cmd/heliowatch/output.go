package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hed1ad/heliowatch/pkg/explain"
	"github.com/hed1ad/heliowatch/pkg/pipeline"
	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/status"
)

type detectionReport struct {
	scoring.Detection
	Explanation *explain.Explanation `json:"explanation,omitempty"`
}

type runReport struct {
	RunID      string               `json:"run_id"`
	Rows       int                  `json:"rows"`
	Filled     int                  `json:"filled"`
	Unresolved int                  `json:"unresolved"`
	Dropped    int                  `json:"dropped"`
	Quality    pipeline.Quality     `json:"quality"`
	Summary    scoring.Summary      `json:"summary"`
	Recent     []detectionReport    `json:"recent_detections"`
	Stages     []status.StageStatus `json:"stages"`
	Duration   string               `json:"duration"`
}

func newRunReport(ctx context.Context, res *pipeline.Result, board *status.Board, recent int) (runReport, error) {
	r := runReport{
		RunID:      res.RunID,
		Rows:       res.Table.Len(),
		Filled:     res.Clean.Filled,
		Unresolved: res.Clean.UnresolvedCount(),
		Dropped:    res.Clean.Dropped,
		Quality:    res.Quality,
		Summary:    res.Summary,
		Stages:     board.Steps(),
		Duration:   res.Duration.Round(time.Millisecond).String(),
	}
	for _, d := range res.Recent(recent) {
		e, err := res.ExplainDetection(ctx, d)
		if err != nil {
			return runReport{}, err
		}
		r.Recent = append(r.Recent, detectionReport{Detection: d, Explanation: e})
	}
	return r, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRunText(w io.Writer, r runReport) {
	fmt.Fprintf(w, "Run %s: %d rows in %s\n", r.RunID, r.Rows, r.Duration)
	fmt.Fprintf(w, "  cleaning: %d filled, %d unresolved, %d dropped\n", r.Filled, r.Unresolved, r.Dropped)
	fmt.Fprintf(w, "  quality:  %.1f (missing %.2f%%)\n", r.Quality.Score, r.Quality.MissingRate)
	fmt.Fprintf(w, "  detections: %d (%d confirmed, precision %.1f%%)\n",
		r.Summary.Total, r.Summary.TruePositives, r.Summary.Precision)

	for _, st := range r.Stages {
		fmt.Fprintf(w, "  [%-9s] %-16s %3d%% %6d rows %10.0f rows/s\n",
			st.State, st.Name, st.Progress, st.Rows, st.Throughput)
	}

	if len(r.Recent) == 0 {
		return
	}
	fmt.Fprintln(w, "\nRecent detections:")
	for _, d := range r.Recent {
		writeDetectionText(w, d.Detection)
		writeExplanationText(w, d.Explanation, 3)
	}
}

func writeDetectionText(w io.Writer, d scoring.Detection) {
	fmt.Fprintf(w, "  %s  %-24s score=%.3f confidence=%d%% %s\n",
		d.Time.UTC().Format(time.RFC3339), d.Category, d.Score, d.Confidence, d.Status)
	fmt.Fprintf(w, "      reasons: %s\n", strings.Join(d.Reasons, "; "))
}

func writeExplanationText(w io.Writer, e *explain.Explanation, top int) {
	if e == nil {
		fmt.Fprintln(w, "      explanation: unavailable")
		return
	}
	parts := make([]string, 0, top)
	for _, a := range e.Top(top) {
		parts = append(parts, fmt.Sprintf("%s %+.4f", a.Feature, a.Value))
	}
	fmt.Fprintf(w, "      explanation: %s (baseline %.4f, confidence %.2f)\n",
		strings.Join(parts, ", "), e.Baseline, e.Confidence)
}
