package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hed1ad/heliowatch/pkg/explain"
	"github.com/hed1ad/heliowatch/pkg/preprocess"
	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// Consistency is the fixed consistency component of the quality score.
const Consistency = 95.0

// Quality summarizes the processed table.
type Quality struct {
	// MissingRate is the percentage of missing cells.
	MissingRate  float64 `json:"missing_data_rate"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	// Score is the mean of completeness and consistency.
	Score float64 `json:"data_quality_score"`
}

// AssessQuality measures the missing-data rate of t.
func AssessQuality(t *timeseries.Table) Quality {
	q := Quality{Consistency: Consistency}
	missing, total := t.CountMissing()
	if total > 0 {
		q.MissingRate = float64(missing) / float64(total) * 100
	}
	q.Completeness = 100 - q.MissingRate
	q.Score = (q.Completeness + q.Consistency) / 2
	return q
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID string
	// Table is the resampled table with derived columns.
	Table *timeseries.Table
	Clean preprocess.CleanReport
	// Scores holds one entry per row of Table.
	Scores     []RecordScore
	Detections []scoring.Detection
	// Explanations maps a detection ID to its attribution when the run
	// explained detections eagerly; nil when none could be computed.
	Explanations map[string]*explain.Explanation
	Summary      scoring.Summary
	Quality      Quality
	StartedAt    time.Time
	Duration     time.Duration

	mu          sync.Mutex
	detector    *Detector
	background  []timeseries.Record
	explainOpts []explain.Option
}

// Detector returns the detector fitted during the run.
func (r *Result) Detector() *Detector {
	return r.detector
}

// Recent returns the last n detections, oldest first.
func (r *Result) Recent(n int) []scoring.Detection {
	if n <= 0 {
		return nil
	}
	if n > len(r.Detections) {
		n = len(r.Detections)
	}
	return append([]scoring.Detection(nil), r.Detections[len(r.Detections)-n:]...)
}

// Record returns the processed record at t.
func (r *Result) Record(at time.Time) (timeseries.Record, error) {
	for i, ts := range r.Table.Index() {
		if ts.Equal(at) {
			return r.Table.Record(i), nil
		}
	}
	return timeseries.Record{}, fmt.Errorf("%w: %s", ErrNoRecord, at.Format(time.RFC3339))
}

// Explain attributes the reconstruction error of the record at t, flagged or
// not, against the run's background set of normal records.
func (r *Result) Explain(ctx context.Context, at time.Time) (explain.Explanation, error) {
	rec, err := r.Record(at)
	if err != nil {
		return explain.Explanation{}, err
	}

	r.mu.Lock()
	if r.detector == nil {
		r.mu.Unlock()
		return explain.Explanation{}, fmt.Errorf("%w: run was not scored", explain.ErrExplanationUnavailable)
	}
	if r.detector.explainer == nil {
		if err := r.detector.PrepareExplainer(r.background, r.explainOpts...); err != nil {
			r.mu.Unlock()
			return explain.Explanation{}, err
		}
	}
	r.mu.Unlock()

	return r.detector.Explain(ctx, rec)
}

// ExplainDetection returns the attribution of d, computing it on demand when
// the run did not. An unavailable explanation is reported as nil.
func (r *Result) ExplainDetection(ctx context.Context, d scoring.Detection) (*explain.Explanation, error) {
	if e, ok := r.Explanations[d.ID]; ok {
		return e, nil
	}
	e, err := r.Explain(ctx, d.Time)
	switch {
	case err == nil:
		return &e, nil
	case errors.Is(err, explain.ErrExplanationUnavailable):
		return nil, nil
	default:
		return nil, err
	}
}
