// Package pipeline runs the solar wind anomaly pipeline: ingestion, cleaning,
// resampling and feature derivation, optional storage, and scoring with
// explanations for every detection.
//
// Stages run sequentially. Each one reports its progress to a status.Sink and
// opens a trace span; a stage that fails or panics aborts the run with a
// *StageError.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hed1ad/heliowatch/pkg/detectors/vae"
	"github.com/hed1ad/heliowatch/pkg/explain"
	"github.com/hed1ad/heliowatch/pkg/features"
	hio "github.com/hed1ad/heliowatch/pkg/io"
	"github.com/hed1ad/heliowatch/pkg/physics"
	"github.com/hed1ad/heliowatch/pkg/preprocess"
	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/source"
	"github.com/hed1ad/heliowatch/pkg/status"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

const tracerName = "github.com/hed1ad/heliowatch/pkg/pipeline"

// Stage identifiers.
const (
	StageIngestion     = "ingestion"
	StageCleaning      = "cleaning"
	StagePreprocessing = "preprocessing"
	StageStorage       = "storage"
	StageScoring       = "scoring"
)

var stageNames = map[string]string{
	StageIngestion:     "Data Ingestion",
	StageCleaning:      "Data Cleaning",
	StagePreprocessing: "Preprocessing",
	StageStorage:       "Storage",
	StageScoring:       "Anomaly Scoring",
}

// DefaultSchema is the model input: the instrument measurements and the
// alpha/proton ratio.
func DefaultSchema() timeseries.Schema {
	s := append(timeseries.Schema{}, features.Base...)
	return append(s, features.AlphaProtonRatio)
}

// Store persists processed tables and detections.
type Store interface {
	SaveTable(ctx context.Context, runID string, t *timeseries.Table) error
	SaveDetections(ctx context.Context, runID string, ds []scoring.Detection) error
}

// ExplainSettings controls attribution of detections.
type ExplainSettings struct {
	// Enabled explains every detection during scoring. Result.Explain works
	// either way.
	Enabled bool
	Samples int
	Workers int
	// BackgroundSize caps the number of normal records in the baseline set.
	BackgroundSize int
	Seed           int64
}

// DefaultExplainSettings returns attribution defaults.
func DefaultExplainSettings() ExplainSettings {
	return ExplainSettings{
		Enabled:        false,
		Samples:        512,
		Workers:        4,
		BackgroundSize: 50,
		Seed:           42,
	}
}

// Pipeline runs the anomaly pipeline.
type Pipeline struct {
	source    source.Source
	cleaner   *preprocess.Cleaner
	resampler *preprocess.Resampler
	deriver   *features.Deriver
	scorer    *scoring.Scorer
	physics   *physics.Registry
	schema    timeseries.Schema
	model     *vae.Model
	modelOpts []vae.Option
	explain   ExplainSettings

	sink      status.Sink
	store     Store
	publisher hio.Writer
	logger    logrus.FieldLogger
	tracer    trace.Tracer
	now       func() time.Time
	newRunID  func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSource sets where raw data comes from. The default generates 24 hours
// of synthetic data.
func WithSource(s source.Source) Option {
	return func(p *Pipeline) {
		p.source = s
	}
}

// WithCleaner sets the missing-value policy.
func WithCleaner(c *preprocess.Cleaner) Option {
	return func(p *Pipeline) {
		p.cleaner = c
	}
}

// WithResampler sets the cadence.
func WithResampler(r *preprocess.Resampler) Option {
	return func(p *Pipeline) {
		p.resampler = r
	}
}

// WithDeriver sets the derived feature set.
func WithDeriver(d *features.Deriver) Option {
	return func(p *Pipeline) {
		p.deriver = d
	}
}

// WithScorer sets the rule-based scorer.
func WithScorer(s *scoring.Scorer) Option {
	return func(p *Pipeline) {
		p.scorer = s
	}
}

// WithPhysics sets the constraint registry applied to reconstructions.
func WithPhysics(r *physics.Registry) Option {
	return func(p *Pipeline) {
		p.physics = r
	}
}

// WithSchema sets the model's feature order.
func WithSchema(s timeseries.Schema) Option {
	return func(p *Pipeline) {
		p.schema = s
	}
}

// WithModelOptions configures the reconstruction model built on every run.
func WithModelOptions(opts ...vae.Option) Option {
	return func(p *Pipeline) {
		p.modelOpts = opts
	}
}

// WithModel scores with a trained model instead of a freshly initialized one.
// Each run recalibrates its threshold on the processed table.
func WithModel(m *vae.Model) Option {
	return func(p *Pipeline) {
		p.model = m
	}
}

// WithExplanation sets attribution settings.
func WithExplanation(s ExplainSettings) Option {
	return func(p *Pipeline) {
		p.explain = s
	}
}

// WithSink sets the stage status sink.
func WithSink(s status.Sink) Option {
	return func(p *Pipeline) {
		p.sink = s
	}
}

// WithStore enables the storage stage.
func WithStore(s Store) Option {
	return func(p *Pipeline) {
		p.store = s
	}
}

// WithPublisher delivers detections after scoring.
func WithPublisher(w hio.Writer) Option {
	return func(p *Pipeline) {
		p.publisher = w
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithRunIDGenerator overrides how run IDs are generated.
func WithRunIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		p.newRunID = fn
	}
}

// New creates a Pipeline with default components for every option not given.
func New(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		source:    source.NewSynthetic(),
		cleaner:   preprocess.NewCleaner(),
		resampler: preprocess.NewResampler(time.Minute),
		physics:   physics.Default(),
		schema:    DefaultSchema(),
		explain:   DefaultExplainSettings(),
		sink:      status.Nop,
		logger:    discardLogger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.deriver == nil {
		d, err := features.NewDeriver(features.DefaultConfig())
		if err != nil {
			return nil, err
		}
		p.deriver = d
	}
	if p.scorer == nil {
		s, err := scoring.New(scoring.DefaultConfig())
		if err != nil {
			return nil, err
		}
		p.scorer = s
	}
	if len(p.schema) == 0 {
		return nil, errors.New("model schema cannot be empty")
	}
	if p.model != nil && p.model.InputDim() != len(p.schema) {
		return nil, fmt.Errorf("%w: model takes %d inputs, schema has %d features",
			ErrModelSchema, p.model.InputDim(), len(p.schema))
	}
	if p.logger == nil {
		p.logger = discardLogger()
	}
	return p, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Stages returns the stage identifiers in run order.
func (p *Pipeline) Stages() []string {
	if p.store == nil {
		return []string{StageIngestion, StageCleaning, StagePreprocessing, StageScoring}
	}
	return []string{StageIngestion, StageCleaning, StagePreprocessing, StageStorage, StageScoring}
}

// Run executes every stage with the request's scoring options.
func (p *Pipeline) Run(ctx context.Context, opts scoring.Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	runID := p.newRunID()
	res := &Result{
		RunID:        runID,
		StartedAt:    p.now(),
		Explanations: make(map[string]*explain.Explanation),
	}
	for _, id := range p.Stages() {
		p.sink.Report(status.StageStatus{RunID: runID, Stage: id, Name: stageNames[id], State: status.StateIdle})
	}

	var raw, cleaned *timeseries.Table

	err := p.runStage(ctx, runID, StageIngestion, func(ctx context.Context, _ progressFunc) (int, error) {
		var err error
		raw, err = p.source.Load(ctx)
		if err != nil {
			return 0, err
		}
		return raw.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	err = p.runStage(ctx, runID, StageCleaning, func(context.Context, progressFunc) (int, error) {
		var err error
		cleaned, res.Clean, err = p.cleaner.Clean(raw)
		if err != nil {
			return 0, err
		}
		return cleaned.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	err = p.runStage(ctx, runID, StagePreprocessing, func(_ context.Context, progress progressFunc) (int, error) {
		resampled, err := p.resampler.Resample(cleaned)
		if err != nil {
			return 0, err
		}
		progress(50, resampled.Len())
		res.Table, err = p.deriver.Derive(resampled)
		if err != nil {
			return 0, err
		}
		res.Quality = AssessQuality(res.Table)
		return res.Table.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	if p.store != nil {
		err = p.runStage(ctx, runID, StageStorage, func(ctx context.Context, _ progressFunc) (int, error) {
			return res.Table.Len(), p.store.SaveTable(ctx, runID, res.Table)
		})
		if err != nil {
			return nil, err
		}
	}

	err = p.runStage(ctx, runID, StageScoring, func(ctx context.Context, _ progressFunc) (int, error) {
		return res.Table.Len(), p.score(ctx, res, opts)
	})
	if err != nil {
		return nil, err
	}

	res.Summary = scoring.Summarize(res.Detections)
	res.Duration = p.now().Sub(res.StartedAt)

	if p.publisher != nil && len(res.Detections) > 0 {
		if err := p.publisher.WriteAll(ctx, res.Detections); err != nil {
			p.logger.WithFields(logrus.Fields{
				"run_id":     runID,
				"detections": len(res.Detections),
				"error":      err,
			}).Warn("failed to publish detections")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"rows":       res.Table.Len(),
		"detections": len(res.Detections),
		"duration":   res.Duration,
	}).Info("pipeline run completed")
	return res, nil
}

// progressFunc reports intermediate progress of a running stage.
type progressFunc func(percent, rows int)

// runStage executes fn as stage id. Failures and panics become a *StageError
// after the stage is reported as failed.
func (p *Pipeline) runStage(ctx context.Context, runID, id string, fn func(context.Context, progressFunc) (int, error)) (err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+id, trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("stage", id),
	))
	defer span.End()

	started := p.now()
	p.report(runID, id, status.StateRunning, 0, 0, started, nil)

	defer func() {
		if r := recover(); r != nil {
			err = p.fail(span, runID, id, started, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return p.fail(span, runID, id, started, err)
	}

	rows, err := fn(ctx, func(percent, n int) {
		p.report(runID, id, status.StateRunning, percent, n, started, nil)
	})
	if err != nil {
		return p.fail(span, runID, id, started, err)
	}

	span.SetAttributes(attribute.Int("rows", rows))
	p.report(runID, id, status.StateCompleted, 100, rows, started, nil)
	return nil
}

func (p *Pipeline) fail(span trace.Span, runID, id string, started time.Time, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	p.report(runID, id, status.StateFailed, 0, 0, started, cause)
	return &StageError{Stage: id, Err: cause}
}

func (p *Pipeline) report(runID, id string, state status.State, progress, rows int, started time.Time, cause error) {
	now := p.now()
	st := status.StageStatus{
		RunID:        runID,
		Stage:        id,
		Name:         stageNames[id],
		State:        state,
		Progress:     progress,
		Rows:         rows,
		LastActivity: now,
	}
	if elapsed := now.Sub(started).Seconds(); elapsed > 0 {
		st.Throughput = float64(rows) / elapsed
	}
	fields := logrus.Fields{
		"run_id":   runID,
		"stage":    id,
		"status":   state,
		"progress": progress,
		"rows":     rows,
	}
	if cause != nil {
		st.Error = cause.Error()
		fields["error"] = cause
		p.logger.WithFields(fields).Error("pipeline stage failed")
	} else {
		p.logger.WithFields(fields).Debug("pipeline stage")
	}
	p.sink.Report(st)
}

// score fits the detector on the processed table and scores every record.
func (p *Pipeline) score(ctx context.Context, res *Result, opts scoring.Options) error {
	det, err := FitDetector(res.Table, p.schema, p.scorer, p.physics, p.model, p.modelOpts...)
	if err != nil {
		return err
	}
	res.detector = det

	res.Scores = make([]RecordScore, 0, res.Table.Len())
	var normal []timeseries.Record
	var flagged []timeseries.Record
	for i := 0; i < res.Table.Len(); i++ {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		r := res.Table.Record(i)
		rs, err := det.Score(r)
		if err != nil {
			return err
		}
		res.Scores = append(res.Scores, rs)

		d, ok, err := p.scorer.DetectScore(rs.AnomalyScore, opts)
		if err != nil {
			return err
		}
		if !ok {
			if rs.Modelled() {
				normal = append(normal, r)
			}
			continue
		}
		res.Detections = append(res.Detections, d)
		flagged = append(flagged, r)
	}

	res.background = stride(normal, p.explain.BackgroundSize)
	res.explainOpts = []explain.Option{
		explain.WithSamples(p.explain.Samples),
		explain.WithWorkers(p.explain.Workers),
		explain.WithSeed(p.explain.Seed),
	}

	if p.explain.Enabled && len(flagged) > 0 {
		if err := p.explainAll(ctx, res, flagged); err != nil {
			return err
		}
	}

	if p.store != nil && len(res.Detections) > 0 {
		if err := p.store.SaveDetections(ctx, res.RunID, res.Detections); err != nil {
			return fmt.Errorf("failed to save detections: %w", err)
		}
	}
	return nil
}

// explainAll attributes every detection. An unavailable explanation is
// recorded as nil; anything else aborts scoring.
func (p *Pipeline) explainAll(ctx context.Context, res *Result, flagged []timeseries.Record) error {
	if err := res.detector.PrepareExplainer(res.background, res.explainOpts...); err != nil {
		if !errors.Is(err, explain.ErrExplanationUnavailable) {
			return err
		}
		p.logger.WithFields(logrus.Fields{
			"run_id": res.RunID,
			"reason": err.Error(),
		}).Warn("explanations unavailable")
		for _, d := range res.Detections {
			res.Explanations[d.ID] = nil
		}
		return nil
	}

	for i, d := range res.Detections {
		e, err := res.detector.Explain(ctx, flagged[i])
		switch {
		case err == nil:
			res.Explanations[d.ID] = &e
		case errors.Is(err, explain.ErrExplanationUnavailable):
			p.logger.WithFields(logrus.Fields{
				"run_id":       res.RunID,
				"detection_id": d.ID,
				"reason":       err.Error(),
			}).Warn("explanation unavailable")
			res.Explanations[d.ID] = nil
		default:
			return err
		}
	}
	return nil
}

// stride picks at most n records spread evenly over rs.
func stride(rs []timeseries.Record, n int) []timeseries.Record {
	if n <= 0 || len(rs) <= n {
		return rs
	}
	out := make([]timeseries.Record, n)
	step := float64(len(rs)) / float64(n)
	for i := range out {
		out[i] = rs[int(float64(i)*step)]
	}
	return out
}
