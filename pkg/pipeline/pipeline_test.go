package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/heliowatch/pkg/config"
	"github.com/hed1ad/heliowatch/pkg/detectors/vae"
	"github.com/hed1ad/heliowatch/pkg/explain"
	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/source"
	"github.com/hed1ad/heliowatch/pkg/status"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

var t0 = time.Date(2024, 5, 10, 16, 0, 0, 0, time.UTC)

// windTable returns one row per minute near the scoring references, with the
// rows listed in storm replaced by a halo CME signature scoring 0.85.
func windTable(n int, storm ...int) *timeseries.Table {
	flagged := make(map[int]bool, len(storm))
	for _, i := range storm {
		flagged[i] = true
	}

	tbl := timeseries.New(features.Base...)
	for i := 0; i < n; i++ {
		density := 8 + 0.1*math.Sin(float64(i))
		row := map[string]float64{
			features.ProtonDensity:     density,
			features.AlphaDensity:      density * 0.04,
			features.ProtonVelocity:    400 + float64(i),
			features.ProtonTemperature: 100000,
		}
		if flagged[i] {
			row = map[string]float64{
				features.ProtonDensity:     20,
				features.AlphaDensity:      2,
				features.ProtonVelocity:    700,
				features.ProtonTemperature: 50000,
			}
		}
		tbl.Append(t0.Add(time.Duration(i)*time.Minute), row)
	}
	return tbl
}

func tableSource(t *timeseries.Table) source.Source {
	return source.Func(func(context.Context) (*timeseries.Table, error) {
		return t, nil
	})
}

func newPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithModelOptions(vae.WithHiddenDim(8), vae.WithSeed(7)),
		WithExplanation(ExplainSettings{Enabled: true, Samples: 64, Workers: 2, BackgroundSize: 20, Seed: 1}),
	}
	p, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return p
}

type fakeStore struct {
	tables     map[string]*timeseries.Table
	detections map[string][]scoring.Detection
	err        error
}

func (s *fakeStore) SaveTable(_ context.Context, runID string, t *timeseries.Table) error {
	if s.err != nil {
		return s.err
	}
	if s.tables == nil {
		s.tables = make(map[string]*timeseries.Table)
	}
	s.tables[runID] = t
	return nil
}

func (s *fakeStore) SaveDetections(_ context.Context, runID string, ds []scoring.Detection) error {
	if s.detections == nil {
		s.detections = make(map[string][]scoring.Detection)
	}
	s.detections[runID] = ds
	return nil
}

type fakePublisher struct {
	sent []scoring.Detection
	err  error
}

func (p *fakePublisher) Write(ctx context.Context, d scoring.Detection) error {
	return p.WriteAll(ctx, []scoring.Detection{d})
}

func (p *fakePublisher) WriteAll(_ context.Context, ds []scoring.Detection) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, ds...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestRunDetectsAndExplains(t *testing.T) {
	board := status.NewBoard()
	p := newPipeline(t,
		WithSource(tableSource(windTable(60, 50, 51, 52))),
		WithSink(board),
		WithRunIDGenerator(func() string { return "run-1" }),
	)

	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 60, res.Table.Len())
	require.Len(t, res.Scores, 60)
	require.Len(t, res.Detections, 3)

	for i, d := range res.Detections {
		assert.Equal(t, t0.Add(time.Duration(50+i)*time.Minute), d.Time)
		assert.Equal(t, scoring.HaloCME, d.Category)
		assert.InDelta(t, 0.85, d.Score, 1e-9)
		assert.Equal(t, 85, d.Confidence)
		assert.Equal(t, scoring.StatusConfirmed, d.Status)

		e := res.Explanations[d.ID]
		require.NotNil(t, e, "detection %d has no explanation", i)
		assert.InDelta(t, e.Value-e.Baseline, e.Sum(), 1e-6)
		assert.Len(t, e.Attributions, len(DefaultSchema()))
	}

	assert.Equal(t, scoring.Summary{Total: 3, TruePositives: 3, Precision: 100}, res.Summary)

	for _, rs := range res.Scores {
		assert.True(t, rs.Modelled())
		assert.GreaterOrEqual(t, rs.PhysicsPenalty, 0.0)
		assert.GreaterOrEqual(t, rs.ReconstructionError, 0.0)
	}

	steps := board.Steps()
	require.Len(t, steps, 4)
	for _, st := range steps {
		assert.Equal(t, status.StateCompleted, st.State, st.Stage)
		assert.Equal(t, 100, st.Progress)
		assert.Equal(t, "run-1", st.RunID)
	}
	assert.Equal(t, "Anomaly Scoring", steps[3].Name)
}

func TestRunReportsIntermediateProgress(t *testing.T) {
	var (
		states   []status.State
		progress []int
	)
	sink := status.SinkFunc(func(st status.StageStatus) {
		if st.Stage != StagePreprocessing {
			return
		}
		states = append(states, st.State)
		progress = append(progress, st.Progress)
	})

	p := newPipeline(t, WithSource(tableSource(windTable(20))), WithSink(sink))
	_, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []status.State{status.StateIdle, status.StateRunning, status.StateRunning, status.StateCompleted}, states)
	assert.Equal(t, []int{0, 0, 50, 100}, progress)
}

func TestRunIsReproducible(t *testing.T) {
	run := func() *Result {
		p := newPipeline(t, WithSource(tableSource(windTable(40, 30))))
		res, err := p.Run(context.Background(), scoring.DefaultOptions())
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	require.Len(t, a.Scores, len(b.Scores))
	for i := range a.Scores {
		assert.Equal(t, a.Scores[i].ReconstructionError, b.Scores[i].ReconstructionError)
		assert.Equal(t, a.Scores[i].Value, b.Scores[i].Value)
	}
}

func TestRunRequestThreshold(t *testing.T) {
	p := newPipeline(t, WithSource(tableSource(windTable(30, 10))))

	res, err := p.Run(context.Background(), scoring.Options{AlertThreshold: 0.9})
	require.NoError(t, err)
	assert.Empty(t, res.Detections)

	_, err = p.Run(context.Background(), scoring.Options{AlertThreshold: 1.5})
	assert.ErrorIs(t, err, scoring.ErrInvalidThreshold)
}

func TestRunStageFailure(t *testing.T) {
	cause := errors.New("instrument archive offline")

	tests := []struct {
		name    string
		src     source.Source
		ctx     func() context.Context
		wantErr error
		wantMsg string
	}{
		{
			name: "source error",
			src: source.Func(func(context.Context) (*timeseries.Table, error) {
				return nil, cause
			}),
			ctx:     context.Background,
			wantErr: cause,
		},
		{
			name: "panic",
			src: source.Func(func(context.Context) (*timeseries.Table, error) {
				panic("corrupt frame")
			}),
			ctx:     context.Background,
			wantMsg: "panic: corrupt frame",
		},
		{
			name: "cancelled",
			src:  tableSource(windTable(10)),
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			board := status.NewBoard()
			p := newPipeline(t, WithSource(tt.src), WithSink(board))

			res, err := p.Run(tt.ctx(), scoring.DefaultOptions())
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrStageFailed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.ErrorContains(t, err, tt.wantMsg)
			}

			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, StageIngestion, serr.Stage)

			ingest, ok := board.Get(StageIngestion)
			require.True(t, ok)
			assert.Equal(t, status.StateFailed, ingest.State)
			assert.NotEmpty(t, ingest.Error)

			cleaning, ok := board.Get(StageCleaning)
			require.True(t, ok)
			assert.Equal(t, status.StateIdle, cleaning.State, "later stages never start")
		})
	}
}

func TestRunSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p := newPipeline(t, WithSource(tableSource(windTable(20))), WithTracer(tp.Tracer("test")))
	_, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
		assert.NotEqual(t, codes.Error, s.Status().Code)
	}
	assert.Equal(t, []string{"pipeline.ingestion", "pipeline.cleaning", "pipeline.preprocessing", "pipeline.scoring"}, names)

	failing := newPipeline(t,
		WithSource(source.Func(func(context.Context) (*timeseries.Table, error) {
			return nil, source.ErrDataUnavailable
		})),
		WithTracer(tp.Tracer("test")),
	)
	_, err = failing.Run(context.Background(), scoring.DefaultOptions())
	require.Error(t, err)

	ended := rec.Ended()
	last := ended[len(ended)-1]
	assert.Equal(t, "pipeline.ingestion", last.Name())
	assert.Equal(t, codes.Error, last.Status().Code)
}

func TestRunStorageAndPublishing(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	board := status.NewBoard()
	p := newPipeline(t,
		WithSource(tableSource(windTable(30, 20))),
		WithStore(store),
		WithPublisher(pub),
		WithSink(board),
	)
	assert.Contains(t, p.Stages(), StageStorage)

	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)

	assert.Same(t, res.Table, store.tables[res.RunID])
	assert.Equal(t, res.Detections, store.detections[res.RunID])
	assert.Equal(t, res.Detections, pub.sent)

	st, ok := board.Get(StageStorage)
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, st.State)
}

func TestRunPublisherFailureIsNotFatal(t *testing.T) {
	p := newPipeline(t,
		WithSource(tableSource(windTable(30, 20))),
		WithPublisher(&fakePublisher{err: errors.New("broker down")}),
	)
	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, res.Detections, 1)
}

func TestRunStorageFailure(t *testing.T) {
	p := newPipeline(t,
		WithSource(tableSource(windTable(10))),
		WithStore(&fakeStore{err: errors.New("disk full")}),
	)
	_, err := p.Run(context.Background(), scoring.DefaultOptions())

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageStorage, serr.Stage)
}

func TestRunWithoutNormalBackground(t *testing.T) {
	storm := make([]int, 15)
	for i := range storm {
		storm[i] = i
	}
	p := newPipeline(t, WithSource(tableSource(windTable(15, storm...))))

	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err, "scoring survives missing explanations")
	require.Len(t, res.Detections, 15)
	for _, d := range res.Detections {
		e, ok := res.Explanations[d.ID]
		assert.True(t, ok)
		assert.Nil(t, e)
	}
}

func TestRunExplanationDisabled(t *testing.T) {
	p := newPipeline(t,
		WithSource(tableSource(windTable(30, 25))),
		WithExplanation(ExplainSettings{Enabled: false, Samples: 64, Workers: 1, BackgroundSize: 10}),
	)
	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Empty(t, res.Explanations)

	// on-demand explanation still works
	e, err := res.Explain(context.Background(), res.Detections[0].Time)
	require.NoError(t, err)
	assert.InDelta(t, e.Value-e.Baseline, e.Sum(), 1e-6)
}

func TestRunExplainsOnDemandByDefault(t *testing.T) {
	assert.False(t, DefaultExplainSettings().Enabled)

	p, err := New(
		WithSource(tableSource(windTable(30, 25))),
		WithModelOptions(vae.WithHiddenDim(8), vae.WithSeed(7)),
	)
	require.NoError(t, err)

	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Empty(t, res.Explanations)

	e, err := res.ExplainDetection(context.Background(), res.Detections[0])
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.InDelta(t, e.Value-e.Baseline, e.Sum(), 1e-6)
}

func TestResultExplain(t *testing.T) {
	p := newPipeline(t, WithSource(tableSource(windTable(30, 12))))
	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)

	e, err := res.Explain(context.Background(), t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.Confidence, 0.0)
	assert.LessOrEqual(t, e.Confidence, 1.0)

	_, err = res.Explain(context.Background(), t0.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestResultRecent(t *testing.T) {
	res := &Result{Detections: []scoring.Detection{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}}

	tests := []struct {
		n    int
		want []string
	}{
		{n: 0, want: nil},
		{n: 2, want: []string{"c", "d"}},
		{n: 3, want: []string{"b", "c", "d"}},
		{n: 10, want: []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		var got []string
		for _, d := range res.Recent(tt.n) {
			got = append(got, d.ID)
		}
		assert.Equal(t, tt.want, got, "n=%d", tt.n)
	}
}

func TestAssessQuality(t *testing.T) {
	tbl := timeseries.New("a", "b")
	tbl.Append(t0, map[string]float64{"a": 1, "b": timeseries.Missing()})
	tbl.Append(t0.Add(time.Minute), map[string]float64{"a": 2, "b": 3})

	q := AssessQuality(tbl)
	assert.InDelta(t, 25.0, q.MissingRate, 1e-9)
	assert.InDelta(t, 75.0, q.Completeness, 1e-9)
	assert.InDelta(t, 85.0, q.Score, 1e-9)

	empty := AssessQuality(timeseries.New())
	assert.Equal(t, 100.0, empty.Completeness)
	assert.Equal(t, 97.5, empty.Score)
}

func TestDetectorWithoutCompleteRows(t *testing.T) {
	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)

	tbl := timeseries.New(features.ProtonDensity)
	tbl.Append(t0, map[string]float64{features.ProtonDensity: 16})

	d, err := FitDetector(tbl, DefaultSchema(), scorer, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, d.Model())

	rs, err := d.Score(tbl.Record(0))
	require.NoError(t, err)
	assert.False(t, rs.Modelled())
	assert.InDelta(t, 0.3, rs.Value, 1e-9)

	_, err = d.ReconstructionError(tbl.Record(0))
	assert.ErrorIs(t, err, ErrNotModelled)

	err = d.PrepareExplainer(nil)
	assert.ErrorIs(t, err, explain.ErrExplanationUnavailable)
}

// constantModel returns trained weights whose decoder always outputs 0.5.
func constantModel(t *testing.T, dim int) *vae.Model {
	t.Helper()
	enc := vae.Encoder{
		Hidden: vae.Dense{W: mat.NewDense(2, dim, nil), B: mat.NewVecDense(2, nil), Act: vae.ReLU},
		Mean:   vae.Dense{W: mat.NewDense(1, 2, nil), B: mat.NewVecDense(1, nil), Act: vae.Identity},
		LogVar: vae.Dense{W: mat.NewDense(1, 2, nil), B: mat.NewVecDense(1, nil), Act: vae.Identity},
	}
	dec := vae.Decoder{
		Hidden: vae.Dense{W: mat.NewDense(2, 1, nil), B: mat.NewVecDense(2, nil), Act: vae.ReLU},
		Output: vae.Dense{W: mat.NewDense(dim, 2, nil), B: mat.NewVecDense(dim, nil), Act: vae.Sigmoid},
	}
	m, err := vae.FromWeights(enc, dec, vae.WithContamination(0.1))
	require.NoError(t, err)
	return m
}

func TestRunWithTrainedModel(t *testing.T) {
	model := constantModel(t, len(DefaultSchema()))
	p := newPipeline(t,
		WithSource(tableSource(windTable(40, 30))),
		WithModel(model),
	)

	res, err := p.Run(context.Background(), scoring.DefaultOptions())
	require.NoError(t, err)

	det := res.Detector()
	require.NotNil(t, det)
	assert.Same(t, model, det.Model())

	half := []float64{0.5, 0.5, 0.5, 0.5, 0.5}
	for i, rs := range res.Scores {
		x, err := det.Scaled(res.Table.Record(i))
		require.NoError(t, err)
		assert.InDelta(t, vae.MSE(x, half), rs.ReconstructionError, 1e-12, "row %d", i)
		assert.Equal(t, rs.ReconstructionError > model.Threshold(), rs.ModelAnomaly, "row %d", i)
		assert.InDelta(t, 0.0, rs.Regularization, 1e-12)
	}
	require.Len(t, res.Detections, 1)
}

func TestModelMustMatchSchema(t *testing.T) {
	model := constantModel(t, 3)

	_, err := New(WithModel(model))
	assert.ErrorIs(t, err, ErrModelSchema)

	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	_, err = FitDetector(windTable(10), DefaultSchema(), scorer, nil, model)
	assert.ErrorIs(t, err, ErrModelSchema)
}

func TestStride(t *testing.T) {
	rs := make([]timeseries.Record, 10)
	for i := range rs {
		rs[i] = timeseries.Record{Time: t0.Add(time.Duration(i) * time.Minute)}
	}

	got := stride(rs, 5)
	require.Len(t, got, 5)
	assert.Equal(t, rs[0].Time, got[0].Time)
	assert.Equal(t, rs[8].Time, got[4].Time)

	assert.Len(t, stride(rs, 20), 10)
	assert.Len(t, stride(rs, 0), 10)
}

func TestFromConfigFallsBackToSynthetic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SyntheticHours = 2
	cfg.Model.HiddenDim = 8
	cfg.Explain.Enabled = false

	opts, err := FromConfig(cfg, nil)
	require.NoError(t, err)

	p, err := New(opts...)
	require.NoError(t, err)

	res, err := p.Run(context.Background(), cfg.ScoringOptions())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Table.Len(), 119)
	assert.True(t, res.Table.HasColumn(features.AlphaProtonRatio))

	cfg.Cadence = 0
	_, err = FromConfig(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
