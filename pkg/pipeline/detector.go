package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/hed1ad/heliowatch/pkg/detectors/vae"
	"github.com/hed1ad/heliowatch/pkg/explain"
	"github.com/hed1ad/heliowatch/pkg/physics"
	"github.com/hed1ad/heliowatch/pkg/preprocess"
	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// RecordScore is the full scoring result for one processed record.
type RecordScore struct {
	scoring.AnomalyScore
	// ReconstructionError is the model's mean squared error on the scaled
	// record, or NaN when a schema feature was missing.
	ReconstructionError float64 `json:"-"`
	// Regularization is the KL term of the reconstruction.
	Regularization float64 `json:"regularization"`
	// PhysicsPenalty scores the reconstruction in physical units.
	PhysicsPenalty float64 `json:"physics_penalty"`
	// ModelAnomaly reports a reconstruction error above the calibrated threshold.
	ModelAnomaly bool `json:"model_anomaly"`
}

// Modelled reports whether the reconstruction model scored the record.
func (s RecordScore) Modelled() bool {
	return !math.IsNaN(s.ReconstructionError)
}

// Detector bundles the scaler, reconstruction model and rule-based scorer
// fitted on one processed table.
type Detector struct {
	schema    timeseries.Schema
	scaler    *preprocess.MinMaxScaler
	model     *vae.Model
	physics   *physics.Registry
	scorer    *scoring.Scorer
	explainer *explain.Explainer
}

// FitDetector scales t onto the schema and calibrates a reconstruction model
// on it. A non-nil model, typically built with vae.FromWeights, is calibrated
// as is and modelOpts are ignored; otherwise a fresh model is created from
// modelOpts. A table without a single complete row yields a detector that
// scores records by rules only.
func FitDetector(t *timeseries.Table, schema timeseries.Schema, scorer *scoring.Scorer, reg *physics.Registry, model *vae.Model, modelOpts ...vae.Option) (*Detector, error) {
	if model != nil && model.InputDim() != len(schema) {
		return nil, fmt.Errorf("%w: model takes %d inputs, schema has %d features",
			ErrModelSchema, model.InputDim(), len(schema))
	}
	d := &Detector{schema: schema, physics: reg, scorer: scorer}

	rows, _, _ := schema.Matrix(t)
	if len(rows) == 0 {
		return d, nil
	}

	d.scaler = preprocess.FitMinMax(t, schema...)
	scaled, err := d.scaleAll(rows)
	if err != nil {
		return nil, err
	}

	if model == nil {
		model, err = vae.New(len(schema), modelOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create model: %w", err)
		}
	}
	if err := model.Calibrate(scaled); err != nil {
		return nil, fmt.Errorf("failed to calibrate model: %w", err)
	}
	d.model = model
	return d, nil
}

func (d *Detector) scaleAll(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		v, err := d.scaler.TransformVector(d.schema, row)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Schema returns the model's feature order.
func (d *Detector) Schema() timeseries.Schema {
	return d.schema
}

// Model returns the calibrated reconstruction model, or nil.
func (d *Detector) Model() *vae.Model {
	return d.model
}

// Scaled projects r onto the schema and scales it into the model's range.
func (d *Detector) Scaled(r timeseries.Record) ([]float64, error) {
	if d.model == nil {
		return nil, ErrNotModelled
	}
	v, err := d.schema.Vector(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotModelled, err)
	}
	return d.scaler.TransformVector(d.schema, v)
}

// ReconstructionError returns the model error for a record in physical units.
func (d *Detector) ReconstructionError(r timeseries.Record) (float64, error) {
	x, err := d.Scaled(r)
	if err != nil {
		return 0, err
	}
	return d.model.ReconstructionError(x)
}

// Score combines the rule-based score with the model and physics signals.
func (d *Detector) Score(r timeseries.Record) (RecordScore, error) {
	rs := RecordScore{
		AnomalyScore:        d.scorer.Score(r),
		ReconstructionError: math.NaN(),
	}

	x, err := d.Scaled(r)
	if err != nil {
		// the rule-based score stands on its own
		return rs, nil
	}

	rec, err := d.model.Reconstruct(x)
	if err != nil {
		return rs, err
	}
	rs.ReconstructionError = vae.MSE(x, rec.Output)
	rs.Regularization = rec.Regularization
	rs.ModelAnomaly = rs.ReconstructionError > d.model.Threshold()

	physical, err := d.scaler.InverseVector(d.schema, rec.Output)
	if err != nil {
		return rs, err
	}
	rs.PhysicsPenalty, err = d.physics.PenaltyOne(physical, d.schema)
	return rs, err
}

// PrepareExplainer builds the attribution engine over background, a set of
// records considered normal.
func (d *Detector) PrepareExplainer(background []timeseries.Record, opts ...explain.Option) error {
	if d.model == nil {
		return fmt.Errorf("%w: %w", explain.ErrExplanationUnavailable, ErrNotModelled)
	}

	var rows [][]float64
	for _, r := range background {
		x, err := d.Scaled(r)
		if err != nil {
			continue
		}
		rows = append(rows, x)
	}

	opts = append([]explain.Option{explain.WithFeatureNames(d.schema...)}, opts...)
	e, err := explain.New(d.model.ReconstructionError, rows, opts...)
	if err != nil {
		return err
	}
	d.explainer = e
	return nil
}

// Explain attributes the reconstruction error of r to its features.
func (d *Detector) Explain(ctx context.Context, r timeseries.Record) (explain.Explanation, error) {
	if d.explainer == nil {
		return explain.Explanation{}, fmt.Errorf("%w: explainer not prepared", explain.ErrExplanationUnavailable)
	}
	x, err := d.Scaled(r)
	if err != nil {
		return explain.Explanation{}, fmt.Errorf("%w: %w", explain.ErrExplanationUnavailable, err)
	}
	return d.explainer.Explain(ctx, x)
}
