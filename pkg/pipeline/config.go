package pipeline

import (
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/heliowatch/pkg/config"
	"github.com/hed1ad/heliowatch/pkg/detectors/vae"
	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/preprocess"
	"github.com/hed1ad/heliowatch/pkg/source"
)

// FromConfig returns the options for the processing components described by
// cfg. Sinks, storage and publishing hold connections and are left to the
// caller. A nil logger discards output.
func FromConfig(cfg *config.Config, logger logrus.FieldLogger) ([]Option, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}

	deriver, err := features.NewDeriver(cfg.FeatureSet())
	if err != nil {
		return nil, err
	}

	src := source.Fallback{
		Primary:   source.NewDirSource(cfg.DataDir, source.WithLogger(logger)),
		Secondary: source.NewSynthetic(source.WithHours(cfg.SyntheticHours)),
		Logger:    logger,
	}

	return []Option{
		WithSource(src),
		WithCleaner(preprocess.NewCleaner(cfg.CleanerOptions()...)),
		WithResampler(preprocess.NewResampler(cfg.Cadence)),
		WithDeriver(deriver),
		WithPhysics(cfg.PhysicsRegistry()),
		WithModelOptions(
			vae.WithLatentDim(cfg.Model.LatentDim),
			vae.WithHiddenDim(cfg.Model.HiddenDim),
			vae.WithContamination(cfg.Model.Contamination),
			vae.WithSeed(cfg.Model.Seed),
		),
		WithExplanation(ExplainSettings{
			Enabled:        cfg.Explain.Enabled,
			Samples:        cfg.Explain.Samples,
			Workers:        cfg.Explain.Workers,
			BackgroundSize: cfg.Explain.BackgroundSize,
			Seed:           cfg.Explain.Seed,
		}),
		WithLogger(logger),
	}, nil
}
