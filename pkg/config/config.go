// Package config loads pipeline settings from HELIOWATCH_* environment
// variables on top of built-in defaults.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/heliowatch/pkg/features"
	"github.com/hed1ad/heliowatch/pkg/physics"
	"github.com/hed1ad/heliowatch/pkg/preprocess"
	"github.com/hed1ad/heliowatch/pkg/scoring"
)

// Prefix is the environment variable prefix.
const Prefix = "heliowatch"

// Config holds the configuration for a pipeline run.
type Config struct {
	// DataDir is searched for instrument CSV files.
	DataDir string `split_words:"true"`
	// SyntheticHours of generated data are used when DataDir has none.
	SyntheticHours int `split_words:"true"`

	Cleaning CleaningConfig `envconfig:"CLEAN"`
	// Cadence is the resampling bin width.
	Cadence  time.Duration  `envconfig:"RESAMPLE_CADENCE"`
	Features FeatureConfig  `envconfig:"FEATURES"`
	Model    ModelConfig    `envconfig:"MODEL"`
	Physics  PhysicsConfig  `envconfig:"PHYSICS"`
	Scoring  ScoringConfig  `envconfig:"SCORING"`
	Explain  ExplainConfig  `envconfig:"EXPLAIN"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Kafka    KafkaConfig    `envconfig:"KAFKA"`
	Storage  StorageConfig  `envconfig:"STORAGE"`
	Log      LogConfig      `envconfig:"LOG"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `split_words:"true"`
}

// CleaningConfig controls missing-value handling.
type CleaningConfig struct {
	Method         string `split_words:"true"`
	Order          int    `split_words:"true"`
	DropUnresolved bool   `split_words:"true"`
}

// FeatureConfig controls derived columns.
type FeatureConfig struct {
	Window     int     `split_words:"true"`
	MinPeriods int     `split_words:"true"`
	Epsilon    float64 `split_words:"true"`
}

// ModelConfig sizes the reconstruction model.
type ModelConfig struct {
	LatentDim     int     `split_words:"true"`
	HiddenDim     int     `split_words:"true"`
	Contamination float64 `split_words:"true"`
	Seed          int64   `split_words:"true"`
}

// PhysicsConfig tunes the default constraint.
type PhysicsConfig struct {
	MaxAlphaProtonRatio float64 `split_words:"true"`
	Epsilon             float64 `split_words:"true"`
}

// ScoringConfig holds scoring defaults. The alert threshold here is only the
// default for requests that do not set one.
type ScoringConfig struct {
	AlertThreshold float64 `split_words:"true"`
	RecentLimit    int     `split_words:"true"`
}

// ExplainConfig controls attribution of detections. Enabled explains every
// detection during scoring; otherwise explanations are computed on request.
type ExplainConfig struct {
	Enabled        bool  `split_words:"true"`
	Samples        int   `split_words:"true"`
	Workers        int   `split_words:"true"`
	BackgroundSize int   `split_words:"true"`
	Seed           int64 `split_words:"true"`
}

// RedisConfig enables the redis status board when Addr is set.
type RedisConfig struct {
	Addr      string        `split_words:"true"`
	Password  string        `split_words:"true"`
	DB        int           `split_words:"true"`
	KeyPrefix string        `split_words:"true"`
	TTL       time.Duration `split_words:"true"`
}

// KafkaConfig enables detection publishing when Brokers is set.
type KafkaConfig struct {
	Brokers     []string `split_words:"true"`
	Topic       string   `split_words:"true"`
	Compression string   `split_words:"true"`
}

// StorageConfig enables the storage stage when Path is set.
type StorageConfig struct {
	Path             string `split_words:"true"`
	CompressionLevel int    `split_words:"true"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `split_words:"true"`
	Format string `split_words:"true"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	fc := features.DefaultConfig()
	return &Config{
		DataDir:        "./data",
		SyntheticHours: 24,
		Cleaning: CleaningConfig{
			Method: string(preprocess.MethodInterpolate),
			Order:  1,
		},
		Cadence: time.Minute,
		Features: FeatureConfig{
			Window:     fc.Window,
			MinPeriods: fc.MinPeriods,
			Epsilon:    fc.Epsilon,
		},
		Model: ModelConfig{
			LatentDim:     2,
			HiddenDim:     64,
			Contamination: 0.05,
			Seed:          42,
		},
		Physics: PhysicsConfig{
			MaxAlphaProtonRatio: physics.DefaultMaxAlphaProtonRatio,
			Epsilon:             physics.DefaultRatioEpsilon,
		},
		Scoring: ScoringConfig{
			AlertThreshold: scoring.DefaultAlertThreshold,
			RecentLimit:    3,
		},
		Explain: ExplainConfig{
			Enabled:        false,
			Samples:        512,
			Workers:        4,
			BackgroundSize: 50,
			Seed:           42,
		},
		Redis: RedisConfig{
			KeyPrefix: "heliowatch:pipeline",
			TTL:       24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic:       "heliowatch.detections",
			Compression: "snappy",
		},
		Storage: StorageConfig{
			CompressionLevel: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// It starts with default values and overrides them with environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, NewConfigError("environment", err.Error())
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.SyntheticHours < 0 {
		return NewConfigError("synthetic_hours", "must be >= 0")
	}

	if _, err := preprocess.ParseMethod(c.Cleaning.Method); err != nil {
		return NewConfigError("clean.method", err.Error())
	}

	if c.Cleaning.Order < 1 {
		return NewConfigError("clean.order", "must be >= 1")
	}

	if c.Cadence <= 0 {
		return NewConfigError("resample_cadence", "must be > 0")
	}

	if err := c.FeatureSet().Validate(); err != nil {
		return NewConfigError("features", err.Error())
	}

	if c.Model.LatentDim < 1 || c.Model.HiddenDim < 1 {
		return NewConfigError("model", "latent and hidden dimensions must be >= 1")
	}

	if c.Model.Contamination <= 0 || c.Model.Contamination >= 1 {
		return NewConfigError("model.contamination", "must be within (0, 1)")
	}

	if c.Physics.MaxAlphaProtonRatio <= 0 {
		return NewConfigError("physics.max_alpha_proton_ratio", "must be > 0")
	}

	if c.Physics.Epsilon < 0 {
		return NewConfigError("physics.epsilon", "must be >= 0")
	}

	if err := c.ScoringOptions().Validate(); err != nil {
		return NewConfigError("scoring.alert_threshold", err.Error())
	}

	if c.Scoring.RecentLimit < 0 {
		return NewConfigError("scoring.recent_limit", "must be >= 0")
	}

	if c.Explain.Samples < 1 || c.Explain.Workers < 1 || c.Explain.BackgroundSize < 1 {
		return NewConfigError("explain", "samples, workers and background size must be >= 1")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return NewConfigError("storage.compression_level", "must be within [1, 4]")
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return NewConfigError("kafka.topic", "topic cannot be empty")
	}

	validCompressions := map[string]bool{
		"none":   true,
		"gzip":   true,
		"snappy": true,
		"lz4":    true,
		"zstd":   true,
	}
	if !validCompressions[c.Kafka.Compression] {
		return NewConfigError("kafka.compression", "must be one of: none, gzip, snappy, lz4, zstd")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return NewConfigError("log.level", err.Error())
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return NewConfigError("log.format", "must be text or json")
	}

	return nil
}

// CleanerOptions returns the cleaner settings. Call Validate first.
func (c *Config) CleanerOptions() []preprocess.CleanOption {
	method, _ := preprocess.ParseMethod(c.Cleaning.Method)
	return []preprocess.CleanOption{
		preprocess.WithMethod(method),
		preprocess.WithOrder(c.Cleaning.Order),
		preprocess.WithDropUnresolved(c.Cleaning.DropUnresolved),
	}
}

// FeatureSet returns the derivation config with the configured window.
func (c *Config) FeatureSet() features.Config {
	fc := features.DefaultConfig()
	fc.Window = c.Features.Window
	fc.MinPeriods = c.Features.MinPeriods
	fc.Epsilon = c.Features.Epsilon
	return fc
}

// ScoringOptions returns the default per-request scoring options.
func (c *Config) ScoringOptions() scoring.Options {
	return scoring.Options{AlertThreshold: c.Scoring.AlertThreshold}
}

// PhysicsRegistry returns the constraint registry.
func (c *Config) PhysicsRegistry() *physics.Registry {
	r, _ := physics.NewRegistry(physics.AlphaProtonRatioRule(c.Physics.MaxAlphaProtonRatio, c.Physics.Epsilon))
	return r
}

// NewLogger builds a logger writing to stderr.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
