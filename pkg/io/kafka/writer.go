// Package kafka publishes detections to a Kafka topic as JSON messages keyed
// by detection ID.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/hed1ad/heliowatch/pkg/scoring"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("writer closed")

// MessageWriter is the subset of *kafka.Writer used to publish.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds producer settings.
type Config struct {
	Brokers      []string
	Topic        string
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultConfig returns producer defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "heliowatch.detections",
		Compression:  "snappy",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

// NewKafkaWriter builds a *kafka.Writer from cfg.
func NewKafkaWriter(cfg Config) (*kafka.Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var codec kafka.Compression
	switch cfg.Compression {
	case "none":
		codec = kafka.Compression(0)
	case "gzip":
		codec = compress.Gzip
	case "lz4":
		codec = compress.Lz4
	case "zstd":
		codec = compress.Zstd
	default:
		codec = compress.Snappy
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Compression:  codec,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}, nil
}

// Writer publishes detections.
type Writer struct {
	mu     sync.RWMutex
	w      MessageWriter
	closed bool
}

// NewWriter creates a detection writer over a Kafka producer.
func NewWriter(w MessageWriter) *Writer {
	return &Writer{w: w}
}

// Dial builds a producer from cfg and wraps it.
func Dial(cfg Config) (*Writer, error) {
	kw, err := NewKafkaWriter(cfg)
	if err != nil {
		return nil, err
	}
	return NewWriter(kw), nil
}

// Write publishes a single detection.
func (w *Writer) Write(ctx context.Context, d scoring.Detection) error {
	return w.WriteAll(ctx, []scoring.Detection{d})
}

// WriteAll publishes detections in one batch.
func (w *Writer) WriteAll(ctx context.Context, ds []scoring.Detection) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	if len(ds) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(ds))
	for i, d := range ds {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal detection: %w", err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(d.ID),
			Value: data,
			Time:  d.Time,
			Headers: []kafka.Header{
				{Key: "category", Value: []byte(d.Category.String())},
				{Key: "status", Value: []byte(d.Status)},
			},
		}
	}
	if err := w.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d detections: %w", len(msgs), err)
	}
	return nil
}

// Close flushes and closes the producer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.w.Close()
}
