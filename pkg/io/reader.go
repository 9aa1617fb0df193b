// Package io provides input/output utilities for instrument data ingestion
// and detection delivery.
package io

import (
	"context"

	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// Reader is the interface for reading instrument data from various sources.
type Reader interface {
	// Read returns the complete dataset. A source with no recoverable
	// variables yields an empty table, not an error.
	Read() (*timeseries.Table, error)

	// Stream returns a channel of records for real-time processing.
	Stream(ctx context.Context) (<-chan timeseries.Record, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for delivering detections.
type Writer interface {
	// Write outputs a single detection.
	Write(ctx context.Context, d scoring.Detection) error

	// WriteAll outputs multiple detections.
	WriteAll(ctx context.Context, ds []scoring.Detection) error

	// Close releases resources.
	Close() error
}

// MultiWriter fans detections out to every writer, stopping at the first error.
type MultiWriter []Writer

func (m MultiWriter) Write(ctx context.Context, d scoring.Detection) error {
	for _, w := range m {
		if err := w.Write(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiWriter) WriteAll(ctx context.Context, ds []scoring.Detection) error {
	for _, w := range m {
		if err := w.WriteAll(ctx, ds); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiWriter) Close() error {
	var first error
	for _, w := range m {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
