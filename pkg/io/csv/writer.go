package csv

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

var detectionHeader = []string{"id", "timestamp", "type", "score", "confidence", "status", "reasons"}

// Writer writes detections as CSV rows.
type Writer struct {
	closer io.Closer
	writer *csv.Writer
}

// NewWriter creates a detection CSV file, writing the header row.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w, err := NewWriterTo(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

// NewWriterTo writes detections to dst, writing the header row.
func NewWriterTo(dst io.Writer) (*Writer, error) {
	w := &Writer{writer: csv.NewWriter(dst)}
	if err := w.writer.Write(detectionHeader); err != nil {
		return nil, err
	}
	return w, nil
}

// Write outputs a single detection.
func (w *Writer) Write(ctx context.Context, d scoring.Detection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.writer.Write(row(d)); err != nil {
		return err
	}
	w.writer.Flush()
	return w.writer.Error()
}

// WriteAll outputs multiple detections.
func (w *Writer) WriteAll(ctx context.Context, ds []scoring.Detection) error {
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writer.Write(row(d)); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes pending rows and releases resources.
func (w *Writer) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func row(d scoring.Detection) []string {
	return []string{
		d.ID,
		d.Time.UTC().Format(time.RFC3339),
		d.Category.String(),
		strconv.FormatFloat(d.Score, 'f', 4, 64),
		strconv.Itoa(d.Confidence),
		string(d.Status),
		strings.Join(d.Reasons, "; "),
	}
}

// WriteTable writes t with a leading timestamp column. Missing values are
// written as empty cells, which Reader reads back as missing.
func WriteTable(dst io.Writer, t *timeseries.Table) error {
	w := csv.NewWriter(dst)
	columns := t.Columns()
	if err := w.Write(append([]string{"timestamp"}, columns...)); err != nil {
		return err
	}

	rec := make([]string, len(columns)+1)
	for i := 0; i < t.Len(); i++ {
		rec[0] = t.Time(i).UTC().Format(time.RFC3339Nano)
		for j, name := range columns {
			v := t.Value(i, name)
			if timeseries.IsMissing(v) {
				rec[j+1] = ""
				continue
			}
			rec[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
