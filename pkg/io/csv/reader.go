// Package csv reads instrument data exported as CSV into time-indexed tables.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// TimeFields are the header names recognized as the time index, matched
// case-insensitively.
var TimeFields = []string{"epoch", "timestamp", "time"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Reader reads data from CSV files.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	timeCol   int
	start     time.Time
	cadence   time.Duration
	row       int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// WithPositionalIndex sets the index used when the file has no time field:
// row i is stamped start + i*cadence.
func WithPositionalIndex(start time.Time, cadence time.Duration) Option {
	return func(r *Reader) {
		r.start = start
		r.cadence = cadence
	}
}

// NewReader creates a new CSV reader.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := newReader(file, opts...)
	r.file = file
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewReaderFrom creates a reader over an arbitrary stream.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	r := newReader(src, opts...)
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

func newReader(src io.Reader, opts ...Option) *Reader {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	r := &Reader{
		reader:    cr,
		hasHeader: true,
		timeCol:   -1,
		start:     time.Unix(0, 0).UTC(),
		cadence:   time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) readHeader() error {
	if !r.hasHeader {
		return nil
	}
	headers, err := r.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	r.headers = headers
	for i, h := range headers {
		if isTimeField(h) {
			r.timeCol = i
			break
		}
	}
	return nil
}

func isTimeField(name string) bool {
	name = strings.TrimSpace(name)
	for _, f := range TimeFields {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// HasTimeField reports whether a recognized time column was found.
func (r *Reader) HasTimeField() bool {
	return r.timeCol >= 0
}

// Read returns all data as a table. Rows with an unparsable time are skipped,
// unparsable values become missing, and columns with no numeric value at all
// are dropped. When nothing is recoverable the table is empty.
func (r *Reader) Read() (*timeseries.Table, error) {
	var records []timeseries.Record
	seen := make(map[string]bool)
	width := len(r.headers)

	for {
		fields, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue // Skip malformed rows
			}
			return nil, err
		}

		rec, ok := r.parseRow(fields)
		if !ok {
			continue
		}
		width = max(width, len(fields))
		for name, v := range rec.Values {
			if !math.IsNaN(v) {
				seen[name] = true
			}
		}
		records = append(records, rec)
	}

	var cols []string
	for i := 0; i < width; i++ {
		if name := r.columnName(i); i != r.timeCol && seen[name] {
			cols = append(cols, name)
		}
	}
	if len(cols) == 0 {
		return timeseries.New(), nil
	}

	t := timeseries.New(cols...)
	for _, rec := range records {
		values := make(map[string]float64, len(cols))
		for _, c := range cols {
			v, ok := rec.Values[c]
			if !ok {
				v = timeseries.Missing()
			}
			values[c] = v
		}
		t.Append(rec.Time, values)
	}
	return t.Sorted(), nil
}

// Stream returns a channel of records for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan timeseries.Record, error) {
	out := make(chan timeseries.Record, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				fields, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					continue
				}

				rec, ok := r.parseRow(fields)
				if !ok {
					continue
				}

				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// parseRow converts one CSV row into a record.
func (r *Reader) parseRow(fields []string) (timeseries.Record, bool) {
	if len(fields) == 0 {
		return timeseries.Record{}, false
	}

	var ts time.Time
	if r.timeCol >= 0 {
		if r.timeCol >= len(fields) {
			return timeseries.Record{}, false
		}
		parsed, err := parseTime(fields[r.timeCol])
		if err != nil {
			return timeseries.Record{}, false
		}
		ts = parsed
	} else {
		ts = r.start.Add(time.Duration(r.row) * r.cadence)
	}
	r.row++

	values := make(map[string]float64, len(fields))
	for i, field := range fields {
		if i == r.timeCol {
			continue
		}
		values[r.columnName(i)] = parseValue(field)
	}
	return timeseries.Record{Time: ts, Values: values}, true
}

func (r *Reader) columnName(i int) string {
	if i < len(r.headers) {
		return strings.TrimSpace(r.headers[i])
	}
	return "col" + strconv.Itoa(i)
}

func parseValue(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(f, 0) {
		return timeseries.Missing()
	}
	return f
}

// parseTime accepts RFC 3339 style timestamps or unix seconds.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
