// Package timeseries provides the time-indexed numeric table shared by every
// pipeline stage.
//
// Missing values are stored as NaN. A Table never exposes its backing slices:
// accessors return copies so stages cannot mutate their inputs.
package timeseries

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrMalformedRecord indicates a record lacks a field a stage requires.
var ErrMalformedRecord = errors.New("malformed record")

// ErrLengthMismatch indicates a column does not match the table's row count.
var ErrLengthMismatch = errors.New("column length mismatch")

// RecordError describes a malformed record.
type RecordError struct {
	Row     int
	Time    time.Time
	Feature string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): missing required feature %q", e.Row, e.Time.Format(time.RFC3339), e.Feature)
}

func (e *RecordError) Unwrap() error {
	return ErrMalformedRecord
}

// Missing returns the value used to mark an absent sample.
func Missing() float64 {
	return math.NaN()
}

// IsMissing reports whether v marks an absent sample.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Table is an ordered-by-time sequence of records with named float columns.
type Table struct {
	index   []time.Time
	columns []string
	data    map[string][]float64
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	t := &Table{
		data: make(map[string][]float64, len(columns)),
	}
	for _, c := range columns {
		t.addColumn(c)
	}
	return t
}

func (t *Table) addColumn(name string) {
	if _, ok := t.data[name]; ok {
		return
	}
	col := make([]float64, len(t.index))
	for i := range col {
		col[i] = math.NaN()
	}
	t.columns = append(t.columns, name)
	t.data[name] = col
}

// Append adds a row. Columns absent from values are stored as missing;
// names not yet in the table are added as new columns.
func (t *Table) Append(ts time.Time, values map[string]float64) {
	for name := range values {
		if _, ok := t.data[name]; !ok {
			t.addColumn(name)
		}
	}
	t.index = append(t.index, ts)
	for _, name := range t.columns {
		v, ok := values[name]
		if !ok {
			v = math.NaN()
		}
		t.data[name] = append(t.data[name], v)
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.index)
}

// Empty reports whether the table has no rows or no columns.
func (t *Table) Empty() bool {
	return len(t.index) == 0 || len(t.columns) == 0
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// HasColumn reports whether name is a column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.data[name]
	return ok
}

// Index returns a copy of the timestamps.
func (t *Table) Index() []time.Time {
	out := make([]time.Time, len(t.index))
	copy(out, t.index)
	return out
}

// Time returns the timestamp of row i.
func (t *Table) Time(i int) time.Time {
	return t.index[i]
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]float64, bool) {
	col, ok := t.data[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(col))
	copy(out, col)
	return out, true
}

// Value returns the value of column name at row i.
func (t *Table) Value(i int, name string) float64 {
	col, ok := t.data[name]
	if !ok {
		return math.NaN()
	}
	return col[i]
}

// SetColumn replaces or appends a column. values is copied.
func (t *Table) SetColumn(name string, values []float64) error {
	if len(values) != len(t.index) {
		return fmt.Errorf("%w: column %q has %d values, table has %d rows",
			ErrLengthMismatch, name, len(values), len(t.index))
	}
	col := make([]float64, len(values))
	copy(col, values)
	if _, ok := t.data[name]; !ok {
		t.columns = append(t.columns, name)
	}
	t.data[name] = col
	return nil
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	c := &Table{
		index:   make([]time.Time, len(t.index)),
		columns: make([]string, len(t.columns)),
		data:    make(map[string][]float64, len(t.data)),
	}
	copy(c.index, t.index)
	copy(c.columns, t.columns)
	for name, col := range t.data {
		cp := make([]float64, len(col))
		copy(cp, col)
		c.data[name] = cp
	}
	return c
}

// Select returns a new table containing only the given rows, in order.
func (t *Table) Select(rows []int) *Table {
	s := New(t.columns...)
	s.index = make([]time.Time, 0, len(rows))
	for _, name := range t.columns {
		s.data[name] = make([]float64, 0, len(rows))
	}
	for _, r := range rows {
		s.index = append(s.index, t.index[r])
		for _, name := range t.columns {
			s.data[name] = append(s.data[name], t.data[name][r])
		}
	}
	return s
}

// Tail returns the last n rows.
func (t *Table) Tail(n int) *Table {
	if n >= len(t.index) {
		return t.Clone()
	}
	rows := make([]int, 0, n)
	for i := len(t.index) - n; i < len(t.index); i++ {
		rows = append(rows, i)
	}
	return t.Select(rows)
}

// Sorted returns a copy ordered by timestamp. Ties keep their relative order.
func (t *Table) Sorted() *Table {
	rows := make([]int, len(t.index))
	for i := range rows {
		rows[i] = i
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return t.index[rows[a]].Before(t.index[rows[b]])
	})
	return t.Select(rows)
}

// Record returns row i as a Record.
func (t *Table) Record(i int) Record {
	values := make(map[string]float64, len(t.columns))
	for _, name := range t.columns {
		values[name] = t.data[name][i]
	}
	return Record{Time: t.index[i], Values: values}
}

// Records returns every row as a Record.
func (t *Table) Records() []Record {
	out := make([]Record, len(t.index))
	for i := range t.index {
		out[i] = t.Record(i)
	}
	return out
}

// CountMissing returns the number of missing cells and the total cell count.
func (t *Table) CountMissing() (missing, total int) {
	for _, name := range t.columns {
		for _, v := range t.data[name] {
			if math.IsNaN(v) {
				missing++
			}
		}
	}
	return missing, len(t.index) * len(t.columns)
}

// Concat appends the rows of every table into a new table, unioning columns.
// The result is not re-sorted.
func Concat(tables ...*Table) *Table {
	out := New()
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, r := range t.Records() {
			out.Append(r.Time, r.Values)
		}
	}
	return out
}

// Record is one timestamped row.
type Record struct {
	Time   time.Time
	Values map[string]float64
}

// Get returns the value of name and whether it is present and not missing.
func (r Record) Get(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
