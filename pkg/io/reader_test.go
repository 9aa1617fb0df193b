package io_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hio "github.com/hed1ad/heliowatch/pkg/io"
	"github.com/hed1ad/heliowatch/pkg/io/csv"
	"github.com/hed1ad/heliowatch/pkg/scoring"
)

type failingWriter struct {
	closed bool
}

func (f *failingWriter) Write(context.Context, scoring.Detection) error {
	return errors.New("sink offline")
}

func (f *failingWriter) WriteAll(context.Context, []scoring.Detection) error {
	return errors.New("sink offline")
}

func (f *failingWriter) Close() error {
	f.closed = true
	return errors.New("close failed")
}

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer
	wa, err := csv.NewWriterTo(&a)
	require.NoError(t, err)
	wb, err := csv.NewWriterTo(&b)
	require.NoError(t, err)

	d := scoring.Detection{
		ID:       "d1",
		Time:     time.Date(2024, 5, 10, 17, 0, 0, 0, time.UTC),
		Category: scoring.ICMESheath,
		Score:    0.62,
		Reasons:  []string{scoring.GenericReason},
	}

	m := hio.MultiWriter{wa, wb}
	require.NoError(t, m.Write(context.Background(), d))
	require.NoError(t, m.WriteAll(context.Background(), []scoring.Detection{d}))
	require.NoError(t, m.Close())

	for _, buf := range []*bytes.Buffer{&a, &b} {
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Len(t, lines, 3)
	}
}

func TestMultiWriterStopsAtFirstError(t *testing.T) {
	var buf bytes.Buffer
	w, err := csv.NewWriterTo(&buf)
	require.NoError(t, err)
	bad := &failingWriter{}

	m := hio.MultiWriter{bad, w}
	err = m.WriteAll(context.Background(), []scoring.Detection{{ID: "x"}})
	assert.ErrorContains(t, err, "sink offline")

	// Close reaches every writer and reports the first failure
	assert.ErrorContains(t, m.Close(), "close failed")
	assert.True(t, bad.closed)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"), "only the header was written")
}
