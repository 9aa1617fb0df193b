// Package source supplies raw solar wind tables to the pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hed1ad/heliowatch/pkg/io/csv"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// ErrDataUnavailable is returned when a source finds no records.
var ErrDataUnavailable = errors.New("no source data available")

// Source loads a raw table.
type Source interface {
	Load(ctx context.Context) (*timeseries.Table, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context) (*timeseries.Table, error)

func (f Func) Load(ctx context.Context) (*timeseries.Table, error) {
	return f(ctx)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// DirSource loads every instrument file under a directory.
type DirSource struct {
	dir      string
	patterns []string
	logger   logrus.FieldLogger
}

// DirOption configures a DirSource.
type DirOption func(*DirSource)

// WithPatterns sets the file name globs to load. The default is *.csv.
func WithPatterns(patterns ...string) DirOption {
	return func(d *DirSource) {
		d.patterns = patterns
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) DirOption {
	return func(d *DirSource) {
		d.logger = l
	}
}

// NewDirSource creates a source over dir.
func NewDirSource(dir string, opts ...DirOption) *DirSource {
	d := &DirSource{
		dir:      dir,
		patterns: []string{"*.csv"},
		logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Files returns the matching files under the directory, sorted.
func (d *DirSource) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(d.dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		for _, p := range d.patterns {
			if ok, _ := filepath.Match(p, entry.Name()); ok {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Load reads and concatenates every file, sorted by time. Unreadable files
// are logged and skipped. ErrDataUnavailable is returned when no file yields
// a row.
func (d *DirSource) Load(ctx context.Context) (*timeseries.Table, error) {
	files, err := d.Files()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.dir, err)
	}

	var tables []*timeseries.Table
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := loadFile(path)
		if err != nil {
			d.logger.WithFields(logrus.Fields{"file": path, "error": err}).Warn("skipping unreadable file")
			continue
		}
		if t.Empty() {
			continue
		}
		d.logger.WithFields(logrus.Fields{"file": path, "rows": t.Len()}).Debug("loaded file")
		tables = append(tables, t)
	}

	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: %d files under %s", ErrDataUnavailable, len(files), d.dir)
	}
	return timeseries.Concat(tables...).Sorted(), nil
}

func loadFile(path string) (*timeseries.Table, error) {
	r, err := csv.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}

// Fallback loads from Primary and, when it reports ErrDataUnavailable,
// from Secondary. Other errors are returned unchanged.
type Fallback struct {
	Primary   Source
	Secondary Source
	Logger    logrus.FieldLogger
}

// Load implements Source.
func (f Fallback) Load(ctx context.Context) (*timeseries.Table, error) {
	t, err := f.Primary.Load(ctx)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrDataUnavailable) {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.WithField("reason", err.Error()).Warn("falling back to synthetic data")
	}
	return f.Secondary.Load(ctx)
}
