// Package store persists processed solar wind tables and detections in an
// embedded badger database.
//
// Each table column is split into one-hour blocks keyed by run, feature and
// block start, and every block is compressed with Codec.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hed1ad/heliowatch/pkg/scoring"
	"github.com/hed1ad/heliowatch/pkg/timeseries"
)

// ErrRunNotFound is returned when no table was saved for a run.
var ErrRunNotFound = errors.New("run not found")

const blockSize = time.Hour

var (
	runPrefix       = []byte("runs/")
	seriesPrefix    = []byte("series/")
	detectionPrefix = []byte("detections/")
)

// Config holds storage configuration.
type Config struct {
	Path             string
	CompressionLevel int
	// InMemory keeps everything in memory and ignores Path.
	InMemory bool
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Path:             "./data",
		CompressionLevel: 3,
	}
}

// RunInfo describes a saved table.
type RunInfo struct {
	RunID   string    `json:"run_id"`
	Columns []string  `json:"columns"`
	Rows    int       `json:"rows"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	SavedAt time.Time `json:"saved_at"`
}

type blockPayload struct {
	Count  int
	Times  []byte
	Values []byte
}

// Store is a badger-backed table and detection store.
type Store struct {
	db    *badger.DB
	codec *Codec
	now   func() time.Time
}

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	codec, err := NewCodec(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}
	return &Store{db: db, codec: codec, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.codec.Close()
	return s.db.Close()
}

// SaveTable writes t under runID, replacing any earlier table for that run.
func (s *Store) SaveTable(ctx context.Context, runID string, t *timeseries.Table) error {
	info := RunInfo{
		RunID:   runID,
		Columns: t.Columns(),
		Rows:    t.Len(),
		SavedAt: s.now().UTC(),
	}
	if !t.Empty() {
		info.Start = t.Time(0)
		info.End = t.Time(t.Len() - 1)
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}

	if err := s.deletePrefix(ctx, seriesKeyPrefix(runID, "")); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	index := t.Index()
	for _, col := range info.Columns {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, _ := t.Column(col)
		for block, rows := range groupByBlock(index) {
			payload, err := s.encodeBlock(index, values, rows)
			if err != nil {
				return fmt.Errorf("failed to encode %s block: %w", col, err)
			}
			if err := wb.Set(seriesKey(runID, col, block), payload); err != nil {
				return err
			}
		}
	}
	if err := wb.Set(runKey(runID), meta); err != nil {
		return err
	}
	return wb.Flush()
}

func (s *Store) encodeBlock(index []time.Time, values []float64, rows []int) ([]byte, error) {
	ts := make([]int64, len(rows))
	vs := make([]float64, len(rows))
	for i, r := range rows {
		ts[i] = index[r].UnixNano()
		vs[i] = values[r]
	}
	ct, err := s.codec.EncodeTimes(ts)
	if err != nil {
		return nil, err
	}
	cv, err := s.codec.EncodeValues(vs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockPayload{Count: len(rows), Times: ct, Values: cv})
}

// groupByBlock maps each block start to the rows it holds, in row order.
func groupByBlock(index []time.Time) map[int64][]int {
	blocks := make(map[int64][]int)
	for i, ts := range index {
		b := ts.Truncate(blockSize).Unix()
		blocks[b] = append(blocks[b], i)
	}
	return blocks
}

// LoadTable reads the table saved under runID.
func (s *Store) LoadTable(ctx context.Context, runID string) (*timeseries.Table, error) {
	info, err := s.Run(runID)
	if err != nil {
		return nil, err
	}

	rows := make(map[int64]map[string]float64)
	err = s.db.View(func(txn *badger.Txn) error {
		for _, col := range info.Columns {
			prefix := seriesKeyPrefix(runID, col)
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
				var payload blockPayload
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &payload)
				})
				if err != nil {
					it.Close()
					return fmt.Errorf("failed to unmarshal block: %w", err)
				}
				if err := s.decodeBlock(payload, col, rows); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stamps := make([]int64, 0, len(rows))
	for ts := range rows {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	t := timeseries.New(info.Columns...)
	for _, ts := range stamps {
		t.Append(time.Unix(0, ts).UTC(), rows[ts])
	}
	return t, nil
}

func (s *Store) decodeBlock(p blockPayload, col string, rows map[int64]map[string]float64) error {
	ts, err := s.codec.DecodeTimes(p.Times, p.Count)
	if err != nil {
		return fmt.Errorf("failed to decompress times: %w", err)
	}
	vs, err := s.codec.DecodeValues(p.Values, p.Count)
	if err != nil {
		return fmt.Errorf("failed to decompress values: %w", err)
	}
	for i, at := range ts {
		row, ok := rows[at]
		if !ok {
			row = make(map[string]float64)
			rows[at] = row
		}
		row[col] = vs[i]
	}
	return nil
}

// Run returns the metadata of a saved table.
func (s *Store) Run(runID string) (RunInfo, error) {
	var info RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return info, err
}

// Runs lists every saved run, most recently saved first.
func (s *Store) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: runPrefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			var info RunInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			runs = append(runs, info)
		}
		return nil
	})
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].SavedAt.After(runs[j].SavedAt) })
	return runs, err
}

// SaveDetections stores detections under runID, keyed by detection ID.
func (s *Store) SaveDetections(ctx context.Context, runID string, ds []scoring.Detection) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal detection: %w", err)
		}
		if err := wb.Set(detectionKey(runID, d), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Detections returns the detections stored under runID in time order.
func (s *Store) Detections(ctx context.Context, runID string) ([]scoring.Detection, error) {
	prefix := append(append([]byte{}, detectionPrefix...), runID+"/"...)
	var out []scoring.Detection
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d scoring.Detection
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (s *Store) deletePrefix(ctx context.Context, prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func runKey(runID string) []byte {
	return append(append([]byte{}, runPrefix...), runID...)
}

func seriesKeyPrefix(runID, feature string) []byte {
	buf := new(bytes.Buffer)
	buf.Write(seriesPrefix)
	buf.WriteString(runID)
	buf.WriteByte('/')
	if feature != "" {
		buf.WriteString(feature)
		buf.WriteByte('/')
	}
	return buf.Bytes()
}

func seriesKey(runID, feature string, block int64) []byte {
	buf := bytes.NewBuffer(seriesKeyPrefix(runID, feature))
	binary.Write(buf, binary.BigEndian, block)
	return buf.Bytes()
}

// detectionKey orders detections by time within a run.
func detectionKey(runID string, d scoring.Detection) []byte {
	buf := new(bytes.Buffer)
	buf.Write(detectionPrefix)
	buf.WriteString(runID)
	buf.WriteByte('/')
	binary.Write(buf, binary.BigEndian, d.Time.UnixNano())
	buf.WriteByte('/')
	buf.WriteString(d.ID)
	return buf.Bytes()
}
