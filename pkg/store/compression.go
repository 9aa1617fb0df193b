package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses column blocks: delta-of-delta timestamps and XOR-encoded
// values, each zstd-compressed. Missing values (NaN) round-trip bit for bit.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec. Levels 1-4 map to fastest, default, better and
// best compression; anything else uses the default.
func NewCodec(level int) (*Codec, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// EncodeTimes compresses unix-nanosecond timestamps.
func (c *Codec) EncodeTimes(ts []int64) ([]byte, error) {
	if len(ts) == 0 {
		return nil, nil
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, ts[0]); err != nil {
		return nil, err
	}
	var prevDelta int64
	for i := 1; i < len(ts); i++ {
		delta := ts[i] - ts[i-1]
		if err := binary.Write(buf, binary.LittleEndian, delta-prevDelta); err != nil {
			return nil, err
		}
		prevDelta = delta
	}
	return c.encoder.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len())), nil
}

// DecodeTimes reverses EncodeTimes.
func (c *Codec) DecodeTimes(data []byte, count int) ([]int64, error) {
	if len(data) == 0 || count == 0 {
		return nil, nil
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	r := bytes.NewReader(raw)
	ts := make([]int64, count)
	if err := binary.Read(r, binary.LittleEndian, &ts[0]); err != nil {
		return nil, err
	}
	var prevDelta int64
	for i := 1; i < count; i++ {
		var dod int64
		if err := binary.Read(r, binary.LittleEndian, &dod); err != nil {
			return nil, err
		}
		delta := dod + prevDelta
		ts[i] = ts[i-1] + delta
		prevDelta = delta
	}
	return ts, nil
}

// EncodeValues compresses float values.
func (c *Codec) EncodeValues(values []float64) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}

	buf := new(bytes.Buffer)
	var prev uint64
	for _, v := range values {
		bits := math.Float64bits(v)
		if err := binary.Write(buf, binary.LittleEndian, bits^prev); err != nil {
			return nil, err
		}
		prev = bits
	}
	return c.encoder.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len())), nil
}

// DecodeValues reverses EncodeValues.
func (c *Codec) DecodeValues(data []byte, count int) ([]float64, error) {
	if len(data) == 0 || count == 0 {
		return nil, nil
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	r := bytes.NewReader(raw)
	values := make([]float64, count)
	var prev uint64
	for i := range values {
		var x uint64
		if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
			return nil, err
		}
		prev ^= x
		values[i] = math.Float64frombits(prev)
	}
	return values, nil
}

// Close releases the encoder and decoder.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
