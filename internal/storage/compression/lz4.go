package compression

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct {
	level lz4.CompressionLevel
}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor(level Level) (*LZ4Compressor, error) {
	var lz4Level lz4.CompressionLevel

	switch level {
	case LevelFastest:
		lz4Level = lz4.Fast
	case LevelBest:
		lz4Level = lz4.Level9
	default:
		lz4Level = lz4.Level4
	}

	return &LZ4Compressor{level: lz4Level}, nil
}

// Algorithm returns the algorithm name
func (c *LZ4Compressor) Algorithm() Algorithm {
	return AlgorithmLZ4
}

// Compress compresses data using LZ4
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := lz4.NewWriter(&buf)
	if err := writer.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, err
	}

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress decompresses LZ4 data
func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

// Ensure LZ4Compressor implements Compressor
var _ Compressor = (*LZ4Compressor)(nil)
