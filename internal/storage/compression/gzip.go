package compression

import (
	"bytes"
	"compress/gzip"
	"io"
)

// GzipCompressor implements Gzip compression.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor creates a new Gzip compressor.
func NewGzipCompressor(level Level) (*GzipCompressor, error) {
	gzipLevel := gzip.DefaultCompression

	switch level {
	case LevelFastest:
		gzipLevel = gzip.BestSpeed
	case LevelBest:
		gzipLevel = gzip.BestCompression
	}

	return &GzipCompressor{level: gzipLevel}, nil
}

// Algorithm returns the algorithm name.
func (c *GzipCompressor) Algorithm() Algorithm {
	return AlgorithmGzip
}

// Compress compresses data using Gzip.
func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
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

// Decompress decompresses Gzip data.
func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Ensure GzipCompressor implements Compressor.
var _ Compressor = (*GzipCompressor)(nil)
