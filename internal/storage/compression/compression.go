// Package compression compresses upload plaintext before it is encrypted.
//
// Ciphertext does not compress, so compression happens on the extracted
// file bytes and the result is framed with a one-byte algorithm tag:
//
//	tag(1) | payload
//
// Supported algorithms:
//
//   - Zstandard (zstd): best ratio with fast decompression (default)
//   - LZ4: fastest, moderate ratio
//   - Gzip: wide compatibility
//
// A payload is stored uncompressed (tag 0) when it is below MinSize or
// when compression would not make it smaller.
package compression

import (
	"errors"
	"fmt"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// AlgorithmNone disables compression
	AlgorithmNone Algorithm = "none"
	// AlgorithmZstd uses Zstandard compression (recommended)
	AlgorithmZstd Algorithm = "zstd"
	// AlgorithmLZ4 uses LZ4 compression (faster, less compression)
	AlgorithmLZ4 Algorithm = "lz4"
	// AlgorithmGzip uses Gzip compression (widely compatible)
	AlgorithmGzip Algorithm = "gzip"
)

// Frame tags.
const (
	tagNone byte = iota
	tagZstd
	tagLZ4
	tagGzip
)

// Level represents compression level
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

// ErrCorruptFrame is returned when a frame cannot be decoded.
var ErrCorruptFrame = errors.New("corrupt compression frame")

// Config holds compression configuration
type Config struct {
	// Algorithm to use for compression
	Algorithm Algorithm `mapstructure:"algorithm" json:"algorithm" yaml:"algorithm"`
	// Level controls compression ratio vs speed trade-off
	Level Level `mapstructure:"level" json:"level" yaml:"level"`
	// MinSize is the minimum payload size to compress (bytes)
	MinSize int `mapstructure:"min_size" json:"min_size" yaml:"min_size"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmZstd,
		Level:     LevelDefault,
		MinSize:   1024, // 1KB minimum
	}
}

// Compressor handles compression/decompression
type Compressor interface {
	// Compress compresses data and returns compressed bytes
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses data and returns original bytes
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the algorithm name
	Algorithm() Algorithm
}

// Codec frames payloads with the configured compressor.
type Codec struct {
	compressor Compressor
	decoders   map[byte]Compressor
	minSize    int
}

// NewCodec creates a codec. Frames written by any supported algorithm can
// be decoded regardless of the configured one.
func NewCodec(cfg Config) (*Codec, error) {
	zstdComp, err := NewZstdCompressor(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	lz4Comp, _ := NewLZ4Compressor(cfg.Level)
	gzipComp, _ := NewGzipCompressor(cfg.Level)

	c := &Codec{
		minSize: cfg.MinSize,
		decoders: map[byte]Compressor{
			tagZstd: zstdComp,
			tagLZ4:  lz4Comp,
			tagGzip: gzipComp,
		},
	}

	switch cfg.Algorithm {
	case AlgorithmNone, "":
	case AlgorithmZstd:
		c.compressor = zstdComp
	case AlgorithmLZ4:
		c.compressor = lz4Comp
	case AlgorithmGzip:
		c.compressor = gzipComp
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", cfg.Algorithm)
	}

	return c, nil
}

// Algorithm returns the configured algorithm.
func (c *Codec) Algorithm() Algorithm {
	if c.compressor == nil {
		return AlgorithmNone
	}

	return c.compressor.Algorithm()
}

// Encode returns a framed payload.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if c.compressor != nil && len(data) >= c.minSize {
		compressed, err := c.compressor.Compress(data)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}

		// Only use compression if it actually reduces size
		if len(compressed) < len(data) {
			return append([]byte{tagFor(c.compressor.Algorithm())}, compressed...), nil
		}
	}

	return append([]byte{tagNone}, data...), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrCorruptFrame
	}

	tag, payload := frame[0], frame[1:]
	if tag == tagNone {
		return payload, nil
	}

	dec, ok := c.decoders[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tag %d", ErrCorruptFrame, tag)
	}

	out, err := dec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}

	return out, nil
}

func tagFor(alg Algorithm) byte {
	switch alg {
	case AlgorithmZstd:
		return tagZstd
	case AlgorithmLZ4:
		return tagLZ4
	case AlgorithmGzip:
		return tagGzip
	default:
		return tagNone
	}
}
