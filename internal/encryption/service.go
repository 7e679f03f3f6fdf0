// Package encryption provides authenticated encryption of stored files under
// a single process-wide key.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// formatVersion is the first byte of every ciphertext.
const formatVersion byte = 1

// headerSize is the version byte plus the algorithm byte.
const headerSize = 2

// Algorithm is the AEAD used for file data.
type Algorithm string

const (
	AlgorithmAES256GCM         Algorithm = "aes-256-gcm"
	AlgorithmXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

var algorithmIDs = map[Algorithm]byte{
	AlgorithmAES256GCM:         1,
	AlgorithmXChaCha20Poly1305: 2,
}

// Errors returned by the service.
var (
	ErrMissingKey = errors.New("encryption key is not configured")
	ErrInvalidKey = errors.New("encryption key must be url-safe base64 of 32 bytes")
	ErrIntegrity  = errors.New("ciphertext failed integrity check")
)

// Config holds encryption service configuration.
type Config struct {
	// Key is the url-safe base64 encoding of a 32 byte key.
	Key string `mapstructure:"key" yaml:"key"`

	// Algorithm selects the AEAD.
	Algorithm Algorithm `mapstructure:"algorithm" yaml:"algorithm"`

	// RequireKey makes a missing or malformed key a startup error instead
	// of falling back to an ephemeral key.
	RequireKey bool `mapstructure:"require_key" yaml:"require_key"`
}

// DefaultConfig returns a default encryption service configuration.
func DefaultConfig() Config {
	return Config{Algorithm: AlgorithmAES256GCM}
}

// Service encrypts and decrypts file bytes. It is safe for concurrent use.
type Service struct {
	aead      cipher.AEAD
	algorithm Algorithm
	keyID     string
	ephemeral bool
}

// New creates a service from configuration. When the key is absent or
// malformed and RequireKey is false, an ephemeral key is generated and a
// warning is logged: anything encrypted under it is lost on restart.
func New(cfg Config) (*Service, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmAES256GCM
	}

	if _, ok := algorithmIDs[cfg.Algorithm]; !ok {
		return nil, fmt.Errorf("unsupported encryption algorithm %q", cfg.Algorithm)
	}

	key, err := DecodeKey(cfg.Key)
	if err == nil {
		return NewWithKey(key, cfg.Algorithm)
	}

	if cfg.RequireKey {
		return nil, err
	}

	key, genErr := randomKey()
	if genErr != nil {
		return nil, fmt.Errorf("generate temporary key: %w", genErr)
	}

	svc, svcErr := NewWithKey(key, cfg.Algorithm)
	if svcErr != nil {
		return nil, svcErr
	}

	svc.ephemeral = true

	log.Error().
		Err(err).
		Str("key_id", svc.keyID).
		Str("algorithm", string(cfg.Algorithm)).
		Msg("USING TEMPORARY ENCRYPTION KEY: files stored now cannot be decrypted after a restart. " +
			"Set encryption.key (DLPGATE_ENCRYPTION_KEY) to a persistent key")

	return svc, nil
}

// NewWithKey creates a service from a raw key.
func NewWithKey(key []byte, algorithm Algorithm) (*Service, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	var (
		aead cipher.AEAD
		err  error
	)

	switch algorithm {
	case AlgorithmAES256GCM:
		var block cipher.Block

		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case AlgorithmXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm %q", algorithm)
	}

	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(key)

	return &Service{
		aead:      aead,
		algorithm: algorithm,
		keyID:     hex.EncodeToString(sum[:8]),
	}, nil
}

// DecodeKey parses a configured key. Padded and unpadded url-safe base64
// are accepted.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMissingKey
	}

	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}

	return nil, ErrInvalidKey
}

// GenerateKey returns a new random key in configuration form.
func GenerateKey() (string, error) {
	key, err := randomKey()
	if err != nil {
		return "", err
	}

	return base64.URLEncoding.EncodeToString(key), nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}

	return key, nil
}

// Ephemeral reports whether the key was generated at startup.
func (s *Service) Ephemeral() bool {
	return s.ephemeral
}

// KeyID is a short fingerprint of the active key.
func (s *Service) KeyID() string {
	return s.keyID
}

// Algorithm returns the active AEAD.
func (s *Service) Algorithm() Algorithm {
	return s.algorithm
}

// Encrypt seals plaintext as version | algorithm | nonce | ciphertext+tag.
// The header is authenticated.
func (s *Service) Encrypt(plaintext []byte) ([]byte, error) {
	header := [headerSize]byte{formatVersion, algorithmIDs[s.algorithm]}

	nonceSize := s.aead.NonceSize()
	out := make([]byte, headerSize+nonceSize, headerSize+nonceSize+len(plaintext)+s.aead.Overhead())
	copy(out, header[:])

	nonce := out[headerSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return s.aead.Seal(out, nonce, plaintext, header[:]), nil
}

// Decrypt opens data produced by Encrypt. Any tampering, truncation or key
// mismatch returns ErrIntegrity and no plaintext.
func (s *Service) Decrypt(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < headerSize+nonceSize+s.aead.Overhead() {
		return nil, ErrIntegrity
	}

	if data[0] != formatVersion || data[1] != algorithmIDs[s.algorithm] {
		return nil, ErrIntegrity
	}

	header := data[:headerSize]
	nonce := data[headerSize : headerSize+nonceSize]

	plaintext, err := s.aead.Open(nil, nonce, data[headerSize+nonceSize:], header)
	if err != nil {
		return nil, ErrIntegrity
	}

	if plaintext == nil {
		plaintext = []byte{}
	}

	return plaintext, nil
}
