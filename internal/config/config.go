// Package config provides configuration management for dlpgate.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (DLPGATE_* prefix)
//  3. Configuration file (dlpgate.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/dlpgate/dlpgate.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/dlpgate/internal/anomaly"
	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/risk"
	"github.com/piwi3910/dlpgate/internal/storage/compression"
	"github.com/piwi3910/dlpgate/internal/storage/minio"
	"github.com/piwi3910/dlpgate/internal/storage/s3"
)

// Storage backend names.
const (
	BackendFS    = "fs"
	BackendS3    = "s3"
	BackendMinIO = "minio"
)

// Config holds all configuration for dlpgate
type Config struct {
	// Data directory for the metadata store, local blobs and generated secrets
	DataDir string `mapstructure:"data_dir"`

	Server     ServerConfig       `mapstructure:"server"`
	Auth       AuthConfig         `mapstructure:"auth"`
	Encryption encryption.Config  `mapstructure:"encryption"`
	Anomaly    anomaly.Thresholds `mapstructure:"anomaly"`
	Escalation EscalationConfig   `mapstructure:"escalation"`
	Storage    StorageConfig      `mapstructure:"storage"`
	Audit      AuditConfig        `mapstructure:"audit"`
	Log        LogConfig          `mapstructure:"log"`
	RateLimit  RateLimitConfig    `mapstructure:"rate_limit"`
	CORS       CORSConfig         `mapstructure:"cors"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// MaxUploadMB caps the size of a multipart upload request
	MaxUploadMB int `mapstructure:"max_upload_mb"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds TLS configuration for the HTTP listener
type TLSConfig struct {
	// CertFile and KeyFile select a provided certificate. When both are
	// empty and AutoGenerate is set, a self-signed pair is created in CertDir.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// CertDir holds generated certificates. Default: {data_dir}/certs
	CertDir string `mapstructure:"cert_dir"`

	// MinVersion is the minimum TLS version, "1.2" or "1.3"
	MinVersion string `mapstructure:"min_version"`

	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidityDays int      `mapstructure:"validity_days"`

	Enabled      bool `mapstructure:"enabled"`
	AutoGenerate bool `mapstructure:"auto_generate"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret for signing tokens. Generated and persisted to the data
	// directory when empty.
	JWTSecret string `mapstructure:"jwt_secret"`

	TokenExpiry       time.Duration `mapstructure:"token_expiry"`
	MinPasswordLength int           `mapstructure:"min_password_length"`

	// AllowAdminRegistration lets /api/auth/register create admin accounts
	AllowAdminRegistration bool `mapstructure:"allow_admin_registration"`

	// Optional bootstrap administrator created at startup
	AdminUser     string `mapstructure:"admin_user"`
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

// EscalationConfig holds the repeated Critical upload policy
type EscalationConfig struct {
	Window       time.Duration `mapstructure:"window"`
	TriggerCount int           `mapstructure:"trigger_count"`
}

// Policy converts the settings for risk.NewPolicy.
func (e EscalationConfig) Policy() risk.EscalationConfig {
	return risk.EscalationConfig{Window: e.Window, TriggerCount: e.TriggerCount}
}

// StorageConfig selects and configures the encrypted blob store
type StorageConfig struct {
	// Backend is one of fs, s3 or minio
	Backend     string             `mapstructure:"backend"`
	Compression compression.Config `mapstructure:"compression"`
	S3          s3.Config          `mapstructure:"s3"`
	MinIO       minio.Config       `mapstructure:"minio"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// FilePath is an optional JSON lines mirror of the audit log
	FilePath   string `mapstructure:"file_path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// LogConfig holds process logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is json or console
	Format string `mapstructure:"format"`
}

// RateLimitConfig configures per-IP rate limiting of the login endpoint
type RateLimitConfig struct {
	TrustedProxies    []string `mapstructure:"trusted_proxies"`
	RequestsPerSecond int      `mapstructure:"requests_per_second"`
	BurstSize         int      `mapstructure:"burst_size"`
	Enabled           bool     `mapstructure:"enabled"`
}

// CORSConfig configures cross-origin access for browser front ends
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	MaxAge           int      `mapstructure:"max_age"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// MaxUploadBytes returns the upload request limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Options holds command line overrides.
type Options struct {
	DataDir  string
	LogLevel string
	Port     int
}

// Load reads configuration from configPath, the environment and opts.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("dlpgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dlpgate")
		v.AddConfigPath("$HOME/.dlpgate")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("DLPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.Port != 0 {
		v.Set("server.port", opts.Port)
	}

	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set derived values
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_upload_mb", 16)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.cert_dir", "")
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.organization", "dlpgate")
	v.SetDefault("server.tls.validity_days", 365)

	// Auth
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("auth.min_password_length", 6)
	v.SetDefault("auth.allow_admin_registration", false)
	v.SetDefault("auth.admin_user", "")
	v.SetDefault("auth.admin_email", "")
	v.SetDefault("auth.admin_password", "")

	// Encryption
	v.SetDefault("encryption.key", "")
	v.SetDefault("encryption.algorithm", string(encryption.AlgorithmAES256GCM))
	v.SetDefault("encryption.require_key", false)

	// Anomaly thresholds
	thresholds := anomaly.DefaultThresholds()
	v.SetDefault("anomaly.uploads_per_hour", thresholds.UploadsPerHour)
	v.SetDefault("anomaly.max_file_size_mb", thresholds.MaxFileSizeMB)
	v.SetDefault("anomaly.failed_logins", thresholds.FailedLogins)

	// Escalation
	escalation := risk.DefaultEscalationConfig()
	v.SetDefault("escalation.window", escalation.Window)
	v.SetDefault("escalation.trigger_count", escalation.TriggerCount)

	// Storage
	comp := compression.DefaultConfig()
	v.SetDefault("storage.backend", BackendFS)
	v.SetDefault("storage.compression.algorithm", string(comp.Algorithm))
	v.SetDefault("storage.compression.level", int(comp.Level))
	v.SetDefault("storage.compression.min_size", comp.MinSize)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "uploads")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.create_bucket", false)
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.bucket", "")
	v.SetDefault("storage.minio.prefix", "uploads")
	v.SetDefault("storage.minio.region", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.use_ssl", true)
	v.SetDefault("storage.minio.create_bucket", true)

	// Audit
	v.SetDefault("audit.file_path", "")
	v.SetDefault("audit.buffer_size", 1000)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Rate limiting
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 5)
	v.SetDefault("rate_limit.burst_size", 10)
	v.SetDefault("rate_limit.trusted_proxies", []string{})

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("cors.allow_credentials", true)
	v.SetDefault("cors.max_age", 300)
}

func (c *Config) validate() error {
	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Generate JWT secret if not set
	if c.Auth.JWTSecret == "" {
		jwtSecretPath := filepath.Join(c.DataDir, "jwt-secret")
		// Validate path to prevent path traversal
		if err := validatePath(c.DataDir, jwtSecretPath); err != nil {
			return fmt.Errorf("invalid JWT secret path: %w", err)
		}

		if data, err := os.ReadFile(jwtSecretPath); err == nil && len(data) > 0 { // #nosec G304 - path validated above
			c.Auth.JWTSecret = strings.TrimSpace(string(data))
		} else {
			c.Auth.JWTSecret = generateSecret(48)
			if err := os.WriteFile(jwtSecretPath, []byte(c.Auth.JWTSecret), 0600); err != nil {
				return fmt.Errorf("failed to write JWT secret: %w", err)
			}
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}

	if err := c.Server.TLS.validate(c.DataDir); err != nil {
		return err
	}

	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("auth.token_expiry must be positive")
	}

	if c.Auth.AdminUser != "" && c.Auth.AdminPassword == "" {
		return fmt.Errorf("auth.admin_password is required when auth.admin_user is set. Set via DLPGATE_AUTH_ADMIN_PASSWORD environment variable")
	}

	switch c.Encryption.Algorithm {
	case encryption.AlgorithmAES256GCM, encryption.AlgorithmXChaCha20Poly1305:
	default:
		return fmt.Errorf("unsupported encryption algorithm: %q", c.Encryption.Algorithm)
	}

	if c.Escalation.TriggerCount < 1 {
		return fmt.Errorf("escalation.trigger_count must be at least 1, got %d", c.Escalation.TriggerCount)
	}

	if c.Escalation.Window <= 0 {
		return fmt.Errorf("escalation.window must be positive")
	}

	if c.Anomaly.UploadsPerHour < 0 || c.Anomaly.MaxFileSizeMB < 0 || c.Anomaly.FailedLogins < 0 {
		return fmt.Errorf("anomaly thresholds cannot be negative")
	}

	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Log.Format)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.BurstSize <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst_size")
	}

	return nil
}

// validate checks the listener has a certificate source and fills CertDir.
func (t *TLSConfig) validate(dataDir string) error {
	if !t.Enabled {
		return nil
	}

	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("server.tls requires both cert_file and key_file")
	}

	if t.CertFile == "" && !t.AutoGenerate {
		return fmt.Errorf("server.tls requires cert_file and key_file or auto_generate")
	}

	switch t.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("server.tls.min_version must be 1.2 or 1.3, got %q", t.MinVersion)
	}

	if t.ValidityDays <= 0 {
		return fmt.Errorf("server.tls.validity_days must be positive")
	}

	if t.CertDir == "" {
		t.CertDir = filepath.Join(dataDir, "certs")
	}

	return nil
}

// validate checks the selected backend has what it needs
func (s *StorageConfig) validate() error {
	switch s.Compression.Algorithm {
	case compression.AlgorithmNone, compression.AlgorithmZstd, compression.AlgorithmLZ4, compression.AlgorithmGzip:
	default:
		return fmt.Errorf("unsupported compression algorithm: %q", s.Compression.Algorithm)
	}

	switch s.Backend {
	case BackendFS:
		return nil
	case BackendS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}

		return nil
	case BackendMinIO:
		if s.MinIO.Endpoint == "" || s.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio requires endpoint and bucket")
		}

		return nil
	default:
		return fmt.Errorf("unknown storage backend %q: must be fs, s3 or minio", s.Backend)
	}
}

// validatePath ensures a file path is within a base directory to prevent path traversal attacks.
func validatePath(basePath, filePath string) error {
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanFile, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	rel, err := filepath.Rel(cleanBase, cleanFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %s is outside %s", filePath, basePath) // nolint:err113 // dynamic error with context
	}

	return nil
}

func generateSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(randomByte())%len(charset)]
	}

	return string(b)
}

func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing leaves no safe way to generate secrets
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}

	return b[0]
}
