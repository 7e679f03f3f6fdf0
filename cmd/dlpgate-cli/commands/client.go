package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/dlpgate/internal/client"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	Server     string `yaml:"server"`
	Token      string `yaml:"token,omitempty"`
	Username   string `yaml:"username,omitempty"`
	SkipVerify bool   `yaml:"skip_verify"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Server: "http://localhost:5000",
	}
}

// configPath returns the path to the config file. DLPGATE_CLI_CONFIG
// overrides the default under the home directory.
func configPath() string {
	if path := os.Getenv("DLPGATE_CLI_CONFIG"); path != "" {
		return path
	}

	home, _ := os.UserHomeDir()

	return filepath.Join(home, ".dlpgate", "config.yaml")
}

// LoadConfig loads the configuration from file and environment.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	if server := os.Getenv("DLPGATE_SERVER"); server != "" {
		cfg.Server = server
	}

	if token := os.Getenv("DLPGATE_TOKEN"); token != "" {
		cfg.Token = token
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// newClient creates an API client from the configuration. With
// requireToken set it fails early when nobody is logged in.
func newClient(requireToken bool) (*client.Client, *ClientConfig, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	if requireToken && cfg.Token == "" {
		return nil, nil, errors.New("not logged in. Use 'dlpgate-cli login <username>' or set DLPGATE_TOKEN")
	}

	transport := client.DefaultTransportConfig()
	transport.SkipTLSVerify = cfg.SkipVerify

	c, err := client.New(client.Config{
		BaseURL:   cfg.Server,
		Token:     cfg.Token,
		Transport: transport,
	})
	if err != nil {
		return nil, nil, err
	}

	return c, cfg, nil
}

// FormatSize formats a byte size to human-readable format.
func FormatSize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case size >= GB:
		return fmt.Sprintf("%.2f GB", float64(size)/GB)
	case size >= MB:
		return fmt.Sprintf("%.2f MB", float64(size)/MB)
	case size >= KB:
		return fmt.Sprintf("%.2f KB", float64(size)/KB)
	default:
		return fmt.Sprintf("%d B", size)
	}
}
