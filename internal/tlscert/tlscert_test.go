package tlscert

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dlpgate/internal/config"
)

func autoConfig(t *testing.T) *config.TLSConfig {
	t.Helper()

	return &config.TLSConfig{
		Enabled:      true,
		AutoGenerate: true,
		CertDir:      t.TempDir(),
		MinVersion:   "1.2",
		Organization: "TestOrg",
		ValidityDays: 365,
		DNSNames:     []string{"dlp.internal"},
		IPAddresses:  []string{"10.1.2.3"},
	}
}

func TestNew(t *testing.T) {
	t.Run("auto generate", func(t *testing.T) {
		m, err := New(autoConfig(t), "gateway-1")
		require.NoError(t, err)

		assert.FileExists(t, m.CertFile())
		assert.FileExists(t, m.KeyFile())
		assert.FileExists(t, m.CAFile())
		require.Len(t, m.TLSConfig().Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS12), m.TLSConfig().MinVersion)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, "gateway-1")
		require.Error(t, err)
	})

	t.Run("no source", func(t *testing.T) {
		_, err := New(&config.TLSConfig{Enabled: true, CertDir: t.TempDir()}, "gateway-1")
		require.Error(t, err)
	})

	t.Run("missing provided files", func(t *testing.T) {
		dir := t.TempDir()
		_, err := New(&config.TLSConfig{
			Enabled:  true,
			CertFile: filepath.Join(dir, "missing.crt"),
			KeyFile:  filepath.Join(dir, "missing.key"),
		}, "gateway-1")
		require.Error(t, err)
	})
}

func TestGeneratedCertificateChain(t *testing.T) {
	m, err := New(autoConfig(t), "gateway-1")
	require.NoError(t, err)

	ca, err := readCertificate(m.CAFile())
	require.NoError(t, err)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "TestOrg CA", ca.Subject.CommonName)

	server, err := readCertificate(m.CertFile())
	require.NoError(t, err)
	assert.False(t, server.IsCA)
	assert.Contains(t, server.DNSNames, "localhost")
	assert.Contains(t, server.DNSNames, "gateway-1")
	assert.Contains(t, server.DNSNames, "dlp.internal")
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), server.NotAfter, time.Hour)

	var hasConfiguredIP bool

	for _, ip := range server.IPAddresses {
		if ip.String() == "10.1.2.3" {
			hasConfiguredIP = true
		}
	}

	assert.True(t, hasConfiguredIP)

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	_, err = server.Verify(x509.VerifyOptions{DNSName: "dlp.internal", Roots: pool})
	require.NoError(t, err)

	info, err := os.Stat(m.KeyFile())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReusesValidCertificate(t *testing.T) {
	cfg := autoConfig(t)

	first, err := New(cfg, "gateway-1")
	require.NoError(t, err)

	before, err := os.ReadFile(first.CertFile())
	require.NoError(t, err)

	second, err := New(cfg, "gateway-1")
	require.NoError(t, err)

	after, err := os.ReadFile(second.CertFile())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRegeneratesExpiringCertificate(t *testing.T) {
	cfg := autoConfig(t)
	cfg.ValidityDays = 10

	first, err := New(cfg, "gateway-1")
	require.NoError(t, err)

	before, err := os.ReadFile(first.CertFile())
	require.NoError(t, err)

	cfg.ValidityDays = 365

	second, err := New(cfg, "gateway-1")
	require.NoError(t, err)

	after, err := os.ReadFile(second.CertFile())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestMinVersionTLS13(t *testing.T) {
	cfg := autoConfig(t)
	cfg.MinVersion = "1.3"

	m, err := New(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), m.TLSConfig().MinVersion)
}
