// Package tlscert provides the certificate of the dlpgate HTTPS listener,
// either from configured files or as a generated self-signed pair.
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dlpgate/internal/config"
)

// File names inside CertDir.
const (
	certFileName = "server.crt"
	keyFileName  = "server.key"
	caFileName   = "ca.crt"
)

// renewBefore regenerates certificates that expire within this window.
const renewBefore = 30 * 24 * time.Hour

// caValidity is the lifetime of a generated CA.
const caValidity = 10 * 365 * 24 * time.Hour

// Manager holds the listener certificate.
type Manager struct {
	config    *config.TLSConfig
	tlsConfig *tls.Config
	certFile  string
	keyFile   string
	caFile    string
}

// New loads or generates the certificate described by cfg. hostname is added
// to generated certificates next to localhost.
func New(cfg *config.TLSConfig, hostname string) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("TLS configuration is nil")
	}

	m := &Manager{config: cfg}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		m.certFile = cfg.CertFile
		m.keyFile = cfg.KeyFile

		log.Info().
			Str("cert_file", cfg.CertFile).
			Str("key_file", cfg.KeyFile).
			Msg("Using provided TLS certificates")
	case cfg.AutoGenerate:
		if cfg.CertDir == "" {
			return nil, errors.New("TLS auto_generate requires cert_dir")
		}

		if err := os.MkdirAll(cfg.CertDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create certificate directory: %w", err)
		}

		m.certFile = filepath.Join(cfg.CertDir, certFileName)
		m.keyFile = filepath.Join(cfg.CertDir, keyFileName)
		m.caFile = filepath.Join(cfg.CertDir, caFileName)

		if err := m.ensureCertificates(hostname); err != nil {
			return nil, fmt.Errorf("failed to generate certificates: %w", err)
		}
	default:
		return nil, errors.New("TLS enabled but no certificates provided and auto_generate is disabled")
	}

	tlsConfig, err := m.buildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	m.tlsConfig = tlsConfig

	return m, nil
}

// TLSConfig returns the configuration for http.Server.TLSConfig.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// CertFile returns the path to the server certificate.
func (m *Manager) CertFile() string {
	return m.certFile
}

// KeyFile returns the path to the server private key.
func (m *Manager) KeyFile() string {
	return m.keyFile
}

// CAFile returns the path to the generated CA certificate, or "" for
// provided certificates. Clients trust this file to reach the gateway.
func (m *Manager) CAFile() string {
	return m.caFile
}

func (m *Manager) ensureCertificates(hostname string) error {
	if fileExists(m.certFile) && fileExists(m.keyFile) {
		valid, err := m.verifyCertificate()

		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Failed to verify existing certificate, regenerating")
		case !valid:
			log.Info().Msg("Existing certificate expires soon, regenerating")
		default:
			log.Info().Str("cert_file", m.certFile).Msg("Using existing TLS certificates")
			return nil
		}
	}

	log.Info().Msg("Generating self-signed TLS certificates")

	return m.generateCertificates(hostname)
}

// verifyCertificate reports whether the stored certificate is outside the
// renewal window.
func (m *Manager) verifyCertificate() (bool, error) {
	cert, err := readCertificate(m.certFile)
	if err != nil {
		return false, err
	}

	return !cert.NotAfter.Before(time.Now().Add(renewBefore)), nil
}

func readCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path) // #nosec G304 - path under configured cert dir
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to parse certificate PEM")
	}

	return x509.ParseCertificate(block.Bytes)
}

func (m *Manager) generateCertificates(hostname string) error {
	caCert, caKey, err := m.generateCA()
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}

	if err := saveCertificate(m.caFile, caCert); err != nil {
		return fmt.Errorf("failed to save CA certificate: %w", err)
	}

	serverCert, serverKey, err := m.generateServerCert(caCert, caKey, hostname)
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}

	if err := saveCertificate(m.certFile, serverCert); err != nil {
		return fmt.Errorf("failed to save server certificate: %w", err)
	}

	if err := saveKey(m.keyFile, serverKey); err != nil {
		return fmt.Errorf("failed to save server key: %w", err)
	}

	log.Info().
		Str("ca_file", m.caFile).
		Str("cert_file", m.certFile).
		Int("validity_days", m.config.ValidityDays).
		Msg("Generated self-signed TLS certificates")

	return nil
}

func (m *Manager) organization() string {
	if m.config.Organization == "" {
		return "dlpgate"
	}

	return m.config.Organization
}

func (m *Manager) generateCA() ([]byte, *ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{m.organization()},
			CommonName:   m.organization() + " CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}

	return certDER, privateKey, nil
}

func (m *Manager) generateServerCert(caCertDER []byte, caKey *ecdsa.PrivateKey, hostname string) ([]byte, *ecdsa.PrivateKey, error) {
	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, nil, err
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	commonName := "localhost"

	dnsNames := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		commonName = hostname
		dnsNames = append(dnsNames, hostname)
	}

	dnsNames = append(dnsNames, m.config.DNSNames...)

	ipAddresses := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}

	for _, ipStr := range m.config.IPAddresses {
		if ip := net.ParseIP(ipStr); ip != nil {
			ipAddresses = append(ipAddresses, ip)
		}
	}

	ipAddresses = append(ipAddresses, localIPs()...)

	now := time.Now()

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{m.organization()},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(m.config.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &privateKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}

	return certDER, privateKey, nil
}

func saveCertificate(path string, certDER []byte) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	//nolint:gosec // G306: certificates are public
	return os.WriteFile(path, certPEM, 0644)
}

func saveKey(path string, key *ecdsa.PrivateKey) error {
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return os.WriteFile(path, keyPEM, 0600)
}

func (m *Manager) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	var minVersion uint16 = tls.VersionTLS12
	if m.config.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// localIPs returns the non-loopback interface addresses.
func localIPs() []net.IP {
	var ips []net.IP

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			ips = append(ips, ipNet.IP)
		}
	}

	return ips
}

func generateSerialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}
