package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for the node's listeners and
// for clients talking to them.
type TLSConfigBuilder struct {
	config  Config
	allowed map[string]bool
}

// NewTLSConfigBuilder validates config before any file is read.
func NewTLSConfigBuilder(config Config) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b := &TLSConfigBuilder{config: config}
	if len(config.AllowedNodeIDs) > 0 {
		b.allowed = make(map[string]bool, len(config.AllowedNodeIDs))
		for _, id := range config.AllowedNodeIDs {
			b.allowed[id] = true
		}
	}
	return b, nil
}

// BuildServerConfig returns nil when TLS is disabled so callers can fall
// back to plaintext listeners.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.minVersion(),
	}

	if b.config.RequireClientAuth {
		pool, err := loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	} else if b.config.CAPath != "" {
		pool, err := loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// BuildClientConfig trusts the configured CA and presents the node
// certificate, if any.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: b.minVersion()}
	if b.config.CAPath != "" {
		pool, err := loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA pool: %w", err)
		}
		tlsConfig.RootCAs = pool
	}
	if b.config.CertPath != "" && b.config.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// verifyPeerCertificate runs after chain verification and enforces the
// node allow list.
func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	if b.allowed != nil && !b.allowed[cert.Subject.CommonName] {
		return fmt.Errorf("%w: %s", ErrNodeNotAllowed, cert.Subject.CommonName)
	}
	return nil
}

func (b *TLSConfigBuilder) minVersion() uint16 {
	if b.config.MinTLSVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
