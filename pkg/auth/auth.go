package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

var (
	ErrNoCertificate  = errors.New("no client certificate presented")
	ErrNodeNotAllowed = errors.New("node is not allowed")
)

// Config holds the TLS settings shared by the HTTP API and the gRPC health
// listener.
type Config struct {
	Enabled           bool     `json:"enabled" toml:"enabled"`
	CAPath            string   `json:"ca_cert" toml:"ca_cert"`
	CertPath          string   `json:"cert" toml:"cert"`
	KeyPath           string   `json:"key" toml:"key"`
	RequireClientAuth bool     `json:"require_client_auth" toml:"require_client_auth"`
	AllowedNodeIDs    []string `json:"allowed_node_ids,omitempty" toml:"allowed_node_ids"`
	MinTLSVersion     string   `json:"min_tls_version,omitempty" toml:"min_tls_version"`
}

// DefaultConfig leaves TLS off and requires TLS 1.2 once enabled.
func DefaultConfig() Config {
	return Config{MinTLSVersion: "1.2"}
}

// Validate checks that an enabled configuration names its files.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return fault.Config("server.tls.cert", "certificate and key paths are required when TLS is enabled")
	}
	if c.RequireClientAuth && c.CAPath == "" {
		return fault.Config("server.tls.ca_cert", "is required for client authentication")
	}
	switch c.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return fault.Config("server.tls.min_tls_version", "must be 1.2 or 1.3")
	}
	return nil
}

// Identity is the authenticated peer behind a client certificate. The
// certificate common name carries the node id.
type Identity struct {
	NodeID       types.NodeID
	Federation   string
	Issuer       string
	SerialNumber string
	NotAfter     time.Time
	Addresses    []string
}

// IdentityFromCert reads the node identity from a peer certificate.
func IdentityFromCert(cert *x509.Certificate) Identity {
	id := Identity{
		NodeID:       types.NodeID(cert.Subject.CommonName),
		Issuer:       cert.Issuer.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotAfter:     cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		id.Federation = cert.Subject.Organization[0]
	}
	for _, ip := range cert.IPAddresses {
		id.Addresses = append(id.Addresses, ip.String())
	}
	id.Addresses = append(id.Addresses, cert.DNSNames...)
	return id
}

type contextKey struct{}

// WithIdentity attaches a verified caller identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity attached by the middleware, if
// the caller presented a certificate.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
