package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

func issue(t *testing.T, ca *Authority, dir string, node types.NodeID) (certPath, keyPath string) {
	t.Helper()
	cert, key, err := ca.IssueNode(node, []string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)
	certPath = filepath.Join(dir, string(node)+".crt")
	keyPath = filepath.Join(dir, string(node)+".key")
	require.NoError(t, SaveCertificate(cert, key, certPath, keyPath))
	return certPath, keyPath
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing cert", Config{Enabled: true, KeyPath: "k"}},
		{"client auth without CA", Config{Enabled: true, CertPath: "c", KeyPath: "k", RequireClientAuth: true}},
		{"bad version", Config{Enabled: true, CertPath: "c", KeyPath: "k", MinTLSVersion: "1.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, fault.IsConfig(tt.cfg.Validate()))
		})
	}
}

func TestAuthorityIssuesNodeCertificates(t *testing.T) {
	dir := t.TempDir()
	ca, err := NewAuthority(dir, "election-2024", 24*time.Hour)
	require.NoError(t, err)

	cert, _, err := ca.IssueNode("node-7", []string{"10.0.0.7", "node7.example"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, ca.Verify(cert))

	id := IdentityFromCert(cert)
	assert.Equal(t, types.NodeID("node-7"), id.NodeID)
	assert.Equal(t, "election-2024", id.Federation)
	assert.Equal(t, "election-2024-CA", id.Issuer)
	assert.ElementsMatch(t, []string{"10.0.0.7", "node7.example"}, id.Addresses)

	loaded, err := LoadAuthority(dir)
	require.NoError(t, err)
	assert.NoError(t, loaded.Verify(cert))

	other, err := NewAuthority("", "elsewhere", time.Hour)
	require.NoError(t, err)
	assert.Error(t, other.Verify(cert))

	_, _, err = ca.IssueNode("", nil, time.Hour)
	assert.Error(t, err)
}

func TestMutualTLSWithAllowList(t *testing.T) {
	dir := t.TempDir()
	ca, err := NewAuthority(dir, "election-2024", time.Hour)
	require.NoError(t, err)
	serverCert, serverKey := issue(t, ca, dir, "node-1")

	serverBuilder, err := NewTLSConfigBuilder(Config{
		Enabled:           true,
		CAPath:            ca.CertPath(),
		CertPath:          serverCert,
		KeyPath:           serverKey,
		RequireClientAuth: true,
		AllowedNodeIDs:    []string{"node-2"},
	})
	require.NoError(t, err)
	serverTLS, err := serverBuilder.BuildServerConfig()
	require.NoError(t, err)

	handler := HTTPMiddleware(true, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, string(id.NodeID))
	}))
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = serverTLS
	srv.StartTLS()
	defer srv.Close()

	client := func(node types.NodeID) *http.Client {
		certPath, keyPath := issue(t, ca, dir, node)
		b, err := NewTLSConfigBuilder(Config{Enabled: true, CAPath: ca.CertPath(), CertPath: certPath, KeyPath: keyPath})
		require.NoError(t, err)
		cfg, err := b.BuildClientConfig()
		require.NoError(t, err)
		return &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}, Timeout: 5 * time.Second}
	}

	resp, err := client("node-2").Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "node-2", string(body))

	_, err = client("node-3").Get(srv.URL)
	assert.Error(t, err)
}

func TestDisabledBuilderReturnsNil(t *testing.T) {
	b, err := NewTLSConfigBuilder(DefaultConfig())
	require.NoError(t, err)
	cfg, err := b.BuildServerConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestHTTPMiddlewareRequiresCertificate(t *testing.T) {
	h := HTTPMiddleware(true, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	open := HTTPMiddleware(false, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := IdentityFromContext(r.Context())
		assert.False(t, ok)
	}))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
