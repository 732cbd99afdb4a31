// Package integration drives a complete node over real sockets with
// mutual TLS.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/config"
	"quorumchain/pkg/node"
	"quorumchain/pkg/quorum"
	"quorumchain/pkg/server"
	"quorumchain/pkg/types"
)

type federation struct {
	dir string
	ca  *auth.Authority
}

func newFederation(t *testing.T) *federation {
	t.Helper()
	dir := t.TempDir()
	ca, err := auth.NewAuthority(filepath.Join(dir, "ca"), "test-federation", time.Hour)
	require.NoError(t, err)
	return &federation{dir: dir, ca: ca}
}

// issue writes a certificate for id and returns TLS settings using it.
func (f *federation) issue(t *testing.T, id types.NodeID) auth.Config {
	t.Helper()
	cert, key, err := f.ca.IssueNode(id, []string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)
	certPath := filepath.Join(f.dir, string(id)+".crt")
	keyPath := filepath.Join(f.dir, string(id)+".key")
	require.NoError(t, auth.SaveCertificate(cert, key, certPath, keyPath))

	cfg := auth.DefaultConfig()
	cfg.Enabled = true
	cfg.CAPath = f.ca.CertPath()
	cfg.CertPath = certPath
	cfg.KeyPath = keyPath
	cfg.RequireClientAuth = true
	return cfg
}

func (f *federation) client(t *testing.T, id types.NodeID) *http.Client {
	t.Helper()
	builder, err := auth.NewTLSConfigBuilder(f.issue(t, id))
	require.NoError(t, err)
	tlsConfig, err := builder.BuildClientConfig()
	require.NoError(t, err)
	return &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: tlsConfig}}
}

func startNode(t *testing.T, f *federation) *node.Node {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "node-1"
	cfg.DataDir = filepath.Join(f.dir, "node-1")
	cfg.Server.HTTPAddress = "127.0.0.1:0"
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	cfg.Server.TLS = f.issue(t, "node-1")
	cfg.Recovery.SnapshotInterval = 0

	n, err := node.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = n.Initialize(ctx, false)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Stop(stopCtx)
	})
	return n
}

func post(t *testing.T, c *http.Client, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := c.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVotingOverMutualTLS(t *testing.T) {
	f := newFederation(t)
	n := startNode(t, f)
	base := "https://" + n.Server().HTTPAddr().String()

	node2 := f.client(t, "node-2")
	node3 := f.client(t, "node-3")

	assert.Equal(t, http.StatusCreated, post(t, node2, base+"/nodes", map[string]string{"node_id": "node-2"}).StatusCode)
	assert.Equal(t, http.StatusCreated, post(t, node3, base+"/nodes", map[string]string{"node_id": "node-3"}).StatusCode)

	resp := post(t, node2, base+"/cases", map[string]any{
		"entity": map[string]any{
			"entity_id":        "party-1",
			"name":             "Example Party",
			"media_references": []string{"https://yle.fi/uutiset/3-1"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var c quorum.Case
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.Equal(t, 2, c.EffectiveRequiredApprovals)
	votes := base + "/cases/" + string(c.CaseID) + "/votes"

	// Voting for another node is refused.
	resp = post(t, node2, votes, map[string]string{"node_id": "node-3", "decision": "approve"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The voter defaults to the certificate identity.
	resp = post(t, node2, votes, map[string]string{"decision": "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, node3, votes, map[string]string{"decision": "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.Equal(t, types.OutcomeApproved, c.FinalDecision)

	head, ok := n.Ledger().Head()
	require.True(t, ok)
	assert.Equal(t, quorum.OperationName, head.Operation)
}

func TestClientWithoutCertificateIsRejected(t *testing.T) {
	f := newFederation(t)
	n := startNode(t, f)

	builder, err := auth.NewTLSConfigBuilder(auth.Config{Enabled: true, CAPath: f.ca.CertPath(), MinTLSVersion: "1.2"})
	require.NoError(t, err)
	tlsConfig, err := builder.BuildClientConfig()
	require.NoError(t, err)
	anonymous := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: tlsConfig}}

	_, err = anonymous.Get("https://" + n.Server().HTTPAddr().String() + "/blocks")
	assert.Error(t, err)

	untrusted := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}}
	_, err = untrusted.Get("https://" + n.Server().HTTPAddr().String() + "/blocks")
	assert.Error(t, err)
}

func TestGRPCHealthOverMutualTLS(t *testing.T) {
	f := newFederation(t)
	n := startNode(t, f)

	builder, err := auth.NewTLSConfigBuilder(f.issue(t, "monitor"))
	require.NoError(t, err)
	tlsConfig, err := builder.BuildClientConfig()
	require.NoError(t, err)

	conn, err := grpc.NewClient(n.Server().Health().Addr().String(), grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.LedgerService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
