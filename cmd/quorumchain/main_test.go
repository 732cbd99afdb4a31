package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"quorumchain/pkg/config"
	"quorumchain/pkg/node"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.NodeID = "cli-node"
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Server.HTTPAddress = "127.0.0.1:0"
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	cfg.Recovery.SnapshotInterval = 0

	path := filepath.Join(dir, "quorumchain.json")
	require.NoError(t, cfg.Save(path))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, verbose = "", false
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quorumchain v"+version)
}

func TestInitThenVerify(t *testing.T) {
	path := writeTestConfig(t)

	out, err := run(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Node cli-node initialized")
	assert.Contains(t, out, "Ledger head:   #0")

	_, err = run(t, "--config", path, "init")
	assert.Error(t, err)

	out, err = run(t, "--config", path, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger valid, 1 blocks")
}

func TestVerifyReportsTamperedFiles(t *testing.T) {
	path := writeTestConfig(t)
	_, err := run(t, "--config", path, "init")
	require.NoError(t, err)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	tracked := filepath.Join(cfg.Path(cfg.Ledger.BaseDir), "candidates.json")
	require.NoError(t, os.WriteFile(tracked, []byte(`{"candidates":["mallory"]}`), 0o644))

	out, err := run(t, "--config", path, "verify")
	require.Error(t, err)
	assert.Contains(t, out, "Ledger valid, 1 blocks")
	assert.Contains(t, out, "modified: candidates.json")

	require.NoError(t, os.Remove(tracked))
	out, err = run(t, "--config", path, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "3 tracked files match")
}

func TestInitWithTLSPersistsSettings(t *testing.T) {
	path := writeTestConfig(t)

	out, err := run(t, "--config", path, "init", "--tls", "--federation", "test-fed")
	require.NoError(t, err)
	assert.Contains(t, out, "Node certificate issued for cli-node")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.True(t, cfg.Server.TLS.RequireClientAuth)
	assert.FileExists(t, cfg.Server.TLS.CertPath)
	assert.FileExists(t, cfg.Server.TLS.KeyPath)
	assert.FileExists(t, cfg.Server.TLS.CAPath)
}

func TestListenHosts(t *testing.T) {
	cfg := config.Default()
	cfg.Server.HTTPAddress = "10.0.0.5:8340"
	cfg.Server.GRPCAddress = "node.example:8341"
	assert.Equal(t, []string{"localhost", "127.0.0.1", "10.0.0.5", "node.example"}, listenHosts(cfg))

	cfg.Server.HTTPAddress = ":8340"
	cfg.Server.GRPCAddress = "127.0.0.1:8341"
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, listenHosts(cfg))
}

func TestStatusAgainstRunningNode(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	n, err := node.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = n.Initialize(ctx, false)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)
	n.Health().Check()

	addr := n.Server().HTTPAddr().String()
	out, err := run(t, "--config", path, "status", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "NODE OVERVIEW")
	assert.Contains(t, out, "valid, 1 blocks")
	assert.Contains(t, out, "urgent")

	out, err = run(t, "--config", path, "status", "--address", addr, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"health_score": 100`)
}

func TestStatusUnreachable(t *testing.T) {
	path := writeTestConfig(t)
	_, err := run(t, "--config", path, "status", "--address", "127.0.0.1:1")
	assert.ErrorContains(t, err, "failed to reach node")
}
