package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio/v2"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
	"quorumchain/pkg/utils"
)

// ContentBackend selects the content store implementation.
type ContentBackend string

const (
	BackendMemory ContentBackend = "memory"
	BackendKubo   ContentBackend = "kubo"
)

// Config is the node configuration, loaded from TOML or JSON and then
// overridden from the environment.
type Config struct {
	NodeID   string            `json:"node_id" toml:"node_id"`
	DataDir  string            `json:"data_dir" toml:"data_dir"`
	Blocks   []types.BlockSpec `json:"blocks" toml:"blocks"`
	Storage  StorageConfig     `json:"storage" toml:"storage"`
	Content  ContentConfig     `json:"content" toml:"content"`
	Ledger   LedgerConfig      `json:"ledger" toml:"ledger"`
	Quorum   QuorumConfig      `json:"quorum" toml:"quorum"`
	Trust    TrustConfig       `json:"trust" toml:"trust"`
	Recovery RecoveryConfig    `json:"recovery" toml:"recovery"`
	Server   ServerConfig      `json:"server" toml:"server"`
}

type StorageConfig struct {
	MaxPayloadSize DataSize `json:"max_payload_size" toml:"max_payload_size"`
	AutoRotate     bool     `json:"auto_rotate" toml:"auto_rotate"`
}

type ContentConfig struct {
	Backend      ContentBackend `json:"backend" toml:"backend"`
	KuboURL      string         `json:"kubo_url" toml:"kubo_url"`
	Timeout      Duration       `json:"timeout" toml:"timeout"`
	MaxRetries   int            `json:"max_retries" toml:"max_retries"`
	BaseDelay    Duration       `json:"base_delay" toml:"base_delay"`
	MaxDelay     Duration       `json:"max_delay" toml:"max_delay"`
	CacheEntries int            `json:"cache_entries" toml:"cache_entries"`
	Compress     bool           `json:"compress" toml:"compress"`
}

// LedgerConfig controls the fingerprint ledger.
type LedgerConfig struct {
	// BaseDir is the root that fingerprinted file paths are relative to.
	BaseDir      string   `json:"base_dir" toml:"base_dir"`
	GenesisFiles []string `json:"genesis_files" toml:"genesis_files"`
	ArchiveBlock string   `json:"archive_block" toml:"archive_block"`
}

// QuorumConfig holds the approval thresholds for verification cases.
type QuorumConfig struct {
	MinApprovals    int      `json:"min_approvals" toml:"min_approvals"`
	FloorApprovals  int      `json:"floor_approvals" toml:"floor_approvals"`
	CaseTTL         Duration `json:"case_ttl" toml:"case_ttl"`
	AllowVoteChange bool     `json:"allow_vote_change" toml:"allow_vote_change"`
}

type TrustConfig struct {
	SourcesFile string `json:"sources_file" toml:"sources_file"`
	Watch       bool   `json:"watch" toml:"watch"`
}

// RecoveryConfig controls backup retries and peer synchronization.
type RecoveryConfig struct {
	MaxAttempts      int      `json:"max_attempts" toml:"max_attempts"`
	BaseDelay        Duration `json:"base_delay" toml:"base_delay"`
	MaxDelay         Duration `json:"max_delay" toml:"max_delay"`
	Workers          int      `json:"workers" toml:"workers"`
	SnapshotInterval Duration `json:"snapshot_interval" toml:"snapshot_interval"`
	SyncInterval     Duration `json:"sync_interval" toml:"sync_interval"`
	SyncRate         float64  `json:"sync_rate" toml:"sync_rate"`
	FallbackDir      string   `json:"fallback_dir" toml:"fallback_dir"`
}

// ServerConfig holds the API listen addresses and TLS settings.
type ServerConfig struct {
	HTTPAddress string      `json:"http_address" toml:"http_address"`
	GRPCAddress string      `json:"grpc_address" toml:"grpc_address"`
	TLS         auth.Config `json:"tls" toml:"tls"`
}

// Default returns a single-node configuration backed by the in-memory
// content store.
func Default() *Config {
	return &Config{
		NodeID:  "node-1",
		DataDir: "./data",
		Blocks:  types.DefaultBlocks(),
		Storage: StorageConfig{
			MaxPayloadSize: DataSize(64 * utils.KiB),
			AutoRotate:     true,
		},
		Content: ContentConfig{
			Backend:      BackendMemory,
			KuboURL:      "http://127.0.0.1:5001",
			Timeout:      Duration(10 * time.Second),
			MaxRetries:   3,
			BaseDelay:    Duration(100 * time.Millisecond),
			MaxDelay:     Duration(5 * time.Second),
			CacheEntries: 256,
		},
		Ledger: LedgerConfig{
			BaseDir:      ".",
			GenesisFiles: []string{"questions.json", "candidates.json", "meta.json"},
			ArchiveBlock: "sync",
		},
		Quorum: QuorumConfig{
			MinApprovals:   3,
			FloorApprovals: 2,
			CaseTTL:        Duration(24 * time.Hour),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:      3,
			BaseDelay:        Duration(200 * time.Millisecond),
			MaxDelay:         Duration(5 * time.Second),
			Workers:          1,
			SnapshotInterval: Duration(5 * time.Minute),
			SyncRate:         5,
			FallbackDir:      "emergency_backups",
		},
		Server: ServerConfig{
			HTTPAddress: "127.0.0.1:8340",
			GRPCAddress: "127.0.0.1:8341",
			TLS:         auth.DefaultConfig(),
		},
	}
}

// LoadConfig reads a JSON or TOML file on top of the defaults, applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, &fault.ConfigError{Field: path, Reason: "failed to parse toml", Cause: err}
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &fault.ConfigError{Field: path, Reason: "failed to parse json", Cause: err}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a configuration from defaults and QUORUMCHAIN_*
// variables only.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from QUORUMCHAIN_* environment variables.
func (c *Config) ApplyEnv() error {
	c.NodeID = getEnv("QUORUMCHAIN_NODE_ID", c.NodeID)
	c.DataDir = getEnv("QUORUMCHAIN_DATA_DIR", c.DataDir)
	c.Content.Backend = ContentBackend(getEnv("QUORUMCHAIN_CONTENT_BACKEND", string(c.Content.Backend)))
	c.Content.KuboURL = getEnv("QUORUMCHAIN_KUBO_URL", c.Content.KuboURL)
	c.Ledger.BaseDir = getEnv("QUORUMCHAIN_LEDGER_BASE_DIR", c.Ledger.BaseDir)
	c.Trust.SourcesFile = getEnv("QUORUMCHAIN_TRUST_SOURCES", c.Trust.SourcesFile)
	c.Server.HTTPAddress = getEnv("QUORUMCHAIN_HTTP_ADDRESS", c.Server.HTTPAddress)
	c.Server.GRPCAddress = getEnv("QUORUMCHAIN_GRPC_ADDRESS", c.Server.GRPCAddress)

	if v := os.Getenv("QUORUMCHAIN_MIN_APPROVALS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &fault.ConfigError{Field: "QUORUMCHAIN_MIN_APPROVALS", Reason: "not an integer", Cause: err}
		}
		c.Quorum.MinApprovals = n
	}
	if v := os.Getenv("QUORUMCHAIN_MAX_PAYLOAD_SIZE"); v != "" {
		if err := c.Storage.MaxPayloadSize.UnmarshalText([]byte(v)); err != nil {
			return &fault.ConfigError{Field: "QUORUMCHAIN_MAX_PAYLOAD_SIZE", Reason: "invalid size", Cause: err}
		}
	}
	return nil
}

// Validate reports the first invalid field as a *fault.ConfigError.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fault.Config("node_id", "is required")
	}
	if len(c.Blocks) == 0 {
		return fault.Config("blocks", "at least one block is required")
	}
	seen := make(map[string]bool, len(c.Blocks))
	for i, b := range c.Blocks {
		field := fmt.Sprintf("blocks[%d]", i)
		if b.Name == "" {
			return fault.Config(field+".name", "is required")
		}
		if seen[b.Name] {
			return fault.Config(field+".name", "duplicate block "+b.Name)
		}
		seen[b.Name] = true
		if b.MaxSize < 1 {
			return fault.Config(field+".max_size", "must be at least 1")
		}
	}
	if c.Ledger.ArchiveBlock != "" && !seen[c.Ledger.ArchiveBlock] {
		return fault.Config("ledger.archive_block", "names no configured block")
	}
	switch c.Content.Backend {
	case BackendMemory:
	case BackendKubo:
		if c.Content.KuboURL == "" {
			return fault.Config("content.kubo_url", "is required for the kubo backend")
		}
	default:
		return fault.Config("content.backend", fmt.Sprintf("unknown backend %q", c.Content.Backend))
	}
	if c.Quorum.MinApprovals < 1 {
		return fault.Config("quorum.min_approvals", "must be at least 1")
	}
	if c.Quorum.FloorApprovals < 1 || c.Quorum.FloorApprovals > c.Quorum.MinApprovals {
		return fault.Config("quorum.floor_approvals", "must be between 1 and min_approvals")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fault.Config("recovery.max_attempts", "must be at least 1")
	}
	if c.Recovery.Workers < 1 {
		return fault.Config("recovery.workers", "must be at least 1")
	}
	if c.Storage.MaxPayloadSize < 0 {
		return fault.Config("storage.max_payload_size", "must not be negative")
	}
	return c.Server.TLS.Validate()
}

// Save writes the configuration as indented JSON, replacing any existing
// file atomically.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path resolves p against the data directory unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
