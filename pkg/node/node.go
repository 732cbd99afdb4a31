// Package node assembles a running quorumchain node from its configuration.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/blockstore"
	"quorumchain/pkg/config"
	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/quorum"
	"quorumchain/pkg/recovery"
	"quorumchain/pkg/registry"
	"quorumchain/pkg/retry"
	"quorumchain/pkg/server"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/trust"
	"quorumchain/pkg/types"
)

const stateDir = "state"

// Node owns every component of one federation member and their lifecycle.
type Node struct {
	cfg     *config.Config
	nodeID  types.NodeID
	logger  *zap.Logger
	metrics *metrics.Metrics

	db         *storage.DB
	store      content.Store
	kubo       *content.KuboClient
	compressed *content.Compressed

	registry *registry.NodeRegistry
	sources  *trust.Registry
	blocks   *blockstore.BlockStore
	ledger   *ledger.Ledger
	quorum   *quorum.Engine
	recovery *recovery.Scheduler
	peers    *recovery.ContentPeerSource
	monitor  *metrics.HealthMonitor
	server   *server.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New builds the node without starting anything. Persisted block store
// state is loaded when present.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		nodeID:  types.NodeID(cfg.NodeID),
		logger:  logger.With(zap.String("node_id", cfg.NodeID)),
		metrics: metrics.New(),
	}
	if err := n.build(); err != nil {
		n.closeStorage()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	db, err := storage.Open(n.cfg.Path(stateDir), false)
	if err != nil {
		return err
	}
	n.db = db

	if err := n.buildContentStore(); err != nil {
		return err
	}

	n.registry = registry.New(n.logger.Named("registry"))

	sourceTable := trust.DefaultSources()
	if n.cfg.Trust.SourcesFile != "" {
		sourceTable, err = trust.LoadFile(n.cfg.Trust.SourcesFile)
		if err != nil {
			return err
		}
	}
	n.sources, err = trust.NewRegistry(sourceTable)
	if err != nil {
		return err
	}

	n.blocks = blockstore.New(n.store, n.registry, n.db, blockstore.Options{
		NodeID:          n.nodeID,
		MaxPayloadBytes: int64(n.cfg.Storage.MaxPayloadSize),
		AutoRotate:      n.cfg.Storage.AutoRotate,
		ArchiveBlock:    n.cfg.Ledger.ArchiveBlock,
		Metrics:         n.metrics,
		Logger:          n.logger.Named("blocks"),
	})
	loaded, err := n.blocks.Load()
	if err != nil {
		return err
	}

	var archiver ledger.Archiver
	if n.cfg.Ledger.ArchiveBlock != "" {
		archiver = &blockArchiver{blocks: n.blocks, block: n.cfg.Ledger.ArchiveBlock}
	}
	n.ledger, err = ledger.Open(n.db, ledger.Options{
		BaseDir:  n.cfg.Path(n.cfg.Ledger.BaseDir),
		Archiver: archiver,
		Metrics:  n.metrics,
		Logger:   n.logger.Named("ledger"),
	})
	if err != nil {
		return err
	}

	n.quorum = quorum.NewEngine(n.registry, n.sources, n.ledger, quorum.Options{
		Policy: quorum.Policy{
			MinApprovals:    n.cfg.Quorum.MinApprovals,
			FloorApprovals:  n.cfg.Quorum.FloorApprovals,
			CaseTTL:         time.Duration(n.cfg.Quorum.CaseTTL),
			AllowVoteChange: n.cfg.Quorum.AllowVoteChange,
		},
		Metrics: n.metrics,
		Logger:  n.logger.Named("quorum"),
	})

	rc := n.cfg.Recovery
	n.recovery, err = recovery.New(recovery.NewBlockPersister(n.blocks), n.db, recovery.Options{
		NodeID: n.nodeID,
		Retry: retry.Policy{
			MaxAttempts:  rc.MaxAttempts,
			BaseDelay:    time.Duration(rc.BaseDelay),
			MaxDelay:     time.Duration(rc.MaxDelay),
			JitterFactor: retry.DefaultPolicy().JitterFactor,
		},
		Workers:          rc.Workers,
		FallbackDir:      n.cfg.Path(rc.FallbackDir),
		SnapshotInterval: time.Duration(rc.SnapshotInterval),
		SyncInterval:     time.Duration(rc.SyncInterval),
		SyncRate:         rc.SyncRate,
		Metrics:          n.metrics,
		Logger:           n.logger.Named("recovery"),
	})
	if err != nil {
		return err
	}
	n.peers = recovery.NewContentPeerSource(n.store)
	n.recovery.
		WithRecorder(n.ledger).
		WithRegistry(n.registry).
		WithPeers(n.peers).
		WithContentStore(n.store).
		OnPublish(func(cid types.ContentID) {
			n.logger.Debug("Backup history published", zap.String("cid", string(cid)))
		})

	n.monitor = metrics.NewHealthMonitor(n.metrics, n.logger.Named("health"))
	n.registerProbes()

	n.server, err = server.New(server.Components{
		Blocks:   n.blocks,
		Ledger:   n.ledger,
		Quorum:   n.quorum,
		Recovery: n.recovery,
		Peers:    n.peers,
		Content:  n.store,
		Health:   metrics.NewHealthEndpoint(n.monitor, n.metrics, n.logger.Named("health")),
	}, server.Options{
		HTTPAddress: n.cfg.Server.HTTPAddress,
		GRPCAddress: n.cfg.Server.GRPCAddress,
		TLS:         n.cfg.Server.TLS,
		Metrics:     n.metrics,
		Logger:      n.logger.Named("server"),
	})
	if err != nil {
		return err
	}

	n.logger.Info("Node assembled",
		zap.String("data_dir", n.cfg.DataDir),
		zap.String("content_backend", string(n.cfg.Content.Backend)),
		zap.Bool("blocks_restored", loaded),
		zap.Int("ledger_height", n.ledger.Height()))
	return nil
}

// buildContentStore layers retries, caching and compression over the
// configured backend.
func (n *Node) buildContentStore() error {
	cc := n.cfg.Content
	var base content.Store
	switch cc.Backend {
	case config.BackendKubo:
		n.kubo = content.NewKuboClient(cc.KuboURL, time.Duration(cc.Timeout), n.logger.Named("kubo"))
		base = n.kubo
	default:
		base = content.NewMemoryStore()
	}

	var store content.Store = content.NewRetrying(base, retry.Policy{
		MaxAttempts:  cc.MaxRetries,
		BaseDelay:    time.Duration(cc.BaseDelay),
		MaxDelay:     time.Duration(cc.MaxDelay),
		JitterFactor: retry.DefaultPolicy().JitterFactor,
	}, time.Duration(cc.Timeout), n.metrics, n.logger.Named("content"))

	if cc.CacheEntries > 0 {
		cached, err := content.NewCached(store, cc.CacheEntries)
		if err != nil {
			return fmt.Errorf("failed to create content cache: %w", err)
		}
		store = cached
	}
	if cc.Compress {
		compressed, err := content.NewCompressed(store, 0)
		if err != nil {
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		n.compressed = compressed
		store = compressed
	}
	n.store = store
	return nil
}

func (n *Node) registerProbes() {
	n.monitor.AddCriticalProbe("ledger", 3, func() (bool, string) {
		if halted, reason := n.ledger.Halted(); halted {
			return false, reason
		}
		return true, fmt.Sprintf("height %d", n.ledger.Height())
	})
	n.monitor.AddProbe("blocks", 2, func() (bool, string) {
		if !n.blocks.Initialized() {
			return false, "not initialized"
		}
		return true, ""
	})
	n.monitor.AddProbe("recovery", 1, func() (bool, string) {
		st := n.recovery.Status()
		if st.Failed > 0 {
			return false, fmt.Sprintf("%d failed backups", st.Failed)
		}
		return true, fmt.Sprintf("%d pending", st.Pending)
	})
	if n.kubo != nil {
		n.monitor.AddProbe("content", 2, func() (bool, string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := n.kubo.Ping(ctx); err != nil {
				return false, err.Error()
			}
			return true, ""
		})
	}
}

// Initialize creates the block set and the genesis ledger block. With
// force the block set is recreated; an existing ledger is kept.
func (n *Node) Initialize(ctx context.Context, force bool) (types.ContentID, error) {
	cid, err := n.blocks.Initialize(ctx, n.cfg.Blocks, force)
	if err != nil {
		return "", err
	}
	if _, err := n.blocks.RegisterNode(ctx, n.nodeID); err != nil {
		return "", err
	}
	if n.ledger.Height() == 0 {
		genesis, err := n.ledger.Genesis(ctx, n.cfg.Ledger.GenesisFiles)
		if err != nil {
			return "", err
		}
		n.logger.Info("Ledger genesis created",
			zap.String("block_hash", genesis.BlockHash),
			zap.Int("files", len(genesis.Files)))
	}
	return cid, nil
}

// Start registers this node and launches the background services and
// listeners.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("node already started")
	}
	if !n.blocks.Initialized() || n.ledger.Height() == 0 {
		return fmt.Errorf("node %s: %w", n.nodeID, fault.ErrNotInitialized)
	}
	if _, err := n.blocks.RegisterNode(ctx, n.nodeID); err != nil {
		return err
	}

	n.ctx, n.cancel = context.WithCancel(ctx)

	if n.cfg.Trust.Watch && n.cfg.Trust.SourcesFile != "" {
		n.wg.Add(1)
		go n.watchSources()
	}
	n.monitor.Start()
	n.recovery.Start(n.ctx)
	n.wg.Add(1)
	go n.maintenanceLoop()

	if err := n.server.Start(n.ctx); err != nil {
		n.cancel()
		n.recovery.Stop()
		n.monitor.Stop()
		n.wg.Wait()
		return err
	}
	n.started = true
	n.logger.Info("Node started")
	return nil
}

func (n *Node) watchSources() {
	defer n.wg.Done()
	err := n.sources.Watch(n.ctx, n.cfg.Trust.SourcesFile, n.logger.Named("trust"), func(err error) {
		if err == nil {
			n.logger.Info("Trusted sources reloaded", zap.String("path", n.cfg.Trust.SourcesFile))
		}
	})
	if err != nil {
		n.logger.Error("Trusted source watcher stopped", zap.Error(err))
	}
}

// Stop shuts the listeners down, drains background work and closes local
// storage.
func (n *Node) Stop(ctx context.Context) error {
	var err error
	n.stopOnce.Do(func() {
		n.mu.Lock()
		started := n.started
		n.mu.Unlock()

		if started {
			err = n.server.Stop(ctx)
			n.cancel()
			n.recovery.Stop()
			n.monitor.Stop()
			n.wg.Wait()
			if _, recErr := n.quorum.RecordPending(context.Background()); recErr != nil {
				n.logger.Warn("Decisions left unrecorded at shutdown", zap.Error(recErr))
			}
		}
		n.closeStorage()
		n.logger.Info("Node stopped")
	})
	return err
}

func (n *Node) closeStorage() {
	if n.compressed != nil {
		n.compressed.Close()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("Failed to close state database", zap.Error(err))
		}
	}
}

// ID is this node's identity in the federation.
func (n *Node) ID() types.NodeID { return n.nodeID }
func (n *Node) Config() *config.Config { return n.cfg }
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }
func (n *Node) Registry() *registry.NodeRegistry { return n.registry }
func (n *Node) Blocks() *blockstore.BlockStore { return n.blocks }
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }
func (n *Node) Quorum() *quorum.Engine { return n.quorum }
func (n *Node) Recovery() *recovery.Scheduler { return n.recovery }
func (n *Node) Peers() *recovery.ContentPeerSource { return n.peers }
func (n *Node) Server() *server.Server { return n.server }
// Health is the weighted probe monitor behind /health.
func (n *Node) Health() *metrics.HealthMonitor { return n.monitor }

// blockArchiver mirrors ledger blocks into a block store block.
type blockArchiver struct {
	blocks *blockstore.BlockStore
	block  string
}

func (a *blockArchiver) ArchiveLedgerBlock(ctx context.Context, b ledger.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = a.blocks.Write(ctx, a.block, data, "ledger_block", types.PriorityHigh)
	return err
}
