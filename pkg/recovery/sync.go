package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/types"
)

// PeerSource fetches another node's backup history.
type PeerSource interface {
	FetchHistory(ctx context.Context, node types.NodeID) ([]BackupEntry, error)
}

// ContentPeerSource resolves peer histories published to the content
// store. Peers announce the content id of their latest history.
type ContentPeerSource struct {
	store content.Store

	mu        sync.RWMutex
	announced map[types.NodeID]types.ContentID
}

// NewContentPeerSource resolves announced histories through store.
func NewContentPeerSource(store content.Store) *ContentPeerSource {
	return &ContentPeerSource{
		store:     store,
		announced: make(map[types.NodeID]types.ContentID),
	}
}

// Announce records where node last published its history.
func (p *ContentPeerSource) Announce(node types.NodeID, id types.ContentID) {
	p.mu.Lock()
	p.announced[node] = id
	p.mu.Unlock()
}

// Announced returns the history id node last announced.
func (p *ContentPeerSource) Announced(node types.NodeID) (types.ContentID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.announced[node]
	return id, ok
}

// FetchHistory downloads the history node last announced.
func (p *ContentPeerSource) FetchHistory(ctx context.Context, node types.NodeID) ([]BackupEntry, error) {
	id, ok := p.Announced(node)
	if !ok {
		return nil, &fault.UnknownNodeError{NodeID: string(node)}
	}
	var history []BackupEntry
	if err := content.DownloadJSON(ctx, p.store, id, &history); err != nil {
		return nil, fmt.Errorf("history of %s: %w", node, err)
	}
	return history, nil
}

// SyncResult summarizes one multi-node merge.
type SyncResult struct {
	NodesProcessed   int `json:"nodes_processed"`
	EntriesProcessed int `json:"entries_processed"`
	EntriesAdded     int `json:"entries_added"`
	EntriesReplaced  int `json:"entries_replaced"`
}

// MultiNodeSynchronization merges the backup histories of the given peers
// into the local one. Every peer is fetched before anything changes; one
// failed fetch aborts the merge. Entries are matched by backup id and
// conflicting payloads resolve last-writer-wins on CreatedAt.
func (s *Scheduler) MultiNodeSynchronization(ctx context.Context, nodeIDs []types.NodeID) (SyncResult, error) {
	result, err := s.synchronize(ctx, nodeIDs)
	s.opts.Metrics.SyncDone(err)
	return result, err
}

func (s *Scheduler) synchronize(ctx context.Context, nodeIDs []types.NodeID) (SyncResult, error) {
	if s.peers == nil {
		return SyncResult{}, fault.Config("peers", "no peer source configured")
	}

	limit := rate.Inf
	if s.opts.SyncRate > 0 {
		limit = rate.Limit(s.opts.SyncRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	histories := make([][]BackupEntry, len(nodeIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SyncConcurrency)
	for i, node := range nodeIDs {
		i, node := i, node
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			h, err := s.peers.FetchHistory(gctx, node)
			if err != nil {
				return fmt.Errorf("fetch history from %s: %w", node, err)
			}
			histories[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("Multi-node sync aborted", zap.Error(err))
		return SyncResult{}, err
	}

	result := SyncResult{NodesProcessed: len(nodeIDs)}

	s.mu.Lock()
	changes := make(map[types.BackupID]BackupEntry)
	for _, history := range histories {
		for _, remote := range history {
			result.EntriesProcessed++
			if remote.BackupID == "" {
				continue
			}
			current, ok := changes[remote.BackupID]
			if !ok {
				local, exists := s.history[remote.BackupID]
				if !exists {
					changes[remote.BackupID] = settleForeign(remote.clone(), s.opts.NodeID)
					continue
				}
				if local.State == StatePending || local.State == StateRunning {
					// owned by the local queue until it settles
					continue
				}
				current = *local
			}
			if current.payloadHash() != remote.payloadHash() && newer(remote, current) {
				changes[remote.BackupID] = settleForeign(remote.clone(), s.opts.NodeID)
			}
		}
	}

	if s.db != nil && len(changes) > 0 {
		batch := s.db.NewBatch()
		for _, e := range changes {
			data, err := json.Marshal(e)
			if err != nil {
				s.mu.Unlock()
				return SyncResult{}, fault.Storage("encode backup", err)
			}
			batch.Put(s.pool, []byte(e.BackupID), data)
		}
		if err := batch.Commit(); err != nil {
			s.mu.Unlock()
			return SyncResult{}, err
		}
	}
	for id, e := range changes {
		e := e
		if _, exists := s.history[id]; exists {
			result.EntriesReplaced++
		} else {
			result.EntriesAdded++
		}
		if e.State == StatePending || e.State == StateRunning {
			// one of ours that only a peer still knew about
			e.State = StatePending
			s.enqueueLocked(e)
		}
		s.history[id] = &e
	}
	s.opts.Metrics.SetBackupsPending(s.queue.Len())
	s.mu.Unlock()
	s.signal()

	s.logger.Info("Multi-node sync complete",
		zap.Int("nodes", result.NodesProcessed),
		zap.Int("entries_processed", result.EntriesProcessed),
		zap.Int("added", result.EntriesAdded),
		zap.Int("replaced", result.EntriesReplaced))

	if s.recorder != nil {
		_, err := s.recorder.Append(ctx, ledger.Change{
			Operation:   OperationSync,
			Description: fmt.Sprintf("Multi-node sync: %d entries from %d nodes", result.EntriesProcessed, result.NodesProcessed),
			Metadata:    result,
		})
		if err != nil {
			return result, fmt.Errorf("record sync: %w", err)
		}
	}
	return result, nil
}
