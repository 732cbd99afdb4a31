package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

// DefaultTrustScore is assigned to nodes registered without one.
const DefaultTrustScore = 0.5

// NodeRegistry tracks the nodes that participate in quorum voting and
// replication, with their trust scores and status.
type NodeRegistry struct {
	mu     sync.RWMutex
	nodes  map[types.NodeID]*types.NodeRecord
	logger *zap.Logger
	now    func() time.Time
}

// New returns an empty registry.
func New(logger *zap.Logger) *NodeRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeRegistry{
		nodes:  make(map[types.NodeID]*types.NodeRecord),
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a node as active. It reports false when the node was
// already known; a revoked node stays revoked.
func (r *NodeRegistry) Register(id types.NodeID, trust float64) (bool, error) {
	if id == "" {
		return false, fault.Config("node_id", "is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return false, nil
	}
	now := r.now().UTC()
	r.nodes[id] = &types.NodeRecord{
		ID:           id,
		TrustScore:   clamp(trust),
		Status:       types.NodeActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.logger.Info("Registered node", zap.String("node_id", string(id)), zap.Float64("trust", clamp(trust)))
	return true, nil
}

// Get returns a copy of a node record.
func (r *NodeRegistry) Get(id types.NodeID) (types.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return types.NodeRecord{}, false
	}
	return *n, true
}

// IsVoter reports whether the node may take part in a quorum.
func (r *NodeRegistry) IsVoter(id types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && n.Status == types.NodeActive
}

// SetStatus changes a node's status; only active nodes vote.
func (r *NodeRegistry) SetStatus(id types.NodeID, status types.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return &fault.UnknownNodeError{NodeID: string(id)}
	}
	n.Status = status
	r.logger.Info("Node status changed", zap.String("node_id", string(id)), zap.String("status", string(status)))
	return nil
}

// Revoke removes a node's voting rights.
func (r *NodeRegistry) Revoke(id types.NodeID) error {
	return r.SetStatus(id, types.NodeRevoked)
}

// AdjustTrust moves a node's trust score by delta, clamped to [0,1].
func (r *NodeRegistry) AdjustTrust(id types.NodeID, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return 0, &fault.UnknownNodeError{NodeID: string(id)}
	}
	n.TrustScore = clamp(n.TrustScore + delta)
	return n.TrustScore, nil
}

// Touch updates a node's last seen time.
func (r *NodeRegistry) Touch(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastSeen = r.now().UTC()
	}
}

// List returns every node sorted by id.
func (r *NodeRegistry) List() []types.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the ids of active nodes, sorted.
func (r *NodeRegistry) Active() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.NodeID
	for id, n := range r.nodes {
		if n.Status == types.NodeActive {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len counts registered nodes of any status.
func (r *NodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
