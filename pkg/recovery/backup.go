package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quorumchain/pkg/blockstore"
	"quorumchain/pkg/canonical"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

// State is where a backup is in its delivery.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePersisted State = "persisted"
	StateFailed    State = "failed"
	// StateRemote marks an entry learned from a peer. Its delivery is the
	// origin node's business; it is never queued or retried here.
	StateRemote State = "remote"
)

// BackupEntry is one captured backup and its delivery state.
type BackupEntry struct {
	BackupID     types.BackupID  `json:"backup_id"`
	Label        string          `json:"label"`
	Priority     types.Priority  `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	Attempts     int             `json:"attempts"`
	State        State           `json:"state"`
	Origin       types.NodeID    `json:"origin"`
	EntryID      types.EntryID   `json:"entry_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	FallbackPath string          `json:"fallback_path,omitempty"`
}

func (e BackupEntry) clone() BackupEntry {
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	return e
}

func (e BackupEntry) payloadHash() string {
	return canonical.HashBytes(e.Payload)
}

// Persister stores a backup durably and returns where it landed.
type Persister interface {
	Persist(ctx context.Context, e BackupEntry) (types.EntryID, error)
}

// BlockPersister writes backups into block store blocks chosen by
// priority.
type BlockPersister struct {
	Store  *blockstore.BlockStore
	Blocks map[types.Priority]string
}

// DefaultBlockMapping sends each priority to its block.
func DefaultBlockMapping() map[types.Priority]string {
	return map[types.Priority]string{
		types.PriorityEmergency: "urgent",
		types.PriorityHigh:      "sync",
		types.PriorityNormal:    "active",
	}
}

// NewBlockPersister uses DefaultBlockMapping.
func NewBlockPersister(store *blockstore.BlockStore) *BlockPersister {
	return &BlockPersister{Store: store, Blocks: DefaultBlockMapping()}
}

type envelope struct {
	BackupID types.BackupID  `json:"backup_id"`
	Label    string          `json:"label"`
	Priority types.Priority  `json:"priority"`
	Origin   types.NodeID    `json:"origin"`
	Created  time.Time       `json:"backup_timestamp"`
	Data     json.RawMessage `json:"original_data"`
}

// Persist writes e as an envelope into the block for its priority.
func (p *BlockPersister) Persist(ctx context.Context, e BackupEntry) (types.EntryID, error) {
	block, ok := p.Blocks[e.Priority]
	if !ok {
		block = p.Blocks[types.PriorityNormal]
	}
	data, err := json.Marshal(envelope{
		BackupID: e.BackupID,
		Label:    e.Label,
		Priority: e.Priority,
		Origin:   e.Origin,
		Created:  e.CreatedAt,
		Data:     e.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode backup %s: %w", e.BackupID, err)
	}
	entry, err := p.Store.Write(ctx, block, data, "backup:"+e.Label, e.Priority)
	if err != nil {
		return "", err
	}
	return entry.EntryID, nil
}

// settleForeign turns a peer's entry into a remote one unless it was
// created by self.
func settleForeign(e BackupEntry, self types.NodeID) BackupEntry {
	if e.Origin != self {
		e.State = StateRemote
		e.Attempts = 0
		e.LastError = ""
		e.FallbackPath = ""
	}
	return e
}

// permanent reports errors no retry can fix.
func permanent(err error) bool {
	return fault.IsConfig(err) ||
		errors.Is(err, fault.ErrPayloadTooLarge) ||
		errors.Is(err, fault.ErrUnknownBlock) ||
		errors.Is(err, fault.ErrNotInitialized)
}

// newer reports whether a should replace b under last-writer-wins. Equal
// timestamps fall back to the larger payload hash so every node picks the
// same winner.
func newer(a, b BackupEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.payloadHash() > b.payloadHash()
}
