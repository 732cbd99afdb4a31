package blockstore

import (
	"encoding/json"
	"time"

	"quorumchain/pkg/types"
)

const metadataVersion = "2.0"

// Entry is one record written into a block. Entries are immutable once
// their block generation is sealed.
type Entry struct {
	EntryID   types.EntryID   `json:"entry_id"`
	Block     string          `json:"block"`
	Seq       uint64          `json:"seq"`
	NodeID    types.NodeID    `json:"node_id"`
	Payload   json.RawMessage `json:"payload"`
	DataType  string          `json:"data_type"`
	Priority  types.Priority  `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Hash      string          `json:"hash"`
}

// SealedBlock is the document uploaded when a block generation rotates.
type SealedBlock struct {
	Block      string          `json:"block"`
	Purpose    string          `json:"purpose"`
	Generation uint64          `json:"generation"`
	Previous   types.ContentID `json:"previous_content_id,omitempty"`
	Entries    []Entry         `json:"entries"`
	SealedAt   time.Time       `json:"sealed_at"`
}

// Generation records one sealed generation of a block.
type Generation struct {
	Block      string          `json:"block"`
	Generation uint64          `json:"generation"`
	ContentID  types.ContentID `json:"content_id"`
	EntryIDs   []types.EntryID `json:"entry_ids"`
	LastSeq    uint64          `json:"last_seq"`
	SealedAt   time.Time       `json:"sealed_at"`
}

// RotationRecord describes one rotation in the metadata history.
type RotationRecord struct {
	RotationID      string          `json:"rotation_id"`
	Block           string          `json:"block"`
	Generation      uint64          `json:"generation"`
	SealedContentID types.ContentID `json:"sealed_content_id"`
	EntryCount      int             `json:"entry_count"`
	Timestamp       time.Time       `json:"timestamp"`
}

type SyncConfig struct {
	AutoRotate   bool           `json:"auto_rotate"`
	MaxBlockSize map[string]int `json:"max_block_size"`
}

// Metadata is the replicated description of the block store. Every
// change is uploaded and the newest content id kept.
type Metadata struct {
	Version         string                     `json:"version"`
	BlockSequence   []string                   `json:"block_sequence"`
	CurrentRotation uint64                     `json:"current_rotation"`
	TotalRotations  uint64                     `json:"total_rotations"`
	Blocks          map[string]types.ContentID `json:"blocks"`
	NodeRegistry    []types.NodeID             `json:"node_registry"`
	RotationHistory []RotationRecord           `json:"rotation_history"`
	SyncConfig      SyncConfig                 `json:"sync_config"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

func (m Metadata) clone() Metadata {
	out := m
	out.BlockSequence = append([]string(nil), m.BlockSequence...)
	out.NodeRegistry = append([]types.NodeID(nil), m.NodeRegistry...)
	out.RotationHistory = append([]RotationRecord(nil), m.RotationHistory...)
	out.Blocks = make(map[string]types.ContentID, len(m.Blocks))
	for k, v := range m.Blocks {
		out.Blocks[k] = v
	}
	out.SyncConfig.MaxBlockSize = make(map[string]int, len(m.SyncConfig.MaxBlockSize))
	for k, v := range m.SyncConfig.MaxBlockSize {
		out.SyncConfig.MaxBlockSize[k] = v
	}
	return out
}

// Status is a point-in-time view of one block.
type Status struct {
	Name            string          `json:"name"`
	Purpose         string          `json:"purpose"`
	Entries         int             `json:"entries"`
	MaxSize         int             `json:"max_size"`
	Full            bool            `json:"full"`
	Generation      uint64          `json:"generation"`
	SealedContentID types.ContentID `json:"sealed_content_id,omitempty"`
}
