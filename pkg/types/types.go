package types

import (
	"fmt"
	"time"
)

// Identifiers are plain strings with distinct types.
type NodeID string
type ContentID string
type EntryID string
type CaseID string
type BackupID string

// Priority orders backups and block entries. Emergency work always runs
// ahead of high, and high ahead of normal.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Rank returns a sort key where a lower value runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityEmergency:
		return true
	}
	return false
}

// ParsePriority accepts the priority names; empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Decision is a node's vote on a case.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// CaseOutcome is the final decision of a case.
type CaseOutcome string

const (
	OutcomePending  CaseOutcome = "pending"
	OutcomeApproved CaseOutcome = "approved"
	OutcomeRejected CaseOutcome = "rejected"
)

// NodeStatus is a registry node's standing.
type NodeStatus string

const (
	NodeActive  NodeStatus = "active"
	NodeUnknown NodeStatus = "unknown"
	NodeRevoked NodeStatus = "revoked"
)

// BlockSpec describes one named write buffer created at bootstrap.
type BlockSpec struct {
	Name    string `json:"name" toml:"name"`
	MaxSize int    `json:"max_size" toml:"max_size"`
	Purpose string `json:"purpose" toml:"purpose"`
}

// NodeRecord is a registry entry.
type NodeRecord struct {
	ID           NodeID     `json:"node_id"`
	TrustScore   float64    `json:"trust_score"`
	Status       NodeStatus `json:"status"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeen     time.Time  `json:"last_seen"`
}

// DefaultBlocks is the bootstrap rotation sequence.
func DefaultBlocks() []BlockSpec {
	return []BlockSpec{
		{Name: "buffer1", MaxSize: 100, Purpose: "empty_buffer"},
		{Name: "urgent", MaxSize: 50, Purpose: "emergency_backups"},
		{Name: "sync", MaxSize: 200, Purpose: "synchronization_point"},
		{Name: "active", MaxSize: 150, Purpose: "active_writing"},
		{Name: "buffer2", MaxSize: 100, Purpose: "transfer_buffer"},
	}
}
