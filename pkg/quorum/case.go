package quorum

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"quorumchain/pkg/trust"
	"quorumchain/pkg/types"
)

// Entity is the party or candidate seeking admission.
type Entity struct {
	ID              string   `json:"entity_id"`
	Name            string   `json:"name"`
	MediaReferences []string `json:"media_references,omitempty"`
}

// Vote is one node's decision on a case.
type Vote struct {
	NodeID         types.NodeID   `json:"node_id"`
	Decision       types.Decision `json:"decision"`
	PublicKey      string         `json:"public_key,omitempty"`
	KeyFingerprint string         `json:"key_fingerprint,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	CastAt         time.Time      `json:"cast_at"`
}

// Case is one admission vote.
type Case struct {
	CaseID                     types.CaseID          `json:"case_id"`
	Entity                     Entity                `json:"entity"`
	KnownQuorumNodes           []types.NodeID        `json:"known_quorum_nodes"`
	BaseRequiredApprovals      int                   `json:"base_required_approvals"`
	TrustBonus                 *trust.Bonus          `json:"trust_bonus,omitempty"`
	EffectiveRequiredApprovals int                   `json:"effective_required_approvals"`
	Votes                      map[types.NodeID]Vote `json:"votes"`
	FinalDecision              types.CaseOutcome     `json:"final_decision"`
	CreatedAt                  time.Time             `json:"created_at"`
	ExpiresAt                  time.Time             `json:"expires_at"`
	DecidedAt                  *time.Time            `json:"decided_at,omitempty"`
	Reason                     string                `json:"reason,omitempty"`
	LedgerBlockID              *int64                `json:"ledger_block_id,omitempty"`
}

// Status is the tally view of a case.
type Status struct {
	CaseID                     types.CaseID      `json:"case_id"`
	ApproveVotes               int               `json:"approve_votes"`
	RejectVotes                int               `json:"reject_votes"`
	Remaining                  int               `json:"remaining"`
	EffectiveRequiredApprovals int               `json:"effective_required_approvals"`
	FinalDecision              types.CaseOutcome `json:"final_decision"`
	QuorumMet                  bool              `json:"quorum_met"`
	TimeRemainingHours         float64           `json:"time_remaining_hours"`
}

func (c *Case) tally() (approvals, rejects int) {
	for _, v := range c.Votes {
		if v.Decision == types.DecisionApprove {
			approvals++
		} else {
			rejects++
		}
	}
	return approvals, rejects
}

// evaluate returns the outcome implied by the current votes. A case is
// rejected as soon as the outstanding voters can no longer lift approvals
// to the threshold.
func (c *Case) evaluate() types.CaseOutcome {
	approvals, _ := c.tally()
	remaining := len(c.KnownQuorumNodes) - len(c.Votes)
	switch {
	case approvals >= c.EffectiveRequiredApprovals:
		return types.OutcomeApproved
	case approvals+remaining < c.EffectiveRequiredApprovals:
		return types.OutcomeRejected
	}
	return types.OutcomePending
}

func (c *Case) status(now time.Time) Status {
	approvals, rejects := c.tally()
	hours := c.ExpiresAt.Sub(now).Hours()
	if hours < 0 || c.FinalDecision != types.OutcomePending {
		hours = 0
	}
	return Status{
		CaseID:                     c.CaseID,
		ApproveVotes:               approvals,
		RejectVotes:                rejects,
		Remaining:                  len(c.KnownQuorumNodes) - len(c.Votes),
		EffectiveRequiredApprovals: c.EffectiveRequiredApprovals,
		FinalDecision:              c.FinalDecision,
		QuorumMet:                  c.FinalDecision != types.OutcomePending,
		TimeRemainingHours:         hours,
	}
}

func (c *Case) inQuorum(id types.NodeID) bool {
	for _, n := range c.KnownQuorumNodes {
		if n == id {
			return true
		}
	}
	return false
}

func (c *Case) clone() Case {
	out := *c
	out.Entity.MediaReferences = append([]string(nil), c.Entity.MediaReferences...)
	out.KnownQuorumNodes = append([]types.NodeID(nil), c.KnownQuorumNodes...)
	out.Votes = make(map[types.NodeID]Vote, len(c.Votes))
	for k, v := range c.Votes {
		out.Votes[k] = v
	}
	if c.TrustBonus != nil {
		b := *c.TrustBonus
		out.TrustBonus = &b
	}
	if c.DecidedAt != nil {
		t := *c.DecidedAt
		out.DecidedAt = &t
	}
	if c.LedgerBlockID != nil {
		id := *c.LedgerBlockID
		out.LedgerBlockID = &id
	}
	return out
}

// BaseRequired is the approval threshold for n voters without a trust
// bonus: two thirds rounded up, never below minApprovals, never above n.
func BaseRequired(n, minApprovals int) int {
	return min(n, max(minApprovals, (2*n+2)/3))
}

// EffectiveRequired applies a bonus multiplier to base, never dropping
// below floor or rising above n.
func EffectiveRequired(n, base, floor int, multiplier float64) int {
	// the epsilon keeps 5*0.6 from rounding up to 4
	scaled := int(math.Ceil(float64(base)*multiplier - 1e-9))
	return min(n, max(floor, scaled))
}

// KeyFingerprint is the first 16 hex characters of sha256(publicKey).
func KeyFingerprint(publicKey string) string {
	if publicKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:])[:16]
}
