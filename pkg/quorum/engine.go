// Package quorum runs trust-weighted approve/reject votes on admitting new
// entities. Endorsements from trusted media lower the approval threshold;
// every final decision is written to the fingerprint ledger.
package quorum

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/registry"
	"quorumchain/pkg/trust"
	"quorumchain/pkg/types"
)

const (
	DefaultMinApprovals   = 3
	DefaultFloorApprovals = 2
	DefaultCaseTTL        = 24 * time.Hour

	ReasonTimeout = "timeout"
	OperationName = "quorum_decision"
)

// Recorder stores decisions in the audit trail. *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, c ledger.Change) (ledger.Block, error)
}

// Policy holds the approval thresholds and case lifetime.
type Policy struct {
	MinApprovals    int
	FloorApprovals  int
	CaseTTL         time.Duration
	AllowVoteChange bool
}

// DefaultPolicy asks for at least three approvals. A trusted source can
// lower that, never below two.
func DefaultPolicy() Policy {
	return Policy{
		MinApprovals:   DefaultMinApprovals,
		FloorApprovals: DefaultFloorApprovals,
		CaseTTL:        DefaultCaseTTL,
	}
}

// Options configure an Engine.
type Options struct {
	Policy  Policy
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type caseState struct {
	mu sync.Mutex
	c  Case
	// decided but not yet in the ledger
	unrecorded bool
}

// Engine owns every verification case. Votes on one case are serialized;
// distinct cases proceed independently.
type Engine struct {
	mu       sync.RWMutex
	open     map[types.CaseID]*caseState
	archived map[types.CaseID]*caseState
	seq      uint64

	nodes    *registry.NodeRegistry
	sources  *trust.Registry
	recorder Recorder
	policy   Policy
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine. sources and recorder may be nil: without
// sources no bonus is ever applied, without a recorder decisions are not
// audited.
func NewEngine(nodes *registry.NodeRegistry, sources *trust.Registry, recorder Recorder, opts Options) *Engine {
	p := opts.Policy
	if p.MinApprovals <= 0 {
		p.MinApprovals = DefaultMinApprovals
	}
	if p.FloorApprovals <= 0 {
		p.FloorApprovals = DefaultFloorApprovals
	}
	if p.CaseTTL <= 0 {
		p.CaseTTL = DefaultCaseTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		open:     make(map[types.CaseID]*caseState),
		archived: make(map[types.CaseID]*caseState),
		nodes:    nodes,
		sources:  sources,
		recorder: recorder,
		policy:   p,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// StartCase opens a case over the given voters. A nil voter list takes the
// active members of the node registry.
func (e *Engine) StartCase(ctx context.Context, entity Entity, knownQuorumNodes []types.NodeID) (Case, error) {
	if entity.ID == "" {
		return Case{}, fault.Config("entity_id", "is required")
	}
	if knownQuorumNodes == nil {
		knownQuorumNodes = e.nodes.Active()
	}
	voters := dedupe(knownQuorumNodes)
	if len(voters) == 0 {
		return Case{}, fault.Config("known_quorum_nodes", "no voters available")
	}

	n := len(voters)
	now := e.now()
	c := Case{
		Entity:                entity,
		KnownQuorumNodes:      voters,
		BaseRequiredApprovals: BaseRequired(n, e.policy.MinApprovals),
		Votes:                 make(map[types.NodeID]Vote),
		FinalDecision:         types.OutcomePending,
		CreatedAt:             now,
		ExpiresAt:             now.Add(e.policy.CaseTTL),
	}
	c.Entity.MediaReferences = append([]string(nil), entity.MediaReferences...)
	e.applyBonus(&c)

	e.mu.Lock()
	e.seq++
	c.CaseID = types.CaseID(fmt.Sprintf("case_%s_%d", entity.ID, e.seq))
	e.open[c.CaseID] = &caseState{c: c}
	e.mu.Unlock()

	e.metrics.CaseOpened()
	e.logger.Info("Opened verification case",
		zap.String("case_id", string(c.CaseID)),
		zap.String("entity_id", entity.ID),
		zap.Int("voters", n),
		zap.Int("base_required", c.BaseRequiredApprovals),
		zap.Int("effective_required", c.EffectiveRequiredApprovals))
	return c.clone(), nil
}

func (e *Engine) applyBonus(c *Case) {
	c.TrustBonus = nil
	c.EffectiveRequiredApprovals = c.BaseRequiredApprovals
	if e.sources == nil {
		return
	}
	bonus, ok := e.sources.Best(c.Entity.MediaReferences)
	if !ok {
		return
	}
	c.TrustBonus = &bonus
	c.EffectiveRequiredApprovals = EffectiveRequired(len(c.KnownQuorumNodes), c.BaseRequiredApprovals,
		e.policy.FloorApprovals, bonus.Multiplier)
}

func (e *Engine) lookup(id types.CaseID) (*caseState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cs, ok := e.open[id]; ok {
		return cs, nil
	}
	if cs, ok := e.archived[id]; ok {
		return cs, nil
	}
	return nil, fmt.Errorf("case %s: %w", id, fault.ErrCaseNotFound)
}

// CastVote records a vote and re-evaluates the case. When the vote decides
// the case, the decision is written to the ledger before CastVote returns;
// a recording failure is returned alongside the decided case.
func (e *Engine) CastVote(ctx context.Context, caseID types.CaseID, nodeID types.NodeID, decision types.Decision, publicKey, comment string) (Case, error) {
	c, err := e.castVote(ctx, caseID, nodeID, decision, publicKey, comment)
	e.metrics.VoteCast(string(decision), err)
	return c, err
}

func (e *Engine) castVote(ctx context.Context, caseID types.CaseID, nodeID types.NodeID, decision types.Decision, publicKey, comment string) (Case, error) {
	if !decision.Valid() {
		return Case{}, fault.Config("decision", fmt.Sprintf("unknown decision %q", decision))
	}
	cs, err := e.lookup(caseID)
	if err != nil {
		return Case{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	c := &cs.c
	if c.FinalDecision != types.OutcomePending {
		return c.clone(), fmt.Errorf("case %s is %s: %w", caseID, c.FinalDecision, fault.ErrCaseClosed)
	}
	now := e.now()
	if !now.Before(c.ExpiresAt) {
		recErr := e.decideLocked(ctx, cs, types.OutcomeRejected, ReasonTimeout, now)
		if recErr != nil {
			return c.clone(), fmt.Errorf("case %s: %w (recording failed: %v)", caseID, fault.ErrCaseExpired, recErr)
		}
		return c.clone(), fmt.Errorf("case %s: %w", caseID, fault.ErrCaseExpired)
	}
	if !e.nodes.IsVoter(nodeID) {
		return c.clone(), &fault.UnknownNodeError{NodeID: string(nodeID)}
	}
	if !c.inQuorum(nodeID) {
		return c.clone(), fmt.Errorf("node %s on case %s: %w", nodeID, caseID, fault.ErrNotInQuorum)
	}
	if _, voted := c.Votes[nodeID]; voted && !e.policy.AllowVoteChange {
		return c.clone(), &fault.DuplicateVoteError{CaseID: string(caseID), NodeID: string(nodeID)}
	}

	c.Votes[nodeID] = Vote{
		NodeID:         nodeID,
		Decision:       decision,
		PublicKey:      publicKey,
		KeyFingerprint: KeyFingerprint(publicKey),
		Comment:        comment,
		CastAt:         now,
	}
	e.nodes.Touch(nodeID)

	e.logger.Debug("Vote recorded",
		zap.String("case_id", string(caseID)),
		zap.String("node_id", string(nodeID)),
		zap.String("decision", string(decision)))

	if outcome := c.evaluate(); outcome != types.OutcomePending {
		if err := e.decideLocked(ctx, cs, outcome, "", now); err != nil {
			return c.clone(), err
		}
	}
	return c.clone(), nil
}

// decideLocked finalizes the case and records it. cs.mu must be held.
func (e *Engine) decideLocked(ctx context.Context, cs *caseState, outcome types.CaseOutcome, reason string, now time.Time) error {
	c := &cs.c
	c.FinalDecision = outcome
	c.Reason = reason
	decided := now
	c.DecidedAt = &decided
	cs.unrecorded = true

	e.metrics.CaseDecided(string(outcome))
	approvals, rejects := c.tally()
	e.logger.Info("Verification case decided",
		zap.String("case_id", string(c.CaseID)),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Int("approvals", approvals),
		zap.Int("rejects", rejects),
		zap.Int("required", c.EffectiveRequiredApprovals))

	e.archive(c.CaseID, cs)
	return e.recordLocked(ctx, cs)
}

// archive moves a decided case out of the open set. Lock order is
// caseState.mu then Engine.mu.
func (e *Engine) archive(id types.CaseID, cs *caseState) {
	e.mu.Lock()
	delete(e.open, id)
	e.archived[id] = cs
	e.mu.Unlock()
}

func (e *Engine) recordLocked(ctx context.Context, cs *caseState) error {
	if !cs.unrecorded {
		return nil
	}
	if e.recorder == nil {
		cs.unrecorded = false
		return nil
	}
	c := &cs.c
	snapshot := c.clone()
	block, err := e.recorder.Append(ctx, ledger.Change{
		Operation:   OperationName,
		Description: fmt.Sprintf("Quorum decision for %s: %s", c.Entity.ID, c.FinalDecision),
		Metadata:    snapshot,
	})
	if err != nil {
		e.logger.Error("Failed to record quorum decision",
			zap.String("case_id", string(c.CaseID)),
			zap.Error(err))
		return fmt.Errorf("record decision for case %s: %w", c.CaseID, err)
	}
	id := block.BlockID
	c.LedgerBlockID = &id
	cs.unrecorded = false
	return nil
}

// RecordPending retries ledger recording for decided cases whose first
// attempt failed. It returns the number recorded and the first error.
func (e *Engine) RecordPending(ctx context.Context) (int, error) {
	e.mu.RLock()
	states := make([]*caseState, 0, len(e.archived))
	for _, cs := range e.archived {
		states = append(states, cs)
	}
	e.mu.RUnlock()

	recorded := 0
	var firstErr error
	for _, cs := range states {
		cs.mu.Lock()
		if cs.unrecorded {
			if err := e.recordLocked(ctx, cs); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				recorded++
			}
		}
		cs.mu.Unlock()
	}
	return recorded, firstErr
}

// ExpireCases rejects every open case past its deadline and returns how
// many were closed.
func (e *Engine) ExpireCases(ctx context.Context) (int, error) {
	now := e.now()
	e.mu.RLock()
	var overdue []*caseState
	for _, cs := range e.open {
		overdue = append(overdue, cs)
	}
	e.mu.RUnlock()

	expired := 0
	var firstErr error
	for _, cs := range overdue {
		cs.mu.Lock()
		if cs.c.FinalDecision == types.OutcomePending && !now.Before(cs.c.ExpiresAt) {
			expired++
			if err := e.decideLocked(ctx, cs, types.OutcomeRejected, ReasonTimeout, now); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		cs.mu.Unlock()
	}
	return expired, firstErr
}

// AddMediaReference attaches another endorsement to an open case and
// recomputes the threshold. Existing approvals may now decide the case.
func (e *Engine) AddMediaReference(ctx context.Context, caseID types.CaseID, reference string) (Case, error) {
	cs, err := e.lookup(caseID)
	if err != nil {
		return Case{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c := &cs.c
	if c.FinalDecision != types.OutcomePending {
		return c.clone(), fmt.Errorf("case %s is %s: %w", caseID, c.FinalDecision, fault.ErrCaseClosed)
	}
	c.Entity.MediaReferences = append(c.Entity.MediaReferences, reference)
	e.applyBonus(c)

	if outcome := c.evaluate(); outcome != types.OutcomePending {
		if err := e.decideLocked(ctx, cs, outcome, "", e.now()); err != nil {
			return c.clone(), err
		}
	}
	return c.clone(), nil
}

// Case returns a copy of a case, open or decided.
func (e *Engine) Case(caseID types.CaseID) (Case, error) {
	cs, err := e.lookup(caseID)
	if err != nil {
		return Case{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.c.clone(), nil
}

// Status summarizes a case's votes against its thresholds.
func (e *Engine) Status(caseID types.CaseID) (Status, error) {
	cs, err := e.lookup(caseID)
	if err != nil {
		return Status{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.c.status(e.now()), nil
}

// Outcome returns the final decision, or a *fault.QuorumUnresolvedError
// while the case is pending.
func (e *Engine) Outcome(caseID types.CaseID) (types.CaseOutcome, error) {
	cs, err := e.lookup(caseID)
	if err != nil {
		return "", err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := &cs.c
	if c.FinalDecision == types.OutcomePending {
		approvals, rejects := c.tally()
		return types.OutcomePending, &fault.QuorumUnresolvedError{
			CaseID:    string(caseID),
			Approvals: approvals,
			Rejects:   rejects,
			Required:  c.EffectiveRequiredApprovals,
		}
	}
	return c.FinalDecision, nil
}

// Open lists undecided cases by id.
func (e *Engine) Open() []Case {
	e.mu.RLock()
	states := collect(e.open)
	e.mu.RUnlock()
	return snapshot(states)
}

// Archived lists decided cases by id.
func (e *Engine) Archived() []Case {
	e.mu.RLock()
	states := collect(e.archived)
	e.mu.RUnlock()
	return snapshot(states)
}

func collect(m map[types.CaseID]*caseState) []*caseState {
	out := make([]*caseState, 0, len(m))
	for _, cs := range m {
		out = append(out, cs)
	}
	return out
}

func snapshot(states []*caseState) []Case {
	out := make([]Case, 0, len(states))
	for _, cs := range states {
		cs.mu.Lock()
		out = append(out, cs.c.clone())
		cs.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

func dedupe(ids []types.NodeID) []types.NodeID {
	seen := make(map[types.NodeID]bool, len(ids))
	out := make([]types.NodeID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
