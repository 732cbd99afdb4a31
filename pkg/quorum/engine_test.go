package quorum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/registry"
	"quorumchain/pkg/trust"
	"quorumchain/pkg/types"
)

type fakeRecorder struct {
	mu      sync.Mutex
	changes []ledger.Change
	fail    int
}

func (r *fakeRecorder) Append(_ context.Context, c ledger.Change) (ledger.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return ledger.Block{}, fault.Storage("append", errors.New("disk full"))
	}
	r.changes = append(r.changes, c)
	return ledger.Block{BlockID: int64(len(r.changes))}, nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func nodeIDs(n int) []types.NodeID {
	ids := make([]types.NodeID, n)
	for i := range ids {
		ids[i] = types.NodeID(fmt.Sprintf("node-%d", i+1))
	}
	return ids
}

func newTestEngine(t *testing.T, voters int, policy Policy) (*Engine, *fakeRecorder, *clock) {
	t.Helper()
	nodes := registry.New(nil)
	for _, id := range nodeIDs(voters) {
		_, err := nodes.Register(id, 0.8)
		require.NoError(t, err)
	}
	sources, err := trust.NewRegistry(trust.DefaultSources())
	require.NoError(t, err)

	rec := &fakeRecorder{}
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewEngine(nodes, sources, rec, Options{Policy: policy, Now: clk.Now}), rec, clk
}

func TestThresholds(t *testing.T) {
	tests := []struct {
		n, base    int
		multiplier float64
		effective  int
	}{
		{1, 1, 0.6, 1},
		{2, 2, 0.6, 2},
		{3, 3, 0.6, 2},
		{3, 3, 0.8, 3},
		{4, 3, 0.6, 2},
		{5, 4, 0.65, 3},
		{6, 4, 0.7, 3},
		{9, 6, 0.6, 4},
		{10, 7, 0.8, 6},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			base := BaseRequired(tt.n, DefaultMinApprovals)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.effective, EffectiveRequired(tt.n, base, DefaultFloorApprovals, tt.multiplier))
		})
	}
	// 5 * 0.6 is 3 in exact arithmetic
	assert.Equal(t, 3, EffectiveRequired(10, 5, 2, 0.6))
}

func TestStartCaseWithoutBonus(t *testing.T) {
	e, _, clk := newTestEngine(t, 3, Policy{})

	c, err := e.StartCase(context.Background(), Entity{ID: "party-1", Name: "Test Party"}, nil)
	require.NoError(t, err)

	assert.Equal(t, types.CaseID("case_party-1_1"), c.CaseID)
	assert.Equal(t, nodeIDs(3), c.KnownQuorumNodes)
	assert.Equal(t, 3, c.BaseRequiredApprovals)
	assert.Equal(t, 3, c.EffectiveRequiredApprovals)
	assert.Nil(t, c.TrustBonus)
	assert.Equal(t, types.OutcomePending, c.FinalDecision)
	assert.Equal(t, clk.Now().Add(DefaultCaseTTL), c.ExpiresAt)
}

func TestTrustedMediaLowersThreshold(t *testing.T) {
	ctx := context.Background()
	e, rec, _ := newTestEngine(t, 3, Policy{})

	c, err := e.StartCase(ctx, Entity{
		ID:              "party-2",
		MediaReferences: []string{"https://unknown.example/post", "https://yle.fi/uutiset/1-123"},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, c.TrustBonus)
	assert.Equal(t, "newspapers", c.TrustBonus.SourceType)
	assert.Equal(t, 0.6, c.TrustBonus.Multiplier)
	assert.Equal(t, 2, c.EffectiveRequiredApprovals)

	c, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionApprove, "pk-1", "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomePending, c.FinalDecision)

	c, err = e.CastVote(ctx, c.CaseID, "node-2", types.DecisionApprove, "pk-2", "verified")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApproved, c.FinalDecision)
	require.NotNil(t, c.DecidedAt)
	require.NotNil(t, c.LedgerBlockID)
	assert.Equal(t, KeyFingerprint("pk-2"), c.Votes["node-2"].KeyFingerprint)
	assert.Len(t, c.Votes["node-2"].KeyFingerprint, 16)

	require.Equal(t, 1, rec.count())
	change := rec.changes[0]
	assert.Equal(t, OperationName, change.Operation)
	data, err := json.Marshal(change.Metadata)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"final_decision":"approved"`)

	_, err = e.CastVote(ctx, c.CaseID, "node-3", types.DecisionReject, "", "")
	assert.ErrorIs(t, err, fault.ErrCaseClosed)

	outcome, err := e.Outcome(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApproved, outcome)
	assert.Len(t, e.Archived(), 1)
	assert.Empty(t, e.Open())
}

func TestDuplicateVoteLeavesTallyUnchanged(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, 3, Policy{})
	c, err := e.StartCase(ctx, Entity{ID: "party-3"}, nil)
	require.NoError(t, err)

	_, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionApprove, "", "")
	require.NoError(t, err)

	_, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionReject, "", "")
	var dup *fault.DuplicateVoteError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "node-1", dup.NodeID)

	status, err := e.Status(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ApproveVotes)
	assert.Equal(t, 0, status.RejectVotes)
	assert.Equal(t, 2, status.Remaining)
	assert.False(t, status.QuorumMet)
	assert.InDelta(t, 24.0, status.TimeRemainingHours, 0.001)
}

func TestVoteChangeWhenAllowed(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, 5, Policy{AllowVoteChange: true})
	c, err := e.StartCase(ctx, Entity{ID: "party-4"}, nil)
	require.NoError(t, err)

	_, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionApprove, "", "")
	require.NoError(t, err)
	c, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionReject, "", "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, types.DecisionReject, c.Votes["node-1"].Decision)
	assert.Len(t, c.Votes, 1)
}

func TestRejectedWhenApprovalImpossible(t *testing.T) {
	ctx := context.Background()
	e, rec, _ := newTestEngine(t, 3, Policy{})
	c, err := e.StartCase(ctx, Entity{ID: "party-5"}, nil)
	require.NoError(t, err)

	// three of three are needed, so the first rejection decides
	c, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionReject, "", "")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRejected, c.FinalDecision)
	assert.Empty(t, c.Reason)
	assert.Equal(t, 1, rec.count())
}

func TestVoterChecks(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, 4, Policy{})
	c, err := e.StartCase(ctx, Entity{ID: "party-6"}, nodeIDs(3))
	require.NoError(t, err)

	_, err = e.CastVote(ctx, c.CaseID, "stranger", types.DecisionApprove, "", "")
	assert.True(t, fault.IsUnknownNode(err))

	_, err = e.CastVote(ctx, c.CaseID, "node-4", types.DecisionApprove, "", "")
	assert.ErrorIs(t, err, fault.ErrNotInQuorum)

	require.NoError(t, e.nodes.Revoke("node-2"))
	_, err = e.CastVote(ctx, c.CaseID, "node-2", types.DecisionApprove, "", "")
	assert.True(t, fault.IsUnknownNode(err))

	_, err = e.CastVote(ctx, c.CaseID, "node-1", types.Decision("abstain"), "", "")
	assert.True(t, fault.IsConfig(err))

	_, err = e.CastVote(ctx, "case_missing_9", "node-1", types.DecisionApprove, "", "")
	assert.ErrorIs(t, err, fault.ErrCaseNotFound)
}

func TestCaseTimeout(t *testing.T) {
	ctx := context.Background()
	e, rec, clk := newTestEngine(t, 3, Policy{})
	c, err := e.StartCase(ctx, Entity{ID: "party-7"}, nil)
	require.NoError(t, err)
	_, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionApprove, "", "")
	require.NoError(t, err)

	clk.Advance(DefaultCaseTTL)
	_, err = e.CastVote(ctx, c.CaseID, "node-2", types.DecisionApprove, "", "")
	assert.ErrorIs(t, err, fault.ErrCaseExpired)

	c, err = e.Case(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRejected, c.FinalDecision)
	assert.Equal(t, ReasonTimeout, c.Reason)
	assert.Len(t, c.Votes, 1)
	assert.Equal(t, 1, rec.count())

	_, err = e.CastVote(ctx, c.CaseID, "node-3", types.DecisionApprove, "", "")
	assert.ErrorIs(t, err, fault.ErrCaseClosed)
}

func TestExpireCases(t *testing.T) {
	ctx := context.Background()
	e, _, clk := newTestEngine(t, 3, Policy{CaseTTL: time.Hour})
	old, err := e.StartCase(ctx, Entity{ID: "old"}, nil)
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	fresh, err := e.StartCase(ctx, Entity{ID: "fresh"}, nil)
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	expired, err := e.ExpireCases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	outcome, err := e.Outcome(old.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRejected, outcome)

	_, err = e.Outcome(fresh.CaseID)
	var unresolved *fault.QuorumUnresolvedError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, 3, unresolved.Required)
}

func TestRecordPendingRetriesFailedRecording(t *testing.T) {
	ctx := context.Background()
	e, rec, _ := newTestEngine(t, 3, Policy{})
	rec.fail = 1
	c, err := e.StartCase(ctx, Entity{ID: "party-8", MediaReferences: []string{"yle.fi"}}, nil)
	require.NoError(t, err)

	_, err = e.CastVote(ctx, c.CaseID, "node-1", types.DecisionApprove, "", "")
	require.NoError(t, err)
	c, err = e.CastVote(ctx, c.CaseID, "node-2", types.DecisionApprove, "", "")
	require.Error(t, err)
	assert.True(t, fault.IsStorage(err))
	assert.Equal(t, types.OutcomeApproved, c.FinalDecision)
	assert.Nil(t, c.LedgerBlockID)

	recorded, err := e.RecordPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)

	c, err = e.Case(c.CaseID)
	require.NoError(t, err)
	require.NotNil(t, c.LedgerBlockID)

	recorded, err = e.RecordPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, recorded)
}

func TestAddMediaReferenceDecides(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, 3, Policy{})
	c, err := e.StartCase(ctx, Entity{ID: "party-9"}, nil)
	require.NoError(t, err)
	for _, id := range []types.NodeID{"node-1", "node-2"} {
		_, err = e.CastVote(ctx, c.CaseID, id, types.DecisionApprove, "", "")
		require.NoError(t, err)
	}

	c, err = e.AddMediaReference(ctx, c.CaseID, "https://www.reuters.com/world")
	require.NoError(t, err)
	assert.Equal(t, "international", c.TrustBonus.SourceType)
	assert.Equal(t, 2, c.EffectiveRequiredApprovals)
	assert.Equal(t, types.OutcomeApproved, c.FinalDecision)
}

func TestConcurrentVotesDecideOnce(t *testing.T) {
	ctx := context.Background()
	e, rec, _ := newTestEngine(t, 9, Policy{})
	c, err := e.StartCase(ctx, Entity{ID: "party-10"}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range nodeIDs(9) {
		wg.Add(1)
		go func(id types.NodeID) {
			defer wg.Done()
			_, _ = e.CastVote(ctx, c.CaseID, id, types.DecisionApprove, "", "")
		}(id)
	}
	wg.Wait()

	c, err = e.Case(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApproved, c.FinalDecision)
	assert.Len(t, c.Votes, 6)
	assert.Equal(t, 1, rec.count())
}

func TestStartCaseValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, 0, Policy{})
	_, err := e.StartCase(context.Background(), Entity{ID: "x"}, nil)
	assert.True(t, fault.IsConfig(err))
	_, err = e.StartCase(context.Background(), Entity{}, nodeIDs(3))
	assert.True(t, fault.IsConfig(err))
}
