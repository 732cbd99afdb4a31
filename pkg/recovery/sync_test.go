package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/types"
)

type staticPeers struct {
	histories map[types.NodeID][]BackupEntry
	failing   map[types.NodeID]bool
}

func (p *staticPeers) FetchHistory(_ context.Context, node types.NodeID) ([]BackupEntry, error) {
	if p.failing[node] {
		return nil, fault.Storage("fetch", errors.New("peer offline"))
	}
	h, ok := p.histories[node]
	if !ok {
		return nil, &fault.UnknownNodeError{NodeID: string(node)}
	}
	return h, nil
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func entry(id, data string, at time.Time, origin types.NodeID) BackupEntry {
	return BackupEntry{
		BackupID:  types.BackupID(id),
		Label:     "tally",
		Priority:  types.PriorityNormal,
		Payload:   json.RawMessage(data),
		CreatedAt: at,
		State:     StatePersisted,
		Origin:    origin,
	}
}

// seed installs settled entries directly into the local history.
func seed(s *Scheduler, entries ...BackupEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e := e.clone()
		s.history[e.BackupID] = &e
	}
}

func TestSyncLastWriterWins(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	rec := &fakeRecorder{}
	peers := &staticPeers{histories: map[types.NodeID][]BackupEntry{
		"node-2": {
			entry("x", `{"v":"newer"}`, t0.Add(time.Hour), "node-2"),
			entry("y", `{"v":"y"}`, t0, "node-2"),
		},
		"node-3": {
			entry("y", `{"v":"y"}`, t0, "node-2"),
			entry("z", `{"v":"old"}`, t0.Add(-time.Hour), "node-3"),
		},
	}}
	s := newScheduler(t, &recordingPersister{}, db, Options{SyncRate: 100}).WithPeers(peers).WithRecorder(rec)
	seed(s,
		entry("x", `{"v":"older"}`, t0, "node-1"),
		entry("z", `{"v":"new"}`, t0, "node-1"),
	)

	result, err := s.MultiNodeSynchronization(ctx, []types.NodeID{"node-2", "node-3"})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{NodesProcessed: 2, EntriesProcessed: 4, EntriesAdded: 1, EntriesReplaced: 1}, result)

	x, err := s.Get("x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"newer"}`, string(x.Payload))
	z, err := s.Get("z")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"new"}`, string(z.Payload))
	_, err = s.Get("y")
	require.NoError(t, err)

	assert.Equal(t, []string{OperationSync}, rec.ops)

	// merged entries are durable
	reloaded := newScheduler(t, &recordingPersister{}, db, Options{})
	x, err = reloaded.Get("x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"newer"}`, string(x.Payload))
}

func TestSyncTieBreakIsDeterministic(t *testing.T) {
	a := entry("x", `{"v":"a"}`, t0, "node-1")
	b := entry("x", `{"v":"b"}`, t0, "node-2")
	winner := a
	if b.payloadHash() > a.payloadHash() {
		winner = b
	}

	for _, local := range []BackupEntry{a, b} {
		remote := a
		if local.Payload[6] == 'a' {
			remote = b
		}
		s := newScheduler(t, &recordingPersister{}, nil, Options{}).
			WithPeers(&staticPeers{histories: map[types.NodeID][]BackupEntry{"peer": {remote}}})
		seed(s, local)

		_, err := s.MultiNodeSynchronization(context.Background(), []types.NodeID{"peer"})
		require.NoError(t, err)
		got, err := s.Get("x")
		require.NoError(t, err)
		assert.Equal(t, string(winner.Payload), string(got.Payload))
	}
}

func TestSyncIsAllOrNothing(t *testing.T) {
	peers := &staticPeers{
		histories: map[types.NodeID][]BackupEntry{
			"node-2": {entry("new", `{}`, t0, "node-2")},
		},
		failing: map[types.NodeID]bool{"node-3": true},
	}
	s := newScheduler(t, &recordingPersister{}, nil, Options{}).WithPeers(peers)

	_, err := s.MultiNodeSynchronization(context.Background(), []types.NodeID{"node-2", "node-3"})
	require.Error(t, err)
	assert.True(t, fault.IsStorage(err))
	assert.Empty(t, s.History())

	_, err = s.MultiNodeSynchronization(context.Background(), []types.NodeID{"node-9"})
	assert.True(t, fault.IsUnknownNode(err))
}

func TestSyncLeavesQueuedEntriesAlone(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	s := newScheduler(t, p, nil, Options{})
	id, err := s.Backup(ctx, []byte(`{"v":"local"}`), "queued", types.PriorityNormal)
	require.NoError(t, err)

	remote := entry(string(id), `{"v":"remote"}`, t0.Add(24*time.Hour), "node-2")
	s.WithPeers(&staticPeers{histories: map[types.NodeID][]BackupEntry{"node-2": {remote}}})
	_, err = s.MultiNodeSynchronization(ctx, []types.NodeID{"node-2"})
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"local"}`, string(got.Payload))
}

func TestSyncThroughContentStore(t *testing.T) {
	ctx := context.Background()
	store := content.NewMemoryStore()

	remote := newScheduler(t, &recordingPersister{}, nil, Options{NodeID: "node-2"}).WithContentStore(store)
	_, err := remote.Backup(ctx, []byte(`{"remote":true}`), "state", types.PriorityEmergency)
	require.NoError(t, err)
	cid, err := remote.PublishHistory(ctx)
	require.NoError(t, err)

	peers := NewContentPeerSource(store)
	peers.Announce("node-2", cid)
	local := newScheduler(t, &recordingPersister{}, nil, Options{NodeID: "node-1"}).WithPeers(peers)

	result, err := local.MultiNodeSynchronization(ctx, []types.NodeID{"node-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesAdded)

	h := local.History()
	require.Len(t, h, 1)
	assert.Equal(t, types.NodeID("node-2"), h[0].Origin)
	assert.Equal(t, StateRemote, h[0].State)

	_, err = NewContentPeerSource(store).FetchHistory(ctx, "node-2")
	assert.True(t, fault.IsUnknownNode(err))
}

func TestSyncedPeerEntriesStayWithTheirOrigin(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	pending := entry("r-pending", `{"v":1}`, t0, "node-2")
	pending.State = StatePending
	failed := entry("r-failed", `{"v":2}`, t0, "node-2")
	failed.State = StateFailed
	failed.Attempts = 3
	failed.LastError = "disk full"

	p := &recordingPersister{}
	s := newScheduler(t, p, db, Options{}).
		WithPeers(&staticPeers{histories: map[types.NodeID][]BackupEntry{"node-2": {pending, failed}}})
	_, err = s.MultiNodeSynchronization(ctx, []types.NodeID{"node-2"})
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, 2, st.Remote)
	assert.Zero(t, s.RunPending(ctx))

	err = s.Retry("r-failed")
	assert.True(t, fault.IsConfig(err))

	reloaded := newScheduler(t, p, db, Options{})
	assert.Zero(t, reloaded.RunPending(ctx))
	assert.Empty(t, p.labels())
	got, err := reloaded.Get("r-failed")
	require.NoError(t, err)
	assert.Equal(t, StateRemote, got.State)
	assert.Empty(t, got.LastError)

	// peer-synced entries still serve recovery
	recovered, err := reloaded.Recover(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("node-2"), recovered.Origin)
}

func TestSyncRequeuesOwnLostEntries(t *testing.T) {
	ctx := context.Background()
	own := entry("lost", `{"v":"mine"}`, t0, "node-1")
	own.State = StatePending

	p := &recordingPersister{}
	s := newScheduler(t, p, nil, Options{}).
		WithPeers(&staticPeers{histories: map[types.NodeID][]BackupEntry{"node-2": {own}}})
	_, err := s.MultiNodeSynchronization(ctx, []types.NodeID{"node-2"})
	require.NoError(t, err)

	assert.Equal(t, 1, s.RunPending(ctx))
	assert.Equal(t, []string{"tally"}, p.labels())
}
