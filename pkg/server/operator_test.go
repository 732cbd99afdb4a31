package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumchain/pkg/ledger"
	"quorumchain/pkg/recovery"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/types"
)

// peerChain returns a chain sharing the fixture's current blocks and then
// adding one block of its own.
func peerChain(t *testing.T, f *fixture) *ledger.Ledger {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	peer, err := ledger.Open(db, ledger.Options{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, peer.Restore(f.ledger.Blocks()))
	_, err = peer.Append(context.Background(), ledger.Change{Operation: "peer_audit"})
	require.NoError(t, err)
	return peer
}

func TestForkReviewRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	peer := peerChain(t, f)
	cid, err := peer.Snapshot(ctx, f.store)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/ledger/blocks", map[string]any{"operation": "local_audit"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/ledger/fork", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[forkResponse](t, rec).Pending)

	rec = f.do(t, http.MethodPost, "/ledger/reconcile", map[string]string{"content_id": string(cid)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/ledger/fork", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fork := decodeBody[forkResponse](t, rec)
	require.True(t, fork.Pending)
	assert.Equal(t, int64(1), fork.Report.ForkAt)
	assert.Equal(t, ledger.PreferLocal, fork.Report.Preferred)

	// halted until the fork is resolved
	rec = f.do(t, http.MethodPost, "/ledger/blocks", map[string]any{"operation": "audit"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = f.do(t, http.MethodPost, "/ledger/reinstate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/ledger/fork/resolve", map[string]string{"keep": "both"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/ledger/fork/resolve", map[string]string{"keep": "peer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decodeBody[ledgerStateResponse](t, rec)
	assert.False(t, state.Halted)
	assert.Equal(t, 2, state.Height)
	peerHead, _ := peer.Head()
	assert.Equal(t, peerHead.BlockHash, state.HeadHash)

	rec = f.do(t, http.MethodPost, "/ledger/fork/resolve", map[string]string{"keep": "local"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/ledger/reinstate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[ledgerStateResponse](t, rec).Halted)
}

func TestReconcileFastForwards(t *testing.T) {
	f := newFixture(t)
	cid, err := peerChain(t, f).Snapshot(context.Background(), f.store)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/ledger/reconcile", map[string]string{"content_id": string(cid)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[reconcileResponse](t, rec)
	assert.Equal(t, 1, resp.Adopted)
	assert.Equal(t, 2, resp.Height)

	rec = f.do(t, http.MethodPost, "/ledger/reconcile", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotAndRestore(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/ledger/snapshot", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decodeBody[snapshotResponse](t, rec)
	assert.Equal(t, 1, snap.Height)
	require.NotEmpty(t, snap.ContentID)

	rec = f.do(t, http.MethodPost, "/ledger/blocks", map[string]any{"operation": "audit"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 2, f.ledger.Height())

	rec = f.do(t, http.MethodPost, "/ledger/restore", map[string]string{"content_id": string(snap.ContentID)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[ledgerStateResponse](t, rec).Height)
	assert.Equal(t, 1, f.ledger.Height())
	assert.True(t, f.ledger.Verify().Valid)
}

func TestRecoverRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/backups/recover", map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/backups", map[string]any{
		"payload":  map[string]int{"tally": 41},
		"label":    "tally",
		"priority": "emergency",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[backupResponse](t, rec).BackupID

	rec = f.do(t, http.MethodPost, "/backups/recover", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[recovery.BackupEntry](t, rec)
	assert.Equal(t, id, got.BackupID)
	assert.JSONEq(t, `{"tally":41}`, string(got.Payload))

	head, ok := f.ledger.Head()
	require.True(t, ok)
	assert.Equal(t, recovery.OperationRecovery, head.Operation)

	before := got.CreatedAt.Add(-time.Hour).Format(time.RFC3339Nano)
	rec = f.do(t, http.MethodPost, "/backups/recover", map[string]string{"at": before})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/backups/recover", map[string]string{"at": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.persister.offline.Store(true)
	id, err := f.recovery.Backup(ctx, []byte(`{"tally":3}`), "tally", types.PriorityEmergency)
	require.Error(t, err)

	rec := f.do(t, http.MethodGet, "/backups/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recovery.StateFailed, decodeBody[recovery.BackupEntry](t, rec).State)

	f.persister.offline.Store(false)
	rec = f.do(t, http.MethodPost, "/backups/"+string(id)+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.recovery.RunPending(ctx))

	rec = f.do(t, http.MethodGet, "/backups/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recovery.StatePersisted, decodeBody[recovery.BackupEntry](t, rec).State)

	// only failed backups can be retried
	rec = f.do(t, http.MethodPost, "/backups/"+string(id)+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/backups/backup_missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/backups/backup_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
