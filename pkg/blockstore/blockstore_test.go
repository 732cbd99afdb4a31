package blockstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/registry"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/types"
)

func scenarioSpecs() []types.BlockSpec {
	specs := types.DefaultBlocks()
	for i := range specs {
		if specs[i].Name == "active" {
			specs[i].MaxSize = 2
		}
	}
	return specs
}

func newTestStore(t *testing.T, opts Options) (*BlockStore, *content.MemoryStore) {
	t.Helper()
	mem := content.NewMemoryStore()
	if opts.NodeID == "" {
		opts.NodeID = "node-1"
	}
	opts.AutoRotate = true
	opts.Logger = zap.NewNop()
	s := New(mem, registry.New(nil), nil, opts)
	_, err := s.Initialize(context.Background(), scenarioSpecs(), false)
	require.NoError(t, err)
	return s, mem
}

func vote(i int) []byte {
	return []byte(fmt.Sprintf(`{"vote":%d,"candidate":"c-%d"}`, i, i%3))
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	s := New(content.NewMemoryStore(), registry.New(nil), nil, Options{NodeID: "node-1"})

	cid, err := s.Initialize(ctx, types.DefaultBlocks(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, cid)

	meta, metaCID := s.Metadata()
	assert.Equal(t, cid, metaCID)
	assert.Equal(t, []string{"buffer1", "urgent", "sync", "active", "buffer2"}, meta.BlockSequence)
	assert.Len(t, meta.Blocks, 5)
	assert.Equal(t, 150, meta.SyncConfig.MaxBlockSize["active"])
	assert.Equal(t, []types.NodeID{"node-1"}, meta.NodeRegistry)

	_, err = s.Initialize(ctx, types.DefaultBlocks(), false)
	assert.True(t, fault.IsAlreadyInitialized(err))

	_, err = s.Initialize(ctx, types.DefaultBlocks(), true)
	assert.NoError(t, err)
}

func TestInitializeRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name  string
		specs []types.BlockSpec
	}{
		{"empty", nil},
		{"zero size", []types.BlockSpec{{Name: "a", MaxSize: 0}}},
		{"duplicate", []types.BlockSpec{{Name: "a", MaxSize: 1}, {Name: "a", MaxSize: 2}}},
		{"separator in name", []types.BlockSpec{{Name: "a_b", MaxSize: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(content.NewMemoryStore(), nil, nil, Options{})
			_, err := s.Initialize(context.Background(), tt.specs, false)
			assert.True(t, fault.IsConfig(err))
			assert.False(t, s.Initialized())
		})
	}
}

func TestRotationScenario(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	for i := 0; i < 2; i++ {
		_, err := s.Write(ctx, "active", vote(i), "vote", types.PriorityNormal)
		require.NoError(t, err)
	}
	// full but not rotated until the next write
	assert.Equal(t, uint64(0), s.RotationCount())

	_, err := s.Write(ctx, "active", vote(2), "vote", types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.RotationCount())

	st, err := s.Status("active")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Generation)
	require.NotEmpty(t, st.SealedContentID)

	live, err := s.Read("active", "")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.JSONEq(t, string(vote(2)), string(live[0].Payload))

	sealed, err := s.ReadSealed(ctx, st.SealedContentID)
	require.NoError(t, err)
	require.Len(t, sealed.Entries, 2)
	assert.JSONEq(t, string(vote(0)), string(sealed.Entries[0].Payload))
	assert.JSONEq(t, string(vote(1)), string(sealed.Entries[1].Payload))

	meta, _ := s.Metadata()
	assert.Equal(t, st.SealedContentID, meta.Blocks["active"])
	require.Len(t, meta.RotationHistory, 1)
	assert.Equal(t, 2, meta.RotationHistory[0].EntryCount)
}

func TestEntryIDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	seen := map[types.EntryID]bool{}
	for i := 0; i < 7; i++ {
		e, err := s.Write(ctx, "active", vote(i), "vote", types.PriorityNormal)
		require.NoError(t, err)
		assert.False(t, seen[e.EntryID], "duplicate id %s", e.EntryID)
		seen[e.EntryID] = true
	}

	gens, err := s.Sealed("active")
	require.NoError(t, err)
	require.Len(t, gens, 3)
	sealedIDs := map[types.EntryID]bool{}
	for _, g := range gens {
		assert.Len(t, g.EntryIDs, 2)
		for _, id := range g.EntryIDs {
			assert.False(t, sealedIDs[id])
			sealedIDs[id] = true
		}
	}
}

func TestFailedRotationLeavesBlockUntouched(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, Options{})

	for i := 0; i < 2; i++ {
		_, err := s.Write(ctx, "active", vote(i), "vote", types.PriorityNormal)
		require.NoError(t, err)
	}
	_, metaBefore := s.Metadata()

	mem.FailUploads(-1)
	_, err := s.Write(ctx, "active", vote(2), "vote", types.PriorityNormal)
	require.Error(t, err)
	assert.True(t, fault.IsCapacity(err))
	assert.True(t, fault.IsStorage(err))

	entries, err := s.Read("active", "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, uint64(0), s.RotationCount())
	_, metaAfter := s.Metadata()
	assert.Equal(t, metaBefore, metaAfter)

	_, err = s.Rotate(ctx, "active")
	assert.True(t, fault.IsStorage(err))

	mem.FailUploads(0)
	_, err = s.Write(ctx, "active", vote(2), "vote", types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.RotationCount())
}

func TestWriteWithoutAutoRotate(t *testing.T) {
	ctx := context.Background()
	s := New(content.NewMemoryStore(), nil, nil, Options{NodeID: "n", AutoRotate: false})
	_, err := s.Initialize(ctx, []types.BlockSpec{{Name: "urgent", MaxSize: 1}}, false)
	require.NoError(t, err)

	_, err = s.Write(ctx, "urgent", []byte(`{}`), "backup", types.PriorityEmergency)
	require.NoError(t, err)
	_, err = s.Write(ctx, "urgent", []byte(`{}`), "backup", types.PriorityEmergency)
	var capErr *fault.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Nil(t, capErr.Cause)
	assert.Equal(t, "urgent", capErr.Block)
}

func TestWriteValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{MaxPayloadBytes: 32})

	_, err := s.Write(ctx, "nope", []byte(`{}`), "vote", types.PriorityNormal)
	assert.ErrorIs(t, err, fault.ErrUnknownBlock)

	_, err = s.Write(ctx, "active", []byte(`{"padding":"`+string(make([]byte, 40))+`"}`), "vote", types.PriorityNormal)
	assert.ErrorIs(t, err, fault.ErrPayloadTooLarge)

	_, err = s.Write(ctx, "active", []byte(`not json`), "vote", types.PriorityNormal)
	assert.True(t, fault.IsConfig(err))

	_, err = s.Write(ctx, "active", []byte(`{}`), "vote", types.Priority("urgent"))
	assert.True(t, fault.IsConfig(err))

	uninit := New(content.NewMemoryStore(), nil, nil, Options{})
	_, err = uninit.Write(ctx, "active", []byte(`{}`), "vote", types.PriorityNormal)
	assert.ErrorIs(t, err, fault.ErrNotInitialized)
}

func TestReadByEntryID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	e, err := s.Write(ctx, "sync", []byte(`{"b":2,"a":1}`), "checkpoint", types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, types.EntryID("sync_0_node-1"), e.EntryID)
	assert.Equal(t, `{"a":1,"b":2}`, string(e.Payload))
	assert.Len(t, e.Hash, 64)

	got, err := s.Read("sync", e.EntryID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e, got[0])

	got, err = s.Read("sync", "sync_99_node-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRotationIsArchived(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{ArchiveBlock: "buffer2"})

	for i := 0; i < 3; i++ {
		_, err := s.Write(ctx, "active", vote(i), "vote", types.PriorityNormal)
		require.NoError(t, err)
	}

	archived, err := s.Read("buffer2", "")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "rotation_archive", archived[0].DataType)

	var rec RotationRecord
	require.NoError(t, json.Unmarshal(archived[0].Payload, &rec))
	assert.Equal(t, "active", rec.Block)
	assert.Equal(t, 2, rec.EntryCount)
}

func TestRegisterNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	_, cidBefore := s.Metadata()

	added, err := s.RegisterNode(ctx, "node-2")
	require.NoError(t, err)
	assert.True(t, added)

	meta, cidAfter := s.Metadata()
	assert.NotEqual(t, cidBefore, cidAfter)
	assert.Equal(t, []types.NodeID{"node-1", "node-2"}, meta.NodeRegistry)

	added, err = s.RegisterNode(ctx, "node-2")
	require.NoError(t, err)
	assert.False(t, added)
	assert.True(t, s.registry.IsVoter("node-2"))
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	mem := content.NewMemoryStore()
	m := metrics.New()
	s := New(mem, nil, nil, Options{NodeID: "n", AutoRotate: true, Metrics: m})
	_, err := s.Initialize(ctx, []types.BlockSpec{
		{Name: "active", MaxSize: 10},
		{Name: "urgent", MaxSize: 1000},
	}, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Write(ctx, "active", vote(g*100+i), "vote", types.PriorityNormal)
				assert.NoError(t, err)
				_, err = s.Write(ctx, "urgent", vote(i), "backup", types.PriorityEmergency)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	gens, err := s.Sealed("active")
	require.NoError(t, err)
	live, err := s.Read("active", "")
	require.NoError(t, err)

	total := len(live)
	for _, g := range gens {
		total += len(g.EntryIDs)
	}
	assert.Equal(t, 100, total)
	assert.Len(t, gens, 9)
	assert.Equal(t, uint64(9), s.RotationCount())

	urgent, err := s.Status("urgent")
	require.NoError(t, err)
	assert.Equal(t, 100, urgent.Entries)
}

func TestJournalRestoresState(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	mem := content.NewMemoryStore()
	opts := Options{NodeID: "node-1", AutoRotate: true}
	s := New(mem, registry.New(nil), db, opts)
	_, err = s.Initialize(ctx, scenarioSpecs(), false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Write(ctx, "active", vote(i), "vote", types.PriorityNormal)
		require.NoError(t, err)
	}
	_, err = s.RegisterNode(ctx, "node-7")
	require.NoError(t, err)
	metaBefore, cidBefore := s.Metadata()

	reg := registry.New(nil)
	restored := New(mem, reg, db, opts)
	ok, err := restored.Load()
	require.NoError(t, err)
	require.True(t, ok)

	meta, cid := restored.Metadata()
	assert.Equal(t, cidBefore, cid)
	assert.Equal(t, metaBefore.TotalRotations, meta.TotalRotations)
	assert.True(t, reg.IsVoter("node-7"))

	live, err := restored.Read("active", "")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, types.EntryID("active_2_node-1"), live[0].EntryID)

	e, err := restored.Write(ctx, "active", vote(3), "vote", types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, types.EntryID("active_3_node-1"), e.EntryID)

	gens, err := restored.Sealed("active")
	require.NoError(t, err)
	require.Len(t, gens, 1)

	_, err = restored.Initialize(ctx, scenarioSpecs(), false)
	assert.True(t, fault.IsAlreadyInitialized(err))

	empty := New(mem, nil, nil, opts)
	ok, err = empty.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForcedInitializeKeepsEntryIDsUnique(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	mem := content.NewMemoryStore()
	opts := Options{NodeID: "node-1", AutoRotate: true}
	s := New(mem, nil, db, opts)
	_, err = s.Initialize(ctx, scenarioSpecs(), false)
	require.NoError(t, err)

	seen := map[types.EntryID]bool{}
	for i := 0; i < 3; i++ {
		e, err := s.Write(ctx, "active", vote(i), "vote", types.PriorityNormal)
		require.NoError(t, err)
		seen[e.EntryID] = true
	}

	_, err = s.Initialize(ctx, scenarioSpecs(), true)
	require.NoError(t, err)
	e, err := s.Write(ctx, "active", vote(3), "vote", types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, seen[e.EntryID], "reused %s", e.EntryID)
	assert.Equal(t, types.EntryID("active_3_node-1"), e.EntryID)

	// the counter also survives a restart after the forced initialisation
	_, err = s.Initialize(ctx, scenarioSpecs(), true)
	require.NoError(t, err)
	restored := New(mem, nil, db, opts)
	ok, err := restored.Load()
	require.NoError(t, err)
	require.True(t, ok)
	e, err = restored.Write(ctx, "active", vote(4), "vote", types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, types.EntryID("active_4_node-1"), e.EntryID)
}

// gatedStore holds the first metadata upload after arm until release is
// closed.
type gatedStore struct {
	*content.MemoryStore
	mu    sync.Mutex
	armed bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
}

func (g *gatedStore) Upload(ctx context.Context, data []byte) (types.ContentID, error) {
	g.mu.Lock()
	hold := g.armed && bytes.Contains(data, []byte(`"block_sequence"`))
	if hold {
		g.armed = false
	}
	entered, release := g.entered, g.release
	g.mu.Unlock()

	if hold {
		close(entered)
		<-release
	}
	return g.MemoryStore.Upload(ctx, data)
}

func TestMetadataUploadDoesNotBlockOtherUpdates(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{MemoryStore: content.NewMemoryStore()}
	s := New(store, nil, nil, Options{NodeID: "node-1", AutoRotate: true})
	_, err := s.Initialize(ctx, scenarioSpecs(), false)
	require.NoError(t, err)
	_, err = s.Write(ctx, "active", vote(0), "vote", types.PriorityNormal)
	require.NoError(t, err)

	store.arm()
	rotated := make(chan RotationRecord, 1)
	go func() {
		rec, err := s.Rotate(ctx, "active")
		assert.NoError(t, err)
		rotated <- rec
	}()
	<-store.entered

	registered := make(chan error, 1)
	go func() {
		_, err := s.RegisterNode(ctx, "node-9")
		registered <- err
	}()
	select {
	case err := <-registered:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(store.release)
		t.Fatal("node registration waited on a rotation's metadata upload")
	}
	assert.Equal(t, uint64(0), s.RotationCount())

	close(store.release)
	rec := <-rotated

	// the rotation was reapplied on top of the registration
	meta, _ := s.Metadata()
	assert.Equal(t, []types.NodeID{"node-1", "node-9"}, meta.NodeRegistry)
	assert.Equal(t, uint64(1), meta.TotalRotations)
	assert.Equal(t, rec.SealedContentID, meta.Blocks["active"])
	require.Len(t, meta.RotationHistory, 1)
}
