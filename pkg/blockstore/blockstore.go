// Package blockstore keeps a fixed set of named, size-bounded write
// buffers. A full block is sealed to the content store as one immutable
// document and replaced by an empty generation.
package blockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/canonical"
	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/registry"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/types"
)

const maxRotationHistory = 100

// Options configure a BlockStore. Zero values are usable.
type Options struct {
	NodeID          types.NodeID
	MaxPayloadBytes int64
	AutoRotate      bool
	// ArchiveBlock receives a rotation_archive entry after every rotation
	// of another block. Empty disables archiving.
	ArchiveBlock string
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

type block struct {
	mu         sync.RWMutex
	spec       types.BlockSpec
	entries    []Entry
	generation uint64
	nextSeq    uint64
	sealed     []Generation
}

// BlockStore is safe for concurrent use. Writes to different blocks
// proceed in parallel.
type BlockStore struct {
	store    content.Store
	registry *registry.NodeRegistry
	db       *storage.DB
	opts     Options
	logger   *zap.Logger

	entriesPool *storage.Pool
	sealedPool  *storage.Pool
	metaPool    *storage.Pool

	// initMu is held shared by every operation and exclusively by
	// Initialize, so re-initialisation never races a write.
	initMu      sync.RWMutex
	initialized bool
	sequence    []string
	blocks      map[string]*block

	// metaMu guards the metadata fields. It is never held across an
	// upload; metaVersion tells an updater whether it raced another.
	metaMu      sync.Mutex
	meta        Metadata
	metaCID     types.ContentID
	metaVersion uint64
}

var (
	keyMetadata    = []byte("metadata")
	keyMetadataCID = []byte("metadata_cid")
	keySpecs       = []byte("specs")
	keySeqFloor    = []byte("seq_floor")
)

// New creates a block store. db may be nil, in which case nothing survives
// a restart.
func New(store content.Store, reg *registry.NodeRegistry, db *storage.DB, opts Options) *BlockStore {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NodeID == "" {
		opts.NodeID = "local"
	}
	s := &BlockStore{
		store:    store,
		registry: reg,
		db:       db,
		opts:     opts,
		logger:   opts.Logger,
		blocks:   make(map[string]*block),
	}
	if db != nil {
		s.entriesPool = db.Pool(storage.PrefixBlockEntries)
		s.sealedPool = db.Pool(storage.PrefixBlockSealed)
		s.metaPool = db.Pool(storage.PrefixBlockMeta)
	}
	return s
}

func validateSpecs(specs []types.BlockSpec) error {
	if len(specs) == 0 {
		return fault.Config("blocks", "at least one block is required")
	}
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		field := fmt.Sprintf("blocks[%d]", i)
		if spec.Name == "" || strings.ContainsAny(spec.Name, "/_") {
			return fault.Config(field+".name", fmt.Sprintf("invalid block name %q", spec.Name))
		}
		if seen[spec.Name] {
			return fault.Config(field+".name", "duplicate block "+spec.Name)
		}
		seen[spec.Name] = true
		if spec.MaxSize < 1 {
			return fault.Config(field+".max_size", "must be at least 1")
		}
	}
	return nil
}

// Initialize creates the blocks, uploads their empty state and the
// metadata document, and returns the metadata content id.
func (s *BlockStore) Initialize(ctx context.Context, specs []types.BlockSpec, force bool) (types.ContentID, error) {
	if err := validateSpecs(specs); err != nil {
		return "", err
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized && !force {
		return "", &fault.AlreadyInitializedError{What: "block store"}
	}

	now := s.opts.Now().UTC()
	meta := Metadata{
		Version:    metadataVersion,
		Blocks:     make(map[string]types.ContentID, len(specs)),
		SyncConfig: SyncConfig{AutoRotate: s.opts.AutoRotate, MaxBlockSize: make(map[string]int, len(specs))},
		UpdatedAt:  now,
	}

	for _, spec := range specs {
		empty := SealedBlock{Block: spec.Name, Purpose: spec.Purpose, Entries: []Entry{}, SealedAt: now}
		cid, err := content.UploadJSON(ctx, s.store, empty)
		if err != nil {
			return "", fmt.Errorf("upload empty block %s: %w", spec.Name, err)
		}
		meta.BlockSequence = append(meta.BlockSequence, spec.Name)
		meta.Blocks[spec.Name] = cid
		meta.SyncConfig.MaxBlockSize[spec.Name] = spec.MaxSize
	}

	// nodes registered before a forced re-initialisation stay registered
	s.metaMu.Lock()
	meta.NodeRegistry = append([]types.NodeID(nil), s.meta.NodeRegistry...)
	s.metaMu.Unlock()
	if len(meta.NodeRegistry) == 0 {
		meta.NodeRegistry = []types.NodeID{s.opts.NodeID}
	}

	metaCID, err := content.UploadJSON(ctx, s.store, meta)
	if err != nil {
		return "", fmt.Errorf("upload block metadata: %w", err)
	}

	// entry ids keep counting across a forced re-initialisation
	floor := make(map[string]uint64, len(specs))
	for _, spec := range specs {
		if old, ok := s.blocks[spec.Name]; ok && old.nextSeq > 0 {
			floor[spec.Name] = old.nextSeq
		}
	}

	if s.db != nil {
		batch := s.db.NewBatch()
		for _, pool := range []*storage.Pool{s.entriesPool, s.sealedPool} {
			els, err := pool.Elements(nil)
			if err != nil {
				return "", err
			}
			for _, el := range els {
				batch.Delete(pool, el.Key)
			}
		}
		if err := s.putMetadata(batch, meta, metaCID); err != nil {
			return "", err
		}
		specData, err := json.Marshal(specs)
		if err != nil {
			return "", err
		}
		batch.Put(s.metaPool, keySpecs, specData)
		floorData, err := json.Marshal(floor)
		if err != nil {
			return "", err
		}
		batch.Put(s.metaPool, keySeqFloor, floorData)
		if err := batch.Commit(); err != nil {
			return "", err
		}
	}

	s.blocks = make(map[string]*block, len(specs))
	s.sequence = s.sequence[:0]
	for _, spec := range specs {
		s.blocks[spec.Name] = &block{spec: spec, nextSeq: floor[spec.Name]}
		s.sequence = append(s.sequence, spec.Name)
	}
	s.metaMu.Lock()
	s.meta = meta
	s.metaCID = metaCID
	s.metaVersion++
	s.metaMu.Unlock()
	s.initialized = true

	if s.registry != nil {
		s.registry.Register(s.opts.NodeID, 1.0)
	}

	s.logger.Info("Block store initialized",
		zap.Int("blocks", len(specs)),
		zap.String("metadata_cid", string(metaCID)),
		zap.Bool("forced", force))
	return metaCID, nil
}

// Load restores blocks, live entries and sealed generations from the local
// journal. It reports false when nothing was persisted yet.
func (s *BlockStore) Load() (bool, error) {
	if s.db == nil {
		return false, nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()

	specData, err := s.metaPool.Get(keySpecs)
	if err != nil || specData == nil {
		return false, err
	}
	var specs []types.BlockSpec
	if err := json.Unmarshal(specData, &specs); err != nil {
		return false, fault.Storage("decode block specs", err)
	}
	metaData, err := s.metaPool.Get(keyMetadata)
	if err != nil {
		return false, err
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return false, fault.Storage("decode block metadata", err)
	}
	metaCID, err := s.metaPool.Get(keyMetadataCID)
	if err != nil {
		return false, err
	}
	floor := map[string]uint64{}
	if floorData, err := s.metaPool.Get(keySeqFloor); err != nil {
		return false, err
	} else if floorData != nil {
		if err := json.Unmarshal(floorData, &floor); err != nil {
			return false, fault.Storage("decode sequence floor", err)
		}
	}

	blocks := make(map[string]*block, len(specs))
	sequence := make([]string, 0, len(specs))
	for _, spec := range specs {
		b := &block{spec: spec, nextSeq: floor[spec.Name]}

		sealedEls, err := s.sealedPool.Elements(blockKeyPrefix(spec.Name))
		if err != nil {
			return false, err
		}
		for _, el := range sealedEls {
			var g Generation
			if err := json.Unmarshal(el.Value, &g); err != nil {
				return false, fault.Storage("decode sealed generation", err)
			}
			b.sealed = append(b.sealed, g)
			b.generation = g.Generation
			if g.LastSeq+1 > b.nextSeq {
				b.nextSeq = g.LastSeq + 1
			}
		}

		entryEls, err := s.entriesPool.Elements(blockKeyPrefix(spec.Name))
		if err != nil {
			return false, err
		}
		for _, el := range entryEls {
			var e Entry
			if err := json.Unmarshal(el.Value, &e); err != nil {
				return false, fault.Storage("decode entry", err)
			}
			b.entries = append(b.entries, e)
			if e.Seq >= b.nextSeq {
				b.nextSeq = e.Seq + 1
			}
		}

		blocks[spec.Name] = b
		sequence = append(sequence, spec.Name)
	}

	s.metaMu.Lock()
	s.meta = meta
	s.metaCID = types.ContentID(metaCID)
	s.metaVersion++
	s.metaMu.Unlock()

	s.blocks = blocks
	s.sequence = sequence
	s.initialized = true

	if s.registry != nil {
		for _, id := range meta.NodeRegistry {
			s.registry.Register(id, registry.DefaultTrustScore)
		}
	}

	s.logger.Info("Block store restored from journal",
		zap.Int("blocks", len(specs)),
		zap.Uint64("rotations", meta.TotalRotations))
	return true, nil
}

// Initialized reports whether Initialize or Load has succeeded.
func (s *BlockStore) Initialized() bool {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initialized
}

func (s *BlockStore) lookup(name string) (*block, error) {
	if !s.initialized {
		return nil, fmt.Errorf("block store: %w", fault.ErrNotInitialized)
	}
	b, ok := s.blocks[name]
	if !ok {
		return nil, fmt.Errorf("block %q: %w", name, fault.ErrUnknownBlock)
	}
	return b, nil
}

// Write appends one entry. A full block is rotated first; when that
// rotation fails the entry is not written and a *fault.CapacityError is
// returned.
func (s *BlockStore) Write(ctx context.Context, name string, payload []byte, dataType string, priority types.Priority) (Entry, error) {
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return Entry{}, fault.Config("priority", fmt.Sprintf("unknown priority %q", priority))
	}
	if s.opts.MaxPayloadBytes > 0 && int64(len(payload)) > s.opts.MaxPayloadBytes {
		return Entry{}, fmt.Errorf("%d bytes > %d: %w", len(payload), s.opts.MaxPayloadBytes, fault.ErrPayloadTooLarge)
	}
	normalized, err := canonical.Normalize(payload)
	if err != nil {
		return Entry{}, &fault.ConfigError{Field: "payload", Reason: "must be a JSON document", Cause: err}
	}

	s.initMu.RLock()
	defer s.initMu.RUnlock()

	b, err := s.lookup(name)
	if err != nil {
		return Entry{}, err
	}

	entry, rotation, err := s.writeLocked(ctx, b, normalized, dataType, priority)
	s.opts.Metrics.BlockWritten(name, s.entryCount(b), err)
	if err != nil {
		return Entry{}, err
	}
	if rotation != nil {
		s.archive(ctx, *rotation)
	}
	return entry, nil
}

func (s *BlockStore) writeLocked(ctx context.Context, b *block, payload []byte, dataType string, priority types.Priority) (Entry, *RotationRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rotation *RotationRecord
	if len(b.entries) >= b.spec.MaxSize {
		if !s.opts.AutoRotate {
			return Entry{}, nil, &fault.CapacityError{Block: b.spec.Name}
		}
		rec, err := s.rotateLocked(ctx, b)
		if err != nil {
			return Entry{}, nil, &fault.CapacityError{Block: b.spec.Name, Cause: err}
		}
		rotation = &rec
	}

	seq := b.nextSeq
	entry := Entry{
		EntryID:   types.EntryID(fmt.Sprintf("%s_%d_%s", b.spec.Name, seq, s.opts.NodeID)),
		Block:     b.spec.Name,
		Seq:       seq,
		NodeID:    s.opts.NodeID,
		Payload:   json.RawMessage(payload),
		DataType:  dataType,
		Priority:  priority,
		CreatedAt: s.opts.Now().UTC(),
		Hash:      canonical.HashBytes(payload),
	}

	if s.db != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return Entry{}, rotation, err
		}
		if err := s.entriesPool.Put(entryKey(b.spec.Name, seq), data); err != nil {
			return Entry{}, rotation, err
		}
	}

	b.entries = append(b.entries, entry)
	b.nextSeq++

	s.logger.Debug("Wrote block entry",
		zap.String("block", b.spec.Name),
		zap.String("entry_id", string(entry.EntryID)),
		zap.String("data_type", dataType))
	return entry, rotation, nil
}

// Rotate seals the block's current generation regardless of fill level.
func (s *BlockStore) Rotate(ctx context.Context, name string) (RotationRecord, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	b, err := s.lookup(name)
	if err != nil {
		return RotationRecord{}, err
	}

	b.mu.Lock()
	rec, err := s.rotateLocked(ctx, b)
	b.mu.Unlock()
	if err != nil {
		return RotationRecord{}, err
	}
	s.archive(ctx, rec)
	return rec, nil
}

// rotateLocked seals b's live entries. Either the sealed document, the new
// metadata and the local journal all commit, or nothing changes.
func (s *BlockStore) rotateLocked(ctx context.Context, b *block) (rec RotationRecord, err error) {
	defer func() { s.opts.Metrics.BlockRotated(b.spec.Name, err) }()

	now := s.opts.Now().UTC()
	generation := b.generation + 1

	sealed := SealedBlock{
		Block:      b.spec.Name,
		Purpose:    b.spec.Purpose,
		Generation: generation,
		Entries:    append([]Entry{}, b.entries...),
		SealedAt:   now,
	}
	if len(b.sealed) > 0 {
		sealed.Previous = b.sealed[len(b.sealed)-1].ContentID
	}

	cid, err := content.UploadJSON(ctx, s.store, sealed)
	if err != nil {
		s.logger.Warn("Block seal upload failed", zap.String("block", b.spec.Name), zap.Error(err))
		return RotationRecord{}, fmt.Errorf("seal block %s: %w", b.spec.Name, err)
	}

	rec = RotationRecord{
		RotationID:      fmt.Sprintf("%s-%d-%d", b.spec.Name, generation, now.UnixNano()),
		Block:           b.spec.Name,
		Generation:      generation,
		SealedContentID: cid,
		EntryCount:      len(sealed.Entries),
		Timestamp:       now,
	}

	gen := Generation{
		Block:      b.spec.Name,
		Generation: generation,
		ContentID:  cid,
		SealedAt:   now,
	}
	if b.nextSeq > 0 {
		gen.LastSeq = b.nextSeq - 1
	}
	for _, e := range b.entries {
		gen.EntryIDs = append(gen.EntryIDs, e.EntryID)
	}

	_, err = s.updateMetadata(ctx, func(meta *Metadata) bool {
		meta.Blocks[b.spec.Name] = cid
		meta.TotalRotations++
		meta.CurrentRotation = meta.TotalRotations
		meta.RotationHistory = append(meta.RotationHistory, rec)
		if len(meta.RotationHistory) > maxRotationHistory {
			meta.RotationHistory = meta.RotationHistory[len(meta.RotationHistory)-maxRotationHistory:]
		}
		meta.UpdatedAt = now
		return true
	}, func(batch *storage.Batch) error {
		for _, e := range b.entries {
			batch.Delete(s.entriesPool, entryKey(b.spec.Name, e.Seq))
		}
		genData, err := json.Marshal(gen)
		if err != nil {
			return err
		}
		batch.Put(s.sealedPool, entryKey(b.spec.Name, generation), genData)
		return nil
	})
	if err != nil {
		s.logger.Warn("Metadata update failed during rotation", zap.String("block", b.spec.Name), zap.Error(err))
		return RotationRecord{}, fmt.Errorf("update metadata for %s: %w", b.spec.Name, err)
	}

	b.sealed = append(b.sealed, gen)
	b.entries = nil
	b.generation = generation

	s.logger.Info("Rotated block",
		zap.String("block", b.spec.Name),
		zap.Uint64("generation", generation),
		zap.Int("entries", rec.EntryCount),
		zap.String("sealed_cid", string(cid)))
	return rec, nil
}

// archive records a rotation in the archive block. It runs after the
// rotated block's lock is released; a failure is logged and does not undo
// the rotation.
func (s *BlockStore) archive(ctx context.Context, rec RotationRecord) {
	target := s.opts.ArchiveBlock
	if target == "" || target == rec.Block {
		return
	}
	b, ok := s.blocks[target]
	if !ok {
		return
	}
	payload, err := canonical.Marshal(rec)
	if err != nil {
		s.logger.Error("Failed to encode rotation archive entry", zap.Error(err))
		return
	}
	// a rotation of the archive block itself is not archived again
	_, _, err = s.writeLocked(ctx, b, payload, "rotation_archive", types.PriorityNormal)
	s.opts.Metrics.BlockWritten(target, s.entryCount(b), err)
	if err != nil {
		s.logger.Error("Failed to archive rotation",
			zap.String("block", rec.Block),
			zap.String("archive_block", target),
			zap.Error(err))
	}
}

// Read returns the live entries of a block, or only entryID when given.
func (s *BlockStore) Read(name string, entryID types.EntryID) ([]Entry, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	b, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if entryID == "" {
		return append([]Entry(nil), b.entries...), nil
	}
	for _, e := range b.entries {
		if e.EntryID == entryID {
			return []Entry{e}, nil
		}
	}
	return []Entry{}, nil
}

// ReadSealed downloads a sealed generation from the content store.
func (s *BlockStore) ReadSealed(ctx context.Context, id types.ContentID) (SealedBlock, error) {
	var sealed SealedBlock
	if err := content.DownloadJSON(ctx, s.store, id, &sealed); err != nil {
		return SealedBlock{}, err
	}
	return sealed, nil
}

// Sealed lists a block's sealed generations, oldest first.
func (s *BlockStore) Sealed(name string) ([]Generation, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	b, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Generation(nil), b.sealed...), nil
}

// Status reports the fill level of one block.
func (s *BlockStore) Status(name string) (Status, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	b, err := s.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return s.status(b), nil
}

// StatusAll lists every block in bootstrap order.
func (s *BlockStore) StatusAll() ([]Status, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	if !s.initialized {
		return nil, fmt.Errorf("block store: %w", fault.ErrNotInitialized)
	}
	out := make([]Status, 0, len(s.sequence))
	for _, name := range s.sequence {
		out = append(out, s.status(s.blocks[name]))
	}
	return out, nil
}

func (s *BlockStore) status(b *block) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Status{
		Name:       b.spec.Name,
		Purpose:    b.spec.Purpose,
		Entries:    len(b.entries),
		MaxSize:    b.spec.MaxSize,
		Full:       len(b.entries) >= b.spec.MaxSize,
		Generation: b.generation,
	}
	if len(b.sealed) > 0 {
		st.SealedContentID = b.sealed[len(b.sealed)-1].ContentID
	}
	return st
}

func (s *BlockStore) entryCount(b *block) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// RegisterNode adds a node to the registry and to the replicated metadata.
// It reports false when the metadata already listed the node.
func (s *BlockStore) RegisterNode(ctx context.Context, id types.NodeID) (bool, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()

	if !s.initialized {
		return false, fmt.Errorf("block store: %w", fault.ErrNotInitialized)
	}
	if s.registry != nil {
		if _, err := s.registry.Register(id, registry.DefaultTrustScore); err != nil {
			return false, err
		}
	} else if id == "" {
		return false, fault.Config("node_id", "is required")
	}

	metaCID, err := s.updateMetadata(ctx, func(meta *Metadata) bool {
		for _, known := range meta.NodeRegistry {
			if known == id {
				return false
			}
		}
		meta.NodeRegistry = append(meta.NodeRegistry, id)
		sort.Slice(meta.NodeRegistry, func(i, j int) bool { return meta.NodeRegistry[i] < meta.NodeRegistry[j] })
		meta.UpdatedAt = s.opts.Now().UTC()
		return true
	}, nil)
	if err != nil {
		return false, fmt.Errorf("register node %s: %w", id, err)
	}
	if metaCID == "" {
		return false, nil
	}

	s.logger.Info("Node added to block metadata",
		zap.String("node_id", string(id)),
		zap.String("metadata_cid", string(metaCID)))
	return true, nil
}

// updateMetadata applies change to a copy of the metadata and uploads it
// without holding metaMu. If another update was installed meanwhile the
// change is applied again on top of it. journal adds the caller's own
// records to the batch that persists the new metadata. It returns "" when
// change reports there is nothing to do.
func (s *BlockStore) updateMetadata(ctx context.Context, change func(*Metadata) bool, journal func(*storage.Batch) error) (types.ContentID, error) {
	for {
		s.metaMu.Lock()
		version := s.metaVersion
		meta := s.meta.clone()
		s.metaMu.Unlock()

		if !change(&meta) {
			return "", nil
		}
		metaCID, err := content.UploadJSON(ctx, s.store, meta)
		if err != nil {
			return "", err
		}

		s.metaMu.Lock()
		if s.metaVersion != version {
			s.metaMu.Unlock()
			s.logger.Debug("Block metadata changed during upload, reapplying")
			continue
		}
		if s.db != nil {
			batch := s.db.NewBatch()
			if journal != nil {
				if err := journal(batch); err != nil {
					s.metaMu.Unlock()
					return "", err
				}
			}
			if err := s.putMetadata(batch, meta, metaCID); err != nil {
				s.metaMu.Unlock()
				return "", err
			}
			if err := batch.Commit(); err != nil {
				s.metaMu.Unlock()
				return "", err
			}
		}
		s.meta = meta
		s.metaCID = metaCID
		s.metaVersion++
		s.metaMu.Unlock()
		return metaCID, nil
	}
}

// Metadata returns a copy of the current metadata and its content id.
func (s *BlockStore) Metadata() (Metadata, types.ContentID) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta.clone(), s.metaCID
}

// RotationCount is the number of rotations across all blocks.
func (s *BlockStore) RotationCount() uint64 {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta.TotalRotations
}

func (s *BlockStore) putMetadata(batch *storage.Batch, meta Metadata, cid types.ContentID) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	batch.Put(s.metaPool, keyMetadata, data)
	batch.Put(s.metaPool, keyMetadataCID, []byte(cid))
	return nil
}

func blockKeyPrefix(name string) []byte {
	return []byte(name + "/")
}

func entryKey(name string, n uint64) []byte {
	return append(blockKeyPrefix(name), storage.Uint64Key(n)...)
}
