// Package ledger is the append-only, hash-chained audit log of file
// fingerprints and system operations. A chain that fails verification
// halts the ledger: nothing more is appended until an operator restores
// a valid chain.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/types"
)

// GenesisDescription is the description of block 0.
const GenesisDescription = "Genesis block - system initialization"

// Change describes one append.
type Change struct {
	Operation   string
	Description string
	Files       []string
	Metadata    any
}

// Archiver receives every appended block, e.g. to mirror it into a block
// store. Errors are logged; the append itself has already committed.
type Archiver interface {
	ArchiveLedgerBlock(ctx context.Context, b Block) error
}

// Options configure a Ledger. BaseDir anchors relative file paths.
type Options struct {
	BaseDir  string
	Archiver Archiver
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu         sync.RWMutex
	blocks     []Block
	halted     bool
	haltReason string
	fork       *pendingFork

	pool   *storage.Pool
	db     *storage.DB
	hasher FileHasher
	opts   Options
	logger *zap.Logger
}

// Open loads any persisted chain from db (nil keeps the ledger in memory)
// and verifies it. A chain that fails verification is loaded halted.
func Open(db *storage.DB, opts Options) (*Ledger, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Ledger{
		db:     db,
		hasher: FileHasher{BaseDir: opts.BaseDir},
		opts:   opts,
		logger: opts.Logger,
	}
	if db == nil {
		return l, nil
	}

	l.pool = db.Pool(storage.PrefixLedger)
	els, err := l.pool.Elements(nil)
	if err != nil {
		return nil, err
	}
	for _, el := range els {
		var b Block
		if err := json.Unmarshal(el.Value, &b); err != nil {
			return nil, fault.Storage("decode ledger block", err)
		}
		l.blocks = append(l.blocks, b)
	}

	if report := l.Verify(); !report.Valid {
		l.logger.Error("Persisted ledger failed verification",
			zap.Int64p("first_bad_block_id", report.FirstBadBlockID),
			zap.String("reason", report.Reason))
	}
	opts.Metrics.LedgerAppended("open", len(l.blocks))
	return l, nil
}

func (l *Ledger) now() string {
	return l.opts.Now().UTC().Format(time.RFC3339Nano)
}

// Genesis writes block 0 over the given files.
func (l *Ledger) Genesis(ctx context.Context, files []string) (Block, error) {
	fingerprints, err := l.hasher.FingerprintAll(files)
	if err != nil {
		return Block{}, err
	}

	l.mu.Lock()
	if len(l.blocks) > 0 {
		l.mu.Unlock()
		return Block{}, &fault.AlreadyInitializedError{What: "ledger"}
	}
	b := Block{
		BlockID:     0,
		Timestamp:   l.now(),
		Operation:   "genesis",
		Description: GenesisDescription,
		Files:       fingerprints,
		Metadata:    json.RawMessage(`{}`),
	}
	b, err = l.commitLocked(b)
	l.mu.Unlock()
	if err != nil {
		return Block{}, err
	}

	l.logger.Info("Created genesis block",
		zap.Int("files", len(files)),
		zap.String("block_hash", b.BlockHash))
	l.archive(ctx, b)
	return b, nil
}

// Append adds a block recording an operation. The new block's file map is
// the previous state with the affected files re-fingerprinted.
func (l *Ledger) Append(ctx context.Context, c Change) (Block, error) {
	if c.Operation == "" {
		return Block{}, fault.Config("operation", "is required")
	}
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return Block{}, err
	}
	fingerprints, err := l.hasher.FingerprintAll(c.Files)
	if err != nil {
		return Block{}, err
	}

	l.mu.Lock()
	if l.halted {
		reason, next := l.haltReason, int64(len(l.blocks))
		l.mu.Unlock()
		return Block{}, &fault.IntegrityError{BlockID: next, Reason: "append refused: " + reason, Cause: fault.ErrLedgerHalted}
	}
	if len(l.blocks) == 0 {
		l.mu.Unlock()
		return Block{}, fmt.Errorf("ledger has no genesis block: %w", fault.ErrNotInitialized)
	}

	prev := l.blocks[len(l.blocks)-1]
	files := make(map[string]string, len(prev.Files)+len(fingerprints))
	for k, v := range prev.Files {
		files[k] = v
	}
	for k, v := range fingerprints {
		files[k] = v
	}
	description := c.Description
	if description == "" {
		description = c.Operation
	}
	prevHash := prev.BlockHash

	b := Block{
		BlockID:      prev.BlockID + 1,
		Timestamp:    l.now(),
		Operation:    c.Operation,
		Description:  description,
		Files:        files,
		Metadata:     metadata,
		PreviousHash: &prevHash,
	}
	b, err = l.commitLocked(b)
	l.mu.Unlock()
	if err != nil {
		return Block{}, err
	}

	l.logger.Info("Appended ledger block",
		zap.Int64("block_id", b.BlockID),
		zap.String("operation", b.Operation),
		zap.Int("files_affected", len(c.Files)))
	l.opts.Metrics.LedgerAppended(b.Operation, int(b.BlockID)+1)
	l.archive(ctx, b)
	return b.clone(), nil
}

// commitLocked hashes, persists and appends b. l.mu must be held.
func (l *Ledger) commitLocked(b Block) (Block, error) {
	if b.Files == nil {
		b.Files = map[string]string{}
	}
	h, err := b.ComputeHash()
	if err != nil {
		return Block{}, err
	}
	b.BlockHash = h

	if l.pool != nil {
		data, err := marshalBlock(b)
		if err != nil {
			return Block{}, err
		}
		if err := l.pool.Put(storage.Uint64Key(uint64(b.BlockID)), data); err != nil {
			return Block{}, err
		}
	}
	l.blocks = append(l.blocks, b)
	return b, nil
}

func (l *Ledger) archive(ctx context.Context, b Block) {
	if l.opts.Archiver == nil {
		return
	}
	if err := l.opts.Archiver.ArchiveLedgerBlock(ctx, b); err != nil {
		l.logger.Warn("Failed to archive ledger block",
			zap.Int64("block_id", b.BlockID),
			zap.Error(err))
	}
}

// Verify recomputes every hash and link. An invalid chain halts the
// ledger.
func (l *Ledger) Verify() Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := verifyChain(l.blocks)
	l.opts.Metrics.LedgerVerified(report.Valid)
	if !report.Valid && !l.halted {
		l.halted = true
		l.haltReason = fmt.Sprintf("integrity failure at block %d: %s", *report.FirstBadBlockID, report.Reason)
		l.opts.Metrics.SetLedgerHalted(true)
		l.logger.Error("Ledger integrity failure, appends halted",
			zap.Int64("first_bad_block_id", *report.FirstBadBlockID),
			zap.String("reason", report.Reason))
	}
	return report
}

// Reinstate lifts a halt once the chain verifies again and no fork is
// awaiting review.
func (l *Ledger) Reinstate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fork != nil {
		return fmt.Errorf("fork at block %d awaits review: %w", l.fork.report.ForkAt, fault.ErrForkDetected)
	}
	report := verifyChain(l.blocks)
	if !report.Valid {
		return &fault.IntegrityError{BlockID: *report.FirstBadBlockID, Reason: report.Reason}
	}
	if l.halted {
		l.logger.Info("Ledger reinstated", zap.String("previous_reason", l.haltReason))
	}
	l.halted = false
	l.haltReason = ""
	l.opts.Metrics.SetLedgerHalted(false)
	return nil
}

// Restore replaces the whole chain with a verified copy, typically one
// loaded with LoadSnapshot, and lifts any halt.
func (l *Ledger) Restore(blocks []Block) error {
	if report := verifyChain(blocks); !report.Valid {
		return &fault.IntegrityError{BlockID: *report.FirstBadBlockID, Reason: "restore: " + report.Reason}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.replaceFromLocked(0, cloneBlocks(blocks)); err != nil {
		return err
	}
	l.fork = nil
	l.halted = false
	l.haltReason = ""
	l.opts.Metrics.SetLedgerHalted(false)
	l.logger.Warn("Ledger restored", zap.Int("height", len(l.blocks)))
	return nil
}

// Halted reports whether appends are refused and why.
func (l *Ledger) Halted() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted, l.haltReason
}

// CurrentState is the file fingerprint map of the newest block.
func (l *Ledger) CurrentState() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return map[string]string{}
	}
	return l.blocks[len(l.blocks)-1].clone().Files
}

// Height is the number of blocks.
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Head returns the newest block.
func (l *Ledger) Head() (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return Block{}, false
	}
	return l.blocks[len(l.blocks)-1].clone(), true
}

// Block returns a copy of block id.
func (l *Ledger) Block(id int64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id < 0 || id >= int64(len(l.blocks)) {
		return Block{}, false
	}
	return l.blocks[id].clone(), true
}

// Blocks returns a copy of the whole chain.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = b.clone()
	}
	return out
}

// Snapshot uploads the whole chain and returns its content id.
func (l *Ledger) Snapshot(ctx context.Context, store content.Store) (types.ContentID, error) {
	blocks := l.Blocks()
	cid, err := content.UploadJSON(ctx, store, blocks)
	if err != nil {
		return "", fmt.Errorf("snapshot ledger: %w", err)
	}
	l.logger.Info("Uploaded ledger snapshot",
		zap.Int("height", len(blocks)),
		zap.String("cid", string(cid)))
	return cid, nil
}

// LoadSnapshot downloads a chain previously uploaded with Snapshot.
func LoadSnapshot(ctx context.Context, store content.Store, id types.ContentID) ([]Block, error) {
	var blocks []Block
	if err := content.DownloadJSON(ctx, store, id, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}
