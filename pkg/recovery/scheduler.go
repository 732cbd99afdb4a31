// Package recovery captures prioritized backups, retries their persistence
// and reconciles backup histories across nodes.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"quorumchain/pkg/canonical"
	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/registry"
	"quorumchain/pkg/retry"
	"quorumchain/pkg/storage"
	"quorumchain/pkg/types"
)

const (
	DefaultMaxAttempts = 3
	defaultTreeDegree  = 8
	failureBuffer      = 64

	OperationBackup   = "backup"
	OperationSync     = "multi_node_sync"
	OperationRecovery = "system_recovery"
)

// Recorder writes audit records. *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, c ledger.Change) (ledger.Block, error)
}

// Options configure a Scheduler.
type Options struct {
	NodeID types.NodeID
	Retry  retry.Policy
	// Workers drain the queue once Start is called.
	Workers     int
	FallbackDir string

	SnapshotInterval time.Duration
	SyncInterval     time.Duration
	// SyncRate bounds peer fetches per second; zero means unlimited.
	SyncRate        float64
	SyncConcurrency int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type queued struct {
	rank int
	seq  uint64
	id   types.BackupID
}

func (a queued) less(b queued) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.seq < b.seq
}

// Status summarizes the backup history.
type Status struct {
	TotalBackupEntries int `json:"total_backup_entries"`
	EmergencyBackups   int `json:"emergency_backups"`
	KnownNodes         int `json:"known_nodes"`
	Pending            int `json:"pending"`
	Persisted          int `json:"persisted"`
	Failed             int `json:"failed"`
	Remote             int `json:"remote"`
}

// Scheduler queues backups by priority, persists them with retries and
// keeps their history. It is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	queue   *btree.BTreeG[queued]
	seq     uint64
	history map[types.BackupID]*BackupEntry

	wake     chan struct{}
	failures chan BackupEntry

	persister Persister
	recorder  Recorder
	nodes     *registry.NodeRegistry
	peers     PeerSource
	store     content.Store
	db        *storage.DB
	pool      *storage.Pool

	opts   Options
	logger *zap.Logger

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	published func(types.ContentID)
}

// New builds a scheduler. db may be nil for an in-memory history. Pending
// entries found in db are queued again.
func New(persister Persister, db *storage.DB, opts Options) (*Scheduler, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retry.BaseDelay <= 0 {
		def := retry.DefaultPolicy()
		opts.Retry.BaseDelay = def.BaseDelay
		opts.Retry.MaxDelay = def.MaxDelay
		opts.Retry.JitterFactor = def.JitterFactor
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SyncConcurrency <= 0 {
		opts.SyncConcurrency = 4
	}

	s := &Scheduler{
		queue:     btree.NewG(defaultTreeDegree, queued.less),
		history:   make(map[types.BackupID]*BackupEntry),
		wake:      make(chan struct{}, 1),
		failures:  make(chan BackupEntry, failureBuffer),
		persister: persister,
		db:        db,
		opts:      opts,
		logger:    opts.Logger,
	}
	if db != nil {
		s.pool = db.Pool(storage.PrefixBackups)
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithRecorder, WithRegistry, WithPeers and WithContentStore attach the
// optional collaborators. Call them before Start.
func (s *Scheduler) WithRecorder(r Recorder) *Scheduler {
	s.recorder = r
	return s
}

// WithRegistry sets the registry used to pick sync peers.
func (s *Scheduler) WithRegistry(r *registry.NodeRegistry) *Scheduler {
	s.nodes = r
	return s
}

// WithPeers sets where peer histories are fetched from.
func (s *Scheduler) WithPeers(p PeerSource) *Scheduler {
	s.peers = p
	return s
}

// WithContentStore enables PublishHistory.
func (s *Scheduler) WithContentStore(c content.Store) *Scheduler {
	s.store = c
	return s
}

// OnPublish is called with the content id of every periodic history
// snapshot.
func (s *Scheduler) OnPublish(fn func(types.ContentID)) *Scheduler {
	s.published = fn
	return s
}

func (s *Scheduler) load() error {
	els, err := s.pool.Elements(nil)
	if err != nil {
		return err
	}
	requeued := 0
	for _, el := range els {
		var e BackupEntry
		if err := json.Unmarshal(el.Value, &e); err != nil {
			return fault.Storage("decode backup", err)
		}
		if e.Origin != s.opts.NodeID && e.State != StateRemote {
			e = settleForeign(e, s.opts.NodeID)
		}
		s.history[e.BackupID] = &e
		if e.State == StatePending || e.State == StateRunning {
			e.State = StatePending
			s.enqueueLocked(e)
			requeued++
		}
	}
	if len(els) > 0 {
		s.logger.Info("Loaded backup history",
			zap.Int("entries", len(els)),
			zap.Int("requeued", requeued))
	}
	s.opts.Metrics.SetBackupsPending(s.queue.Len())
	return nil
}

func (s *Scheduler) enqueueLocked(e BackupEntry) {
	s.seq++
	s.queue.ReplaceOrInsert(queued{rank: e.Priority.Rank(), seq: s.seq, id: e.BackupID})
}

func (s *Scheduler) saveLocked(e *BackupEntry) error {
	if s.pool == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fault.Storage("encode backup", err)
	}
	return s.pool.Put([]byte(e.BackupID), data)
}

// Backup captures payload under label. Emergency backups are persisted
// before Backup returns, ahead of anything queued; other priorities are
// queued for the workers, high ahead of normal.
func (s *Scheduler) Backup(ctx context.Context, payload []byte, label string, priority types.Priority) (types.BackupID, error) {
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return "", fault.Config("priority", fmt.Sprintf("unknown priority %q", priority))
	}
	if label == "" {
		return "", fault.Config("label", "is required")
	}
	normalized, err := canonical.Normalize(payload)
	if err != nil {
		return "", &fault.ConfigError{Field: "payload", Reason: "must be a JSON document", Cause: err}
	}

	s.mu.Lock()
	s.seq++
	now := s.opts.Now().UTC()
	e := &BackupEntry{
		BackupID:  types.BackupID(fmt.Sprintf("backup_%s_%d_%d", s.opts.NodeID, now.UnixNano(), s.seq)),
		Label:     label,
		Priority:  priority,
		Payload:   normalized,
		CreatedAt: now,
		State:     StatePending,
		Origin:    s.opts.NodeID,
	}
	if err := s.saveLocked(e); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.history[e.BackupID] = e
	if priority != types.PriorityEmergency {
		s.enqueueLocked(*e)
		s.opts.Metrics.SetBackupsPending(s.queue.Len())
	}
	s.mu.Unlock()

	s.logger.Debug("Backup captured",
		zap.String("backup_id", string(e.BackupID)),
		zap.String("label", label),
		zap.String("priority", string(priority)))

	if priority == types.PriorityEmergency {
		return e.BackupID, s.execute(ctx, e.BackupID)
	}
	s.signal()
	return e.BackupID, nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() (types.BackupID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue.DeleteMin()
	s.opts.Metrics.SetBackupsPending(s.queue.Len())
	return item.id, ok
}

// RunPending drains the queue in priority order on the calling goroutine
// and returns how many backups were attempted.
func (s *Scheduler) RunPending(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		id, ok := s.next()
		if !ok {
			break
		}
		_ = s.execute(ctx, id) // failures are recorded on the entry
		n++
	}
	return n
}

// execute persists one backup with retries. Exhausted entries are marked
// failed, written to the fallback directory and published on Failures.
func (s *Scheduler) execute(ctx context.Context, id types.BackupID) error {
	s.mu.Lock()
	e, ok := s.history[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("backup %s: %w", id, fault.ErrBackupNotFound)
	}
	e.State = StateRunning
	snapshot := e.clone()
	s.mu.Unlock()

	attempts := 0
	var entryID types.EntryID
	err := retry.Do(ctx, s.opts.Retry, s.logger, "backup "+string(id),
		func(err error) bool { return !permanent(err) },
		func(ctx context.Context, attempt int) error {
			attempts = attempt + 1
			if attempt > 0 {
				s.opts.Metrics.BackupRetried()
			}
			var err error
			entryID, err = s.persister.Persist(ctx, snapshot)
			return err
		})
	if err != nil && ctx.Err() != nil {
		// cancelled between attempts: keep the entry for the next run
		s.mu.Lock()
		e.Attempts += attempts
		e.State = StatePending
		saveErr := s.saveLocked(e)
		s.enqueueLocked(*e)
		s.mu.Unlock()
		if saveErr != nil {
			s.logger.Error("Failed to persist backup state",
				zap.String("backup_id", string(id)),
				zap.Error(saveErr))
		}
		return fmt.Errorf("backup %s interrupted: %w", id, err)
	}
	s.opts.Metrics.BackupDone(string(snapshot.Priority), err)

	s.mu.Lock()
	e.Attempts += attempts
	if err == nil {
		e.State = StatePersisted
		e.EntryID = entryID
		e.LastError = ""
	} else {
		e.State = StateFailed
		e.LastError = err.Error()
		if path, ferr := s.writeFallback(*e); ferr != nil {
			s.logger.Error("Fallback backup failed",
				zap.String("backup_id", string(id)),
				zap.Error(ferr))
		} else if path != "" {
			e.FallbackPath = path
		}
	}
	saveErr := s.saveLocked(e)
	final := e.clone()
	s.mu.Unlock()

	if saveErr != nil {
		s.logger.Error("Failed to persist backup state",
			zap.String("backup_id", string(id)),
			zap.Error(saveErr))
	}

	if err != nil {
		s.logger.Error("Backup failed",
			zap.String("backup_id", string(id)),
			zap.String("priority", string(final.Priority)),
			zap.Int("attempts", final.Attempts),
			zap.String("fallback", final.FallbackPath),
			zap.Error(err))
		select {
		case s.failures <- final:
		default:
			s.logger.Warn("Failure channel full, entry remains marked failed",
				zap.String("backup_id", string(id)))
		}
		return fmt.Errorf("backup %s after %d attempts: %w", id, final.Attempts, err)
	}

	s.logger.Info("Backup persisted",
		zap.String("backup_id", string(id)),
		zap.String("entry_id", string(entryID)),
		zap.String("priority", string(final.Priority)),
		zap.Int("attempts", final.Attempts))
	s.record(ctx, ledger.Change{
		Operation:   OperationBackup,
		Description: fmt.Sprintf("Backup %s (%s)", final.Label, final.Priority),
		Metadata: map[string]any{
			"backup_id": final.BackupID,
			"entry_id":  final.EntryID,
			"label":     final.Label,
			"priority":  final.Priority,
			"node_id":   s.opts.NodeID,
		},
	})
	return nil
}

// record appends an audit record for an operation that has already taken
// effect; a failure is logged.
func (s *Scheduler) record(ctx context.Context, c ledger.Change) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Append(ctx, c); err != nil {
		s.logger.Warn("Failed to record in ledger",
			zap.String("operation", c.Operation),
			zap.Error(err))
	}
}

// writeFallback stores a failed backup as a local JSON file, replaced
// atomically. It returns "" when no fallback directory is configured.
func (s *Scheduler) writeFallback(e BackupEntry) (string, error) {
	if s.opts.FallbackDir == "" {
		return "", nil
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("emergency_%s_%s_%s.json", s.opts.NodeID, sanitize(e.Label), e.BackupID)
	path := filepath.Join(s.opts.FallbackDir, name)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, s)
}

// Failures delivers entries that exhausted their retries.
func (s *Scheduler) Failures() <-chan BackupEntry {
	return s.failures
}

// Retry queues a failed backup again.
func (s *Scheduler) Retry(id types.BackupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.history[id]
	if !ok {
		return fmt.Errorf("backup %s: %w", id, fault.ErrBackupNotFound)
	}
	if e.Origin != s.opts.NodeID {
		return fault.Config("backup_id", fmt.Sprintf("backup %s belongs to %s", id, e.Origin))
	}
	if e.State != StateFailed {
		return fault.Config("backup_id", fmt.Sprintf("backup %s is %s, not failed", id, e.State))
	}
	e.State = StatePending
	if err := s.saveLocked(e); err != nil {
		return err
	}
	s.enqueueLocked(*e)
	s.opts.Metrics.SetBackupsPending(s.queue.Len())
	s.signal()
	return nil
}

// Get returns a copy of one backup.
func (s *Scheduler) Get(id types.BackupID) (BackupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.history[id]
	if !ok {
		return BackupEntry{}, fmt.Errorf("backup %s: %w", id, fault.ErrBackupNotFound)
	}
	return e.clone(), nil
}

// History returns every known backup ordered by creation time and id.
func (s *Scheduler) History() []BackupEntry {
	s.mu.Lock()
	out := make([]BackupEntry, 0, len(s.history))
	for _, e := range s.history {
		out = append(out, e.clone())
	}
	s.mu.Unlock()
	sortEntries(out)
	return out
}

func sortEntries(entries []BackupEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].BackupID < entries[j].BackupID
	})
}

// Status counts the history by state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{TotalBackupEntries: len(s.history)}
	for _, e := range s.history {
		if e.Priority == types.PriorityEmergency {
			st.EmergencyBackups++
		}
		switch e.State {
		case StatePending, StateRunning:
			st.Pending++
		case StatePersisted:
			st.Persisted++
		case StateFailed:
			st.Failed++
		case StateRemote:
			st.Remote++
		}
	}
	if s.nodes != nil {
		st.KnownNodes = s.nodes.Len()
	}
	return st
}

// Recover returns the newest persisted or peer-synced backup created at or
// before at; a zero time selects the newest overall. The recovery is
// recorded in the ledger.
func (s *Scheduler) Recover(ctx context.Context, at time.Time) (BackupEntry, error) {
	var best *BackupEntry
	s.mu.Lock()
	for _, e := range s.history {
		if e.State != StatePersisted && e.State != StateRemote {
			continue
		}
		if !at.IsZero() && e.CreatedAt.After(at) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.BackupID > best.BackupID) {
			best = e
		}
	}
	var found BackupEntry
	if best != nil {
		found = best.clone()
	}
	s.mu.Unlock()

	if best == nil {
		return BackupEntry{}, fmt.Errorf("no persisted backup at or before %s: %w", at.Format(time.RFC3339), fault.ErrBackupNotFound)
	}

	s.logger.Info("Recovering from backup",
		zap.String("backup_id", string(found.BackupID)),
		zap.String("label", found.Label),
		zap.Time("created_at", found.CreatedAt))
	if s.recorder != nil {
		_, err := s.recorder.Append(ctx, ledger.Change{
			Operation:   OperationRecovery,
			Description: fmt.Sprintf("System recovery from %s", found.Label),
			Metadata: map[string]any{
				"backup_id":  found.BackupID,
				"label":      found.Label,
				"created_at": found.CreatedAt.Format(time.RFC3339Nano),
				"node_id":    s.opts.NodeID,
			},
		})
		if err != nil {
			return found, fmt.Errorf("record recovery: %w", err)
		}
	}
	return found, nil
}

// PublishHistory uploads the local history to the content store.
func (s *Scheduler) PublishHistory(ctx context.Context) (types.ContentID, error) {
	if s.store == nil {
		return "", fault.Config("content_store", "not configured")
	}
	history := s.History()
	cid, err := content.UploadJSON(ctx, s.store, history)
	if err != nil {
		return "", fmt.Errorf("publish backup history: %w", err)
	}
	s.logger.Debug("Published backup history",
		zap.Int("entries", len(history)),
		zap.String("cid", string(cid)))
	return cid, nil
}

// Start launches the workers and the optional periodic publish and sync
// loops. Stop cancels them and waits.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	if s.opts.SnapshotInterval > 0 && s.store != nil {
		s.wg.Add(1)
		go s.every(ctx, s.opts.SnapshotInterval, func() {
			cid, err := s.PublishHistory(ctx)
			if err != nil {
				s.logger.Warn("Periodic history publish failed", zap.Error(err))
				return
			}
			if s.published != nil {
				s.published(cid)
			}
		})
	}
	if s.opts.SyncInterval > 0 && s.peers != nil && s.nodes != nil {
		s.wg.Add(1)
		go s.every(ctx, s.opts.SyncInterval, func() {
			peers := s.otherNodes()
			if len(peers) == 0 {
				return
			}
			if _, err := s.MultiNodeSynchronization(ctx, peers); err != nil {
				s.logger.Warn("Periodic sync failed", zap.Error(err))
			}
		})
	}
	s.logger.Info("Recovery scheduler started", zap.Int("workers", s.opts.Workers))
}

// Stop cancels the loops started by Start and waits for them.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Recovery scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.RunPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Scheduler) otherNodes() []types.NodeID {
	var out []types.NodeID
	for _, id := range s.nodes.Active() {
		if id != s.opts.NodeID {
			out = append(out, id)
		}
	}
	return out
}
