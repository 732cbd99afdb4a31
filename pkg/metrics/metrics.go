package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the block store, ledger, quorum and recovery components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Block store metrics
	BlockWrites    *prometheus.CounterVec
	BlockRotations *prometheus.CounterVec
	BlockEntries   *prometheus.GaugeVec

	// Ledger metrics
	LedgerHeight        prometheus.Gauge
	LedgerAppends       *prometheus.CounterVec
	LedgerVerifications *prometheus.CounterVec
	LedgerHalted        prometheus.Gauge

	// Quorum metrics
	QuorumVotes     *prometheus.CounterVec
	QuorumDecisions *prometheus.CounterVec
	QuorumOpenCases prometheus.Gauge

	// Recovery metrics
	BackupsPending prometheus.Gauge
	Backups        *prometheus.CounterVec
	BackupRetries  prometheus.Counter
	SyncRuns       *prometheus.CounterVec

	// Content store metrics
	ContentOps     *prometheus.CounterVec
	ContentLatency *prometheus.HistogramVec

	// Health metrics
	HealthScore     prometheus.Gauge
	LastHealthCheck prometheus.Gauge
}

// New creates every collector on a private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers every collector with registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	f := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		BlockWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_block_writes_total",
			Help: "Entries written per block, by result",
		}, []string{"block", "result"}),
		BlockRotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_block_rotations_total",
			Help: "Block rotations, by result",
		}, []string{"block", "result"}),
		BlockEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quorumchain_block_entries",
			Help: "Entries currently held in each live block",
		}, []string{"block"}),

		LedgerHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "quorumchain_ledger_height",
			Help: "Number of blocks in the fingerprint ledger",
		}),
		LedgerAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_ledger_appends_total",
			Help: "Ledger appends, by operation",
		}, []string{"operation"}),
		LedgerVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_ledger_verifications_total",
			Help: "Ledger verifications, by result",
		}, []string{"result"}),
		LedgerHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "quorumchain_ledger_halted",
			Help: "1 while the ledger refuses appends pending operator review",
		}),

		QuorumVotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_quorum_votes_total",
			Help: "Votes cast, by decision and result",
		}, []string{"decision", "result"}),
		QuorumDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_quorum_decisions_total",
			Help: "Finalised verification cases, by outcome",
		}, []string{"outcome"}),
		QuorumOpenCases: f.NewGauge(prometheus.GaugeOpts{
			Name: "quorumchain_quorum_open_cases",
			Help: "Verification cases still pending",
		}),

		BackupsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "quorumchain_backups_pending",
			Help: "Backups waiting in the priority queue",
		}),
		Backups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_backups_total",
			Help: "Backups processed, by priority and result",
		}, []string{"priority", "result"}),
		BackupRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_backup_retries_total",
			Help: "Backup persistence retries",
		}),
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_sync_runs_total",
			Help: "Multi-node synchronisation runs, by result",
		}, []string{"result"}),

		ContentOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumchain_content_operations_total",
			Help: "Content store calls, by operation and result",
		}, []string{"op", "result"}),
		ContentLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorumchain_content_latency_seconds",
			Help:    "Content store call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		HealthScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "quorumchain_health_score",
			Help: "Overall node health score (0-100)",
		}),
		LastHealthCheck: f.NewGauge(prometheus.GaugeOpts{
			Name: "quorumchain_last_health_check_timestamp",
			Help: "Timestamp of last health check",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// BlockWritten counts a block write and records the block's fill.
func (m *Metrics) BlockWritten(block string, entries int, err error) {
	if m == nil {
		return
	}
	m.BlockWrites.WithLabelValues(block, result(err)).Inc()
	if err == nil {
		m.BlockEntries.WithLabelValues(block).Set(float64(entries))
	}
}

// BlockRotated counts a rotation attempt by outcome.
func (m *Metrics) BlockRotated(block string, err error) {
	if m == nil {
		return
	}
	m.BlockRotations.WithLabelValues(block, result(err)).Inc()
	if err == nil {
		m.BlockEntries.WithLabelValues(block).Set(0)
	}
}

// LedgerAppended counts an append and records the chain height.
func (m *Metrics) LedgerAppended(operation string, height int) {
	if m == nil {
		return
	}
	m.LedgerAppends.WithLabelValues(operation).Inc()
	m.LedgerHeight.Set(float64(height))
}

func (m *Metrics) LedgerVerified(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.LedgerVerifications.WithLabelValues("valid").Inc()
		return
	}
	m.LedgerVerifications.WithLabelValues("invalid").Inc()
}

// SetLedgerHalted mirrors the ledger halt flag.
func (m *Metrics) SetLedgerHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.LedgerHalted.Set(1)
	} else {
		m.LedgerHalted.Set(0)
	}
}

func (m *Metrics) VoteCast(decision string, err error) {
	if m == nil {
		return
	}
	m.QuorumVotes.WithLabelValues(decision, result(err)).Inc()
}

func (m *Metrics) CaseOpened() {
	if m == nil {
		return
	}
	m.QuorumOpenCases.Inc()
}

// CaseDecided counts a final case outcome.
func (m *Metrics) CaseDecided(outcome string) {
	if m == nil {
		return
	}
	m.QuorumDecisions.WithLabelValues(outcome).Inc()
	m.QuorumOpenCases.Dec()
}

// SetBackupsPending records the backup queue length.
func (m *Metrics) SetBackupsPending(n int) {
	if m == nil {
		return
	}
	m.BackupsPending.Set(float64(n))
}

// BackupDone counts a backup that persisted or exhausted its retries.
func (m *Metrics) BackupDone(priority string, err error) {
	if m == nil {
		return
	}
	m.Backups.WithLabelValues(priority, result(err)).Inc()
}

func (m *Metrics) BackupRetried() {
	if m == nil {
		return
	}
	m.BackupRetries.Inc()
}

// SyncDone counts a multi-node synchronization by outcome.
func (m *Metrics) SyncDone(err error) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result(err)).Inc()
}

// ContentCall observes the latency and outcome of a content store call.
func (m *Metrics) ContentCall(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.ContentOps.WithLabelValues(op, result(err)).Inc()
	m.ContentLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
