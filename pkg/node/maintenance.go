package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/ledger"
)

const (
	// CaseSweepInterval is how often overdue cases are expired.
	CaseSweepInterval = 30 * time.Second
	// LedgerVerifyInterval is how often the chain and the tracked files
	// are checked while running.
	LedgerVerifyInterval = 5 * time.Minute
)

// maintenanceLoop expires overdue cases, retries unrecorded decisions,
// re-verifies the ledger and reports backups that exhausted their retries.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	sweepTicker := time.NewTicker(CaseSweepInterval)
	defer sweepTicker.Stop()

	verifyTicker := time.NewTicker(LedgerVerifyInterval)
	defer verifyTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return

		case <-sweepTicker.C:
			n.sweepCases(n.ctx)

		case <-verifyTicker.C:
			n.verifyLedger(n.ctx)

		case failed := <-n.recovery.Failures():
			n.logger.Error("Backup exhausted its retries",
				zap.String("backup_id", string(failed.BackupID)),
				zap.String("label", failed.Label),
				zap.Int("attempts", failed.Attempts),
				zap.String("fallback_path", failed.FallbackPath),
				zap.String("last_error", failed.LastError))
		}
	}
}

// VerifyFiles compares the files under the ledger base directory with the
// newest block.
func (n *Node) VerifyFiles(ctx context.Context) (ledger.FileReport, error) {
	return n.ledger.VerifyFiles(ctx, ledger.FileHasher{BaseDir: n.cfg.Path(n.cfg.Ledger.BaseDir)})
}

func (n *Node) verifyLedger(ctx context.Context) {
	report := n.ledger.Verify()
	if !report.Valid {
		n.logger.Error("Scheduled ledger verification failed",
			zap.Int("height", report.Height),
			zap.String("reason", report.Reason))
	}

	files, err := n.VerifyFiles(ctx)
	if err != nil {
		n.logger.Warn("Tracked file check incomplete", zap.Error(err))
		return
	}
	for _, d := range files.Modified {
		n.logger.Error("Tracked file modified outside the ledger",
			zap.String("path", d.Path),
			zap.String("expected", d.Expected),
			zap.String("actual", d.Actual))
	}
	for _, p := range files.Missing {
		n.logger.Error("Tracked file missing", zap.String("path", p))
	}
	if len(files.Unregistered) > 0 {
		n.logger.Info("Untracked files next to tracked ones", zap.Strings("paths", files.Unregistered))
	}
}

func (n *Node) sweepCases(ctx context.Context) {
	expired, err := n.quorum.ExpireCases(ctx)
	if err != nil {
		n.logger.Warn("Case expiry sweep incomplete", zap.Error(err))
	} else if expired > 0 {
		n.logger.Info("Expired verification cases", zap.Int("count", expired))
	}

	recorded, err := n.quorum.RecordPending(ctx)
	if err != nil {
		n.logger.Warn("Decisions still unrecorded", zap.Error(err))
	} else if recorded > 0 {
		n.logger.Info("Recorded pending decisions", zap.Int("count", recorded))
	}
}
