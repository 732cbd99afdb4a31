package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/storage"
)

const (
	PreferLocal = "local"
	PreferPeer  = "peer"
)

// ForkReport describes two chains that share a prefix and then diverge.
// Preferred names the longer chain; on equal length the local chain wins.
type ForkReport struct {
	ForkAt      int64  `json:"fork_at"`
	LocalHeight int    `json:"local_height"`
	PeerHeight  int    `json:"peer_height"`
	Preferred   string `json:"preferred"`
}

// ForkError carries the report of a detected fork. It matches
// fault.ErrForkDetected.
type ForkError struct {
	Report ForkReport
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("ledger fork at block %d (local height %d, peer height %d, %s chain preferred)",
		e.Report.ForkAt, e.Report.LocalHeight, e.Report.PeerHeight, e.Report.Preferred)
}

func (e *ForkError) Unwrap() error { return fault.ErrForkDetected }

type pendingFork struct {
	report ForkReport
	peer   []Block
}

// Reconcile compares a peer's chain with ours. A valid peer chain that
// strictly extends the local one is adopted and the number of new blocks
// returned. A divergent chain halts appends and returns a *ForkError until
// ResolveFork is called.
func (l *Ledger) Reconcile(ctx context.Context, peer []Block) (int, error) {
	if report := verifyChain(peer); !report.Valid {
		return 0, &fault.IntegrityError{BlockID: *report.FirstBadBlockID, Reason: "peer chain: " + report.Reason}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fork != nil {
		return 0, &ForkError{Report: l.fork.report}
	}

	common := 0
	for common < len(l.blocks) && common < len(peer) && l.blocks[common].BlockHash == peer[common].BlockHash {
		common++
	}

	switch {
	case common == len(peer):
		// peer is behind or equal
		return 0, nil
	case common == len(l.blocks):
		if l.halted {
			return 0, &fault.IntegrityError{BlockID: int64(len(l.blocks)), Reason: "cannot fast-forward: " + l.haltReason, Cause: fault.ErrLedgerHalted}
		}
		extra := cloneBlocks(peer[common:])
		if err := l.replaceFromLocked(int64(common), extra); err != nil {
			return 0, err
		}
		l.logger.Info("Fast-forwarded ledger from peer",
			zap.Int("adopted", len(extra)),
			zap.Int("height", len(l.blocks)))
		l.opts.Metrics.LedgerAppended("fast_forward", len(l.blocks))
		return len(extra), nil
	}

	report := ForkReport{
		ForkAt:      int64(common),
		LocalHeight: len(l.blocks),
		PeerHeight:  len(peer),
		Preferred:   PreferLocal,
	}
	if len(peer) > len(l.blocks) {
		report.Preferred = PreferPeer
	}
	l.fork = &pendingFork{report: report, peer: cloneBlocks(peer)}
	l.halted = true
	l.haltReason = fmt.Sprintf("fork at block %d awaits operator review", report.ForkAt)
	l.opts.Metrics.SetLedgerHalted(true)
	l.logger.Error("Ledger fork detected, appends halted",
		zap.Int64("fork_at", report.ForkAt),
		zap.Int("local_height", report.LocalHeight),
		zap.Int("peer_height", report.PeerHeight),
		zap.String("preferred", report.Preferred))
	return 0, &ForkError{Report: report}
}

// PendingFork returns the fork awaiting review, if any.
func (l *Ledger) PendingFork() (ForkReport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fork == nil {
		return ForkReport{}, false
	}
	return l.fork.report, true
}

// ResolveFork applies the operator's decision on a pending fork: either
// replace the divergent suffix with the peer's blocks or keep the local
// chain. Appends resume when the resulting chain verifies.
func (l *Ledger) ResolveFork(adoptPeer bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fork == nil {
		return fault.ErrNoPendingFork
	}
	fork := l.fork
	if adoptPeer {
		if err := l.replaceFromLocked(fork.report.ForkAt, fork.peer[fork.report.ForkAt:]); err != nil {
			return err
		}
	}
	l.fork = nil

	if report := verifyChain(l.blocks); !report.Valid {
		l.haltReason = fmt.Sprintf("integrity failure at block %d: %s", *report.FirstBadBlockID, report.Reason)
		return &fault.IntegrityError{BlockID: *report.FirstBadBlockID, Reason: report.Reason}
	}
	l.halted = false
	l.haltReason = ""
	l.opts.Metrics.SetLedgerHalted(false)
	l.logger.Info("Ledger fork resolved",
		zap.Int64("fork_at", fork.report.ForkAt),
		zap.Bool("adopted_peer", adoptPeer),
		zap.Int("height", len(l.blocks)))
	return nil
}

// replaceFromLocked drops local blocks from id on and appends the given
// ones, in a single storage batch. l.mu must be held.
func (l *Ledger) replaceFromLocked(from int64, blocks []Block) error {
	if l.db != nil {
		batch := l.db.NewBatch()
		for id := from; id < int64(len(l.blocks)); id++ {
			batch.Delete(l.pool, storage.Uint64Key(uint64(id)))
		}
		for _, b := range blocks {
			data, err := marshalBlock(b)
			if err != nil {
				return err
			}
			batch.Put(l.pool, storage.Uint64Key(uint64(b.BlockID)), data)
		}
		if err := batch.Commit(); err != nil {
			return err
		}
	}
	l.blocks = append(l.blocks[:from:from], blocks...)
	return nil
}

func cloneBlocks(in []Block) []Block {
	out := make([]Block, len(in))
	for i, b := range in {
		out[i] = b.clone()
	}
	return out
}
