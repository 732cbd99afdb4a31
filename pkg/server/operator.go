package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/types"
)

// handleReinstateLedger lifts an integrity halt once the chain verifies.
func (s *Server) handleReinstateLedger(w http.ResponseWriter, r *http.Request) {
	err := s.c.Ledger.Reinstate()
	s.health.Refresh()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Ledger reinstated by operator")
	s.writeJSON(w, http.StatusOK, s.ledgerState())
}

type forkResponse struct {
	Pending bool               `json:"pending"`
	Report  *ledger.ForkReport `json:"report,omitempty"`
}

func (s *Server) handlePendingFork(w http.ResponseWriter, r *http.Request) {
	report, ok := s.c.Ledger.PendingFork()
	resp := forkResponse{Pending: ok}
	if ok {
		resp.Report = &report
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type resolveForkRequest struct {
	Keep string `json:"keep"`
}

func (s *Server) handleResolveFork(w http.ResponseWriter, r *http.Request) {
	var req resolveForkRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var adoptPeer bool
	switch req.Keep {
	case ledger.PreferPeer:
		adoptPeer = true
	case ledger.PreferLocal:
	default:
		s.writeError(w, r, fault.Config("keep", `must be "local" or "peer"`))
		return
	}
	err := s.c.Ledger.ResolveFork(adoptPeer)
	s.health.Refresh()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Ledger fork resolved by operator", zap.String("keep", req.Keep))
	s.writeJSON(w, http.StatusOK, s.ledgerState())
}

type snapshotResponse struct {
	ContentID types.ContentID `json:"content_id"`
	Height    int             `json:"height"`
}

func (s *Server) handleSnapshotLedger(w http.ResponseWriter, r *http.Request) {
	height := s.c.Ledger.Height()
	cid, err := s.c.Ledger.Snapshot(r.Context(), s.c.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snapshotResponse{ContentID: cid, Height: height})
}

type chainRequest struct {
	ContentID types.ContentID `json:"content_id"`
}

func (s *Server) loadChain(w http.ResponseWriter, r *http.Request) ([]ledger.Block, bool) {
	var req chainRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if req.ContentID == "" {
		s.writeError(w, r, fault.Config("content_id", "is required"))
		return nil, false
	}
	blocks, err := ledger.LoadSnapshot(r.Context(), s.c.Content, req.ContentID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return blocks, true
}

// handleRestoreLedger replaces the local chain with a published snapshot.
func (s *Server) handleRestoreLedger(w http.ResponseWriter, r *http.Request) {
	blocks, ok := s.loadChain(w, r)
	if !ok {
		return
	}
	err := s.c.Ledger.Restore(blocks)
	s.health.Refresh()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ledgerState())
}

type reconcileResponse struct {
	Adopted int `json:"adopted"`
	Height  int `json:"height"`
}

// handleReconcileLedger compares a peer's published chain with ours.
func (s *Server) handleReconcileLedger(w http.ResponseWriter, r *http.Request) {
	blocks, ok := s.loadChain(w, r)
	if !ok {
		return
	}
	adopted, err := s.c.Ledger.Reconcile(r.Context(), blocks)
	s.health.Refresh()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reconcileResponse{Adopted: adopted, Height: s.c.Ledger.Height()})
}

type ledgerStateResponse struct {
	Height     int    `json:"height"`
	HeadHash   string `json:"head_hash,omitempty"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
}

func (s *Server) ledgerState() ledgerStateResponse {
	halted, reason := s.c.Ledger.Halted()
	resp := ledgerStateResponse{Height: s.c.Ledger.Height(), Halted: halted, HaltReason: reason}
	if head, ok := s.c.Ledger.Head(); ok {
		resp.HeadHash = head.BlockHash
	}
	return resp
}

type recoverRequest struct {
	// At selects the newest backup created at or before it; empty means
	// the newest overall.
	At string `json:"at"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var at time.Time
	if req.At != "" {
		var err error
		if at, err = time.Parse(time.RFC3339Nano, req.At); err != nil {
			s.writeError(w, r, fault.Config("at", "must be an RFC 3339 timestamp"))
			return
		}
	}
	e, err := s.c.Recovery.Recover(r.Context(), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	e, err := s.c.Recovery.Get(types.BackupID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRetryBackup(w http.ResponseWriter, r *http.Request) {
	id := types.BackupID(mux.Vars(r)["id"])
	if err := s.c.Recovery.Retry(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, backupResponse{BackupID: id, State: "pending"})
}
