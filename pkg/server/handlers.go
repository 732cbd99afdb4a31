package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/quorum"
	"quorumchain/pkg/recovery"
	"quorumchain/pkg/types"
)

type writeRequest struct {
	Payload  json.RawMessage `json:"payload"`
	DataType string          `json:"data_type"`
	Priority types.Priority  `json:"priority"`
}

func (s *Server) handleWriteBlock(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	priority, err := types.ParsePriority(string(req.Priority))
	if err != nil {
		s.writeError(w, r, fault.Config("priority", err.Error()))
		return
	}
	entry, err := s.c.Blocks.Write(r.Context(), mux.Vars(r)["name"], req.Payload, req.DataType, priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleReadBlock(w http.ResponseWriter, r *http.Request) {
	entryID := types.EntryID(r.URL.Query().Get("entry_id"))
	entries, err := s.c.Blocks.Read(mux.Vars(r)["name"], entryID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBlockStatusAll(w http.ResponseWriter, r *http.Request) {
	all, err := s.c.Blocks.StatusAll()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.c.Blocks.Status(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRotateBlock(w http.ResponseWriter, r *http.Request) {
	rec, err := s.c.Blocks.Rotate(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type registerRequest struct {
	NodeID types.NodeID `json:"node_id"`
}

type registerResponse struct {
	NodeID types.NodeID `json:"node_id"`
	Added  bool         `json:"added"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	added, err := s.c.Blocks.RegisterNode(r.Context(), req.NodeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, registerResponse{NodeID: req.NodeID, Added: added})
}

type appendRequest struct {
	Operation   string   `json:"operation"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Metadata    any      `json:"metadata"`
}

func (s *Server) handleAppendLedger(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	block, err := s.c.Ledger.Append(r.Context(), ledger.Change{
		Operation:   req.Operation,
		Description: req.Description,
		Files:       req.Files,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, block)
}

type verifyResponse struct {
	ledger.Report
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	report := s.c.Ledger.Verify()
	halted, reason := s.c.Ledger.Halted()
	s.health.Refresh()
	s.writeJSON(w, http.StatusOK, verifyResponse{Report: report, Halted: halted, HaltReason: reason})
}

type startCaseRequest struct {
	Entity           quorum.Entity  `json:"entity"`
	KnownQuorumNodes []types.NodeID `json:"known_quorum_nodes"`
}

func (s *Server) handleStartCase(w http.ResponseWriter, r *http.Request) {
	var req startCaseRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.c.Quorum.StartCase(r.Context(), req.Entity, req.KnownQuorumNodes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

type voteRequest struct {
	NodeID    types.NodeID   `json:"node_id"`
	Decision  types.Decision `json:"decision"`
	PublicKey string         `json:"public_key"`
	Comment   string         `json:"comment"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// a certificate-authenticated caller may only vote as itself
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		if req.NodeID == "" {
			req.NodeID = id.NodeID
		} else if req.NodeID != id.NodeID {
			s.writeError(w, r, fmt.Errorf("%w: certificate is for %s, vote is for %s", auth.ErrNodeNotAllowed, id.NodeID, req.NodeID))
			return
		}
	}
	caseID := types.CaseID(mux.Vars(r)["id"])
	c, err := s.c.Quorum.CastVote(r.Context(), caseID, req.NodeID, req.Decision, req.PublicKey, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("Vote accepted",
		zap.String("case_id", string(caseID)),
		zap.String("node_id", string(req.NodeID)),
		zap.String("final_decision", string(c.FinalDecision)))
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCaseStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.c.Quorum.Status(types.CaseID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type mediaRequest struct {
	Reference string `json:"reference"`
}

func (s *Server) handleAddMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.c.Quorum.AddMediaReference(r.Context(), types.CaseID(mux.Vars(r)["id"]), req.Reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

type backupRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Label    string          `json:"label"`
	Priority types.Priority  `json:"priority"`
}

type backupResponse struct {
	BackupID types.BackupID `json:"backup_id"`
	State    string         `json:"state"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.c.Recovery.Backup(r.Context(), req.Payload, req.Label, req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.c.Recovery.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if e.State != recovery.StatePending && e.State != recovery.StateRunning {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, backupResponse{BackupID: id, State: string(e.State)})
}

func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.c.Recovery.Status())
}

type syncRequest struct {
	NodeIDs []types.NodeID `json:"node_ids"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.NodeIDs) == 0 {
		s.writeError(w, r, fault.Config("node_ids", "at least one node is required"))
		return
	}
	result, err := s.c.Recovery.MultiNodeSynchronization(r.Context(), req.NodeIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type announceRequest struct {
	ContentID types.ContentID `json:"content_id"`
}

// handleAnnounce records where a peer published its backup history.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ContentID == "" {
		s.writeError(w, r, fault.Config("content_id", "is required"))
		return
	}
	node := types.NodeID(mux.Vars(r)["node"])
	s.c.Peers.Announce(node, req.ContentID)
	s.logger.Info("Peer history announced",
		zap.String("node_id", string(node)),
		zap.String("cid", string(req.ContentID)))
	w.WriteHeader(http.StatusNoContent)
}
