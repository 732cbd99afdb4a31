// Package server exposes the node over a local JSON API and a gRPC health
// service whose status follows ledger integrity.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/blockstore"
	"quorumchain/pkg/content"
	"quorumchain/pkg/fault"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/quorum"
	"quorumchain/pkg/recovery"
)

const maxBodyBytes = 4 << 20

// Components are the services the API fronts. Peers, Content and Health
// may be nil; the routes that need them are then not registered.
type Components struct {
	Blocks   *blockstore.BlockStore
	Ledger   *ledger.Ledger
	Quorum   *quorum.Engine
	Recovery *recovery.Scheduler
	Peers    *recovery.ContentPeerSource
	Content  content.Store
	Health   *metrics.HealthEndpoint
}

// Options configure the listeners.
type Options struct {
	HTTPAddress string
	GRPCAddress string
	TLS         auth.Config
	// HealthPollInterval controls how often the gRPC status is refreshed
	// from the ledger.
	HealthPollInterval time.Duration
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
}

// Server serves the JSON API and the gRPC health service.
type Server struct {
	c      Components
	opts   Options
	logger *zap.Logger

	router    *mux.Router
	tlsConfig *tls.Config
	http      *http.Server
	health    *HealthService

	mu        sync.Mutex
	httpLis   net.Listener
	started   bool
	stopOnce  sync.Once
	serveErrs chan error
}

// New builds the router and TLS configuration without listening.
func New(c Components, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HealthPollInterval <= 0 {
		opts.HealthPollInterval = time.Second
	}

	builder, err := auth.NewTLSConfigBuilder(opts.TLS)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := builder.BuildServerConfig()
	if err != nil {
		return nil, err
	}

	s := &Server{
		c:         c,
		opts:      opts,
		logger:    opts.Logger,
		tlsConfig: tlsConfig,
		serveErrs: make(chan error, 2),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:           s.router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.health = NewHealthService(c.Ledger, tlsConfig, opts.TLS.RequireClientAuth, opts.HealthPollInterval, opts.Metrics, opts.Logger)
	return s, nil
}

// Handler returns the API router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Health is the gRPC health service.
func (s *Server) Health() *HealthService { return s.health }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(auth.HTTPMiddleware(s.opts.TLS.Enabled && s.opts.TLS.RequireClientAuth, s.logger))

	r.HandleFunc("/blocks", s.handleBlockStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{name}", s.handleBlockStatus).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{name}/entries", s.handleWriteBlock).Methods(http.MethodPost)
	r.HandleFunc("/blocks/{name}/entries", s.handleReadBlock).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{name}/rotate", s.handleRotateBlock).Methods(http.MethodPost)
	r.HandleFunc("/nodes", s.handleRegisterNode).Methods(http.MethodPost)

	r.HandleFunc("/ledger/blocks", s.handleAppendLedger).Methods(http.MethodPost)
	r.HandleFunc("/ledger/verify", s.handleVerifyLedger).Methods(http.MethodGet)
	r.HandleFunc("/ledger/reinstate", s.handleReinstateLedger).Methods(http.MethodPost)
	r.HandleFunc("/ledger/fork", s.handlePendingFork).Methods(http.MethodGet)
	r.HandleFunc("/ledger/fork/resolve", s.handleResolveFork).Methods(http.MethodPost)
	if s.c.Content != nil {
		r.HandleFunc("/ledger/snapshot", s.handleSnapshotLedger).Methods(http.MethodPost)
		r.HandleFunc("/ledger/restore", s.handleRestoreLedger).Methods(http.MethodPost)
		r.HandleFunc("/ledger/reconcile", s.handleReconcileLedger).Methods(http.MethodPost)
	}

	r.HandleFunc("/cases", s.handleStartCase).Methods(http.MethodPost)
	r.HandleFunc("/cases/{id}", s.handleCaseStatus).Methods(http.MethodGet)
	r.HandleFunc("/cases/{id}/votes", s.handleCastVote).Methods(http.MethodPost)
	r.HandleFunc("/cases/{id}/media", s.handleAddMedia).Methods(http.MethodPost)

	r.HandleFunc("/backups", s.handleBackup).Methods(http.MethodPost)
	r.HandleFunc("/backups/status", s.handleRecoveryStatus).Methods(http.MethodGet)
	r.HandleFunc("/backups/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/backups/recover", s.handleRecover).Methods(http.MethodPost)
	r.HandleFunc("/backups/{id}", s.handleGetBackup).Methods(http.MethodGet)
	r.HandleFunc("/backups/{id}/retry", s.handleRetryBackup).Methods(http.MethodPost)
	if s.c.Peers != nil {
		r.HandleFunc("/backups/peers/{node}", s.handleAnnounce).Methods(http.MethodPut)
	}

	if s.c.Health != nil {
		s.c.Health.RegisterHandlers(r)
	}
	return r
}

// Start binds both listeners and serves in the background. Serve errors
// are reported on Errors.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	lis, err := net.Listen("tcp", s.opts.HTTPAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.HTTPAddress, err)
	}
	if s.tlsConfig != nil {
		lis = tls.NewListener(lis, s.tlsConfig)
	}
	if err := s.health.Start(ctx, s.opts.GRPCAddress); err != nil {
		lis.Close()
		return err
	}
	s.httpLis = lis
	s.started = true

	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.serveErrs <- err
		}
	}()

	s.logger.Info("API listening",
		zap.String("http", lis.Addr().String()),
		zap.String("grpc", s.health.Addr().String()),
		zap.Bool("tls", s.tlsConfig != nil))
	return nil
}

// Errors reports listener failures after Start.
func (s *Server) Errors() <-chan error { return s.serveErrs }

// HTTPAddr is the bound API address once started.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.health.Stop()
		err = s.http.Shutdown(ctx)
	})
	return err
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	} else {
		s.logger.Debug("Request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &fault.ConfigError{Field: "body", Reason: "invalid request body", Cause: err}
	}
	return nil
}
