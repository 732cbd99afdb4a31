package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/metrics"
)

// LedgerService is the health service name that tracks ledger integrity.
// The overall "" service reports the same status.
const LedgerService = "quorumchain.Ledger"

// HealthService serves grpc.health.v1. A halted ledger flips every
// service to NOT_SERVING.
type HealthService struct {
	ledger   *ledger.Ledger
	server   *grpc.Server
	health   *health.Server
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	lis     net.Listener
	serving bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHealthService reports the ledger's health, polled every interval.
func NewHealthService(l *ledger.Ledger, tlsConfig *tls.Config, requireAuth bool, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}

	unary := []grpc.UnaryServerInterceptor{auth.UnaryServerInterceptor(requireAuth)}
	var stream []grpc.StreamServerInterceptor
	var grpcMetrics *grpc_prometheus.ServerMetrics
	if m != nil && m.Registry != nil {
		grpcMetrics = grpc_prometheus.NewServerMetrics()
		if err := m.Registry.Register(grpcMetrics); err != nil {
			logger.Warn("gRPC metrics not registered", zap.Error(err))
		} else {
			unary = append([]grpc.UnaryServerInterceptor{grpcMetrics.UnaryServerInterceptor()}, unary...)
			stream = append(stream, grpcMetrics.StreamServerInterceptor())
		}
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	hs := &HealthService{
		ledger:   l,
		server:   grpc.NewServer(serverOpts...),
		health:   health.NewServer(),
		interval: interval,
		logger:   logger,
	}
	healthpb.RegisterHealthServer(hs.server, hs.health)
	if grpcMetrics != nil {
		grpcMetrics.InitializeMetrics(hs.server)
	}
	hs.Refresh()
	return hs
}

// Refresh re-reads the ledger state and updates the served status.
func (hs *HealthService) Refresh() {
	serving := true
	reason := ""
	if hs.ledger != nil {
		var halted bool
		halted, reason = hs.ledger.Halted()
		serving = !halted
	}

	hs.mu.Lock()
	changed := serving != hs.serving
	hs.serving = serving
	hs.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(LedgerService, status)

	if changed && !serving {
		hs.logger.Error("Health set to NOT_SERVING, ledger halted", zap.String("reason", reason))
	} else if changed {
		hs.logger.Info("Health set to SERVING")
	}
}

// Serving is the last published status.
func (hs *HealthService) Serving() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.serving
}

// Start binds addr and serves until Stop. The ledger is polled every
// interval.
func (hs *HealthService) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	hs.mu.Lock()
	hs.lis = lis
	hs.cancel = cancel
	hs.done = make(chan struct{})
	hs.mu.Unlock()

	go func() {
		if err := hs.server.Serve(lis); err != nil {
			hs.logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	go hs.poll(ctx)
	return nil
}

func (hs *HealthService) poll(ctx context.Context) {
	defer close(hs.done)
	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hs.Refresh()
		case <-ctx.Done():
			return
		}
	}
}

// Addr is the bound gRPC address once started.
func (hs *HealthService) Addr() net.Addr {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.lis == nil {
		return nil
	}
	return hs.lis.Addr()
}

// Stop ends polling and stops the gRPC server gracefully.
func (hs *HealthService) Stop() {
	hs.mu.Lock()
	cancel, done := hs.cancel, hs.done
	hs.cancel = nil
	hs.mu.Unlock()

	hs.health.Shutdown()
	if cancel != nil {
		cancel()
		<-done
	}
	hs.server.GracefulStop()
}
