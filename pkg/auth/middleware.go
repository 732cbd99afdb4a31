package auth

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// HTTPMiddleware attaches the client certificate identity to the request
// context. With requireAuth set, requests without a verified certificate
// are refused.
func HTTPMiddleware(requireAuth bool, logger *zap.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				id := IdentityFromCert(r.TLS.PeerCertificates[0])
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
			if requireAuth {
				logger.Warn("Rejected unauthenticated request",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr))
				http.Error(w, ErrNoCertificate.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryServerInterceptor is the gRPC counterpart of HTTPMiddleware.
func UnaryServerInterceptor(requireAuth bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if id, ok := identityFromPeer(ctx); ok {
			return handler(WithIdentity(ctx, id), req)
		}
		if requireAuth {
			return nil, status.Error(codes.Unauthenticated, ErrNoCertificate.Error())
		}
		return handler(ctx, req)
	}
}

func identityFromPeer(ctx context.Context) (Identity, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return Identity{}, false
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return Identity{}, false
	}
	return IdentityFromCert(info.State.PeerCertificates[0]), true
}
