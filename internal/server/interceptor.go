package server

import (
	"context"
	"strings"

	"github.com/butterr12/iskomunidad-guard/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const healthPrefix = "/grpc.health.v1.Health/"

// UnaryAuthInterceptor requires the service key as a bearer token on every
// call except health checks.
func UnaryAuthInterceptor(v *auth.ServiceKeyVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if v.Disabled() || strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		token, ok := auth.BearerFromMetadata(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing bearer token")
		}
		if err := v.Verify(token); err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		}
		return handler(ctx, req)
	}
}
