package server

import (
	"context"
	"strings"

	"github.com/butterr12/iskomunidad-guard/internal/auth"
	"github.com/butterr12/iskomunidad-guard/internal/engine"
	"github.com/butterr12/iskomunidad-guard/internal/guard"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GuardServer implements GuardServiceServer over the guard decision service.
type GuardServer struct {
	guard  *guard.Service
	logger *zap.Logger
}

// NewGuardServer creates a new GuardServer.
func NewGuardServer(svc *guard.Service, logger *zap.Logger) *GuardServer {
	return &GuardServer{guard: svc, logger: logger}
}

// New builds a grpc.Server with GuardService and the standard health service
// registered behind the service key interceptor.
func New(svc *guard.Service, verifier *auth.ServiceKeyVerifier, logger *zap.Logger) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(verifier)))
	RegisterGuardServiceServer(s, NewGuardServer(svc, logger))
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

// Evaluate implements GuardService.Evaluate. Request fields: action (required),
// ip, device_id, user_id.
func (s *GuardServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	action := stringField(req, "action")
	if action == "" {
		return nil, status.Errorf(codes.InvalidArgument, "action is required")
	}
	sig := identity.Signals{
		IP:       stringField(req, "ip"),
		DeviceID: stringField(req, "device_id"),
		UserID:   stringField(req, "user_id"),
	}
	if sig.IP != "" {
		ip, ok := identity.NormalizeIP(sig.IP)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "invalid ip %q", sig.IP)
		}
		sig.IP = ip
	}

	res := s.guard.Guard(ctx, action, sig)

	out, err := structpb.NewStruct(map[string]any{
		"decision":            res.Decision.String(),
		"true_decision":       res.TrueDecision.String(),
		"mode":                res.Mode.String(),
		"is_shadow":           res.IsShadow,
		"reason":              res.Reason,
		"triggered_rule":      res.TriggeredRule,
		"current_count":       res.CurrentCount,
		"limit_value":         res.LimitValue,
		"retry_after_seconds": retryAfter(res),
		"review_required":     res.Decision == engine.DecisionDegradeToReview,
		"event_id":            res.EventID,
		"user_id_hash":        res.Identity.UserIDHash,
		"ip_hash":             res.Identity.IPHash,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// ClearCooldown implements GuardService.ClearCooldown. Request field:
// hash (required), the identity hash whose counters are reset.
func (s *GuardServer) ClearCooldown(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	hash := stringField(req, "hash")
	if hash == "" {
		return nil, status.Errorf(codes.InvalidArgument, "hash is required")
	}
	n, err := s.guard.ClearCooldown(ctx, hash)
	if err != nil {
		s.logger.Error("clear cooldown failed", zap.Error(err))
		return nil, status.Errorf(codes.Unavailable, "clear cooldown: %v", err)
	}
	return structpb.NewStruct(map[string]any{"cleared": n})
}

func retryAfter(res guard.Result) int {
	if !res.Decision.Rejects() {
		return 0
	}
	return res.RetryAfterSeconds()
}

func stringField(s *structpb.Struct, name string) string {
	return strings.TrimSpace(s.GetFields()[name].GetStringValue())
}
