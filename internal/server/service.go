package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "iskomunidad.guard.v1.GuardService"

const (
	evaluateMethod      = "/" + ServiceName + "/Evaluate"
	clearCooldownMethod = "/" + ServiceName + "/ClearCooldown"
)

// GuardServiceServer is the server API for GuardService. Messages are
// google.protobuf.Struct so callers need no generated stubs.
type GuardServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearCooldown(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GuardServiceDesc describes GuardService for grpc.Server.RegisterService.
var GuardServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GuardServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "ClearCooldown", Handler: clearCooldownHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iskomunidad/guard/v1/guard.proto",
}

// RegisterGuardServiceServer registers srv with s.
func RegisterGuardServiceServer(s grpc.ServiceRegistrar, srv GuardServiceServer) {
	s.RegisterService(&GuardServiceDesc, srv)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuardServiceServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GuardServiceServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func clearCooldownHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuardServiceServer).ClearCooldown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: clearCooldownMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GuardServiceServer).ClearCooldown(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GuardServiceClient calls GuardService.
type GuardServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewGuardServiceClient creates a client over cc.
func NewGuardServiceClient(cc grpc.ClientConnInterface) *GuardServiceClient {
	return &GuardServiceClient{cc: cc}
}

func (c *GuardServiceClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GuardServiceClient) ClearCooldown(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, clearCooldownMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
