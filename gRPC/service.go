package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service only carries well-known types, so its descriptor is written by
// hand instead of generated from a .proto file.

const (
	ServiceName               = "peopledet.DetectService"
	DetectService_Predict     = "/peopledet.DetectService/Predict"
	DetectService_Ping        = "/peopledet.DetectService/Ping"
	DetectService_CheckEngine = "/peopledet.DetectService/CheckEngine"
)

type DetectServiceServer interface {
	Predict(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	CheckEngine(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectService_ServiceDesc, srv)
}

func _DetectService_Predict_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Predict}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_Ping_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Ping}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_CheckEngine_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).CheckEngine(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_CheckEngine}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).CheckEngine(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var DetectService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: _DetectService_Predict_Handler},
		{MethodName: "Ping", Handler: _DetectService_Ping_Handler},
		{MethodName: "CheckEngine", Handler: _DetectService_CheckEngine_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peopledet.proto",
}

type DetectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) *DetectServiceClient {
	return &DetectServiceClient{cc: cc}
}

func (c *DetectServiceClient) Predict(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_Predict, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, DetectService_Ping, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) CheckEngine(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_CheckEngine, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
