package ipc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC full-service name used to build each method's
// full path, matching the shape protoc-gen-go-grpc would generate from
// a control.proto this build has no protoc available to compile.
const serviceName = "splittunnel.v1.ControlService"

// ControlServiceServer is implemented by the business logic behind the
// control surface (see service.go's Service type).
type ControlServiceServer interface {
	StartSession(context.Context, *StartSessionRequest) (*StartSessionResponse, error)
	SetMode(context.Context, *SetModeRequest) (*Empty, error)
	SetTargets(context.Context, *SetTargetsRequest) (*Empty, error)
	StopSession(context.Context, *Empty) (*Empty, error)
	GetStats(context.Context, *Empty) (*StatsResponse, error)
	StreamLogs(*Empty, ControlService_StreamLogsServer) error
}

// ControlService_StreamLogsServer is the server-side handle for the
// StreamLogs server-streaming RPC.
type ControlService_StreamLogsServer interface {
	Send(*LogLine) error
	grpc.ServerStream
}

type controlServiceStreamLogsServer struct{ grpc.ServerStream }

func (x *controlServiceStreamLogsServer) Send(m *LogLine) error {
	return x.ServerStream.SendMsg(m)
}

func _ControlService_StartSession_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StartSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).StartSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StartSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServiceServer).StartSession(ctx, req.(*StartSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_SetMode_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetModeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).SetMode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetMode"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServiceServer).SetMode(ctx, req.(*SetModeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_SetTargets_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetTargetsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).SetTargets(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetTargets"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServiceServer).SetTargets(ctx, req.(*SetTargetsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_StopSession_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).StopSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StopSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServiceServer).StopSession(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_GetStats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServiceServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServiceServer).GetStats(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _ControlService_StreamLogs_Handler(srv any, stream grpc.ServerStream) error {
	m := new(Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ControlServiceServer).StreamLogs(m, &controlServiceStreamLogsServer{stream})
}

// ServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// _ServiceDesc value, registered with grpc.Server.RegisterService the
// same way generated code does.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSession", Handler: _ControlService_StartSession_Handler},
		{MethodName: "SetMode", Handler: _ControlService_SetMode_Handler},
		{MethodName: "SetTargets", Handler: _ControlService_SetTargets_Handler},
		{MethodName: "StopSession", Handler: _ControlService_StopSession_Handler},
		{MethodName: "GetStats", Handler: _ControlService_GetStats_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamLogs", Handler: _ControlService_StreamLogs_Handler, ServerStreams: true},
	},
	Metadata: "splittunnel/control.go",
}

// ControlServiceClient is the client-side stub, hand-written in place
// of a protoc-gen-go-grpc client.
type ControlServiceClient interface {
	StartSession(ctx context.Context, in *StartSessionRequest, opts ...grpc.CallOption) (*StartSessionResponse, error)
	SetMode(ctx context.Context, in *SetModeRequest, opts ...grpc.CallOption) (*Empty, error)
	SetTargets(ctx context.Context, in *SetTargetsRequest, opts ...grpc.CallOption) (*Empty, error)
	StopSession(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error)
	GetStats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatsResponse, error)
	StreamLogs(ctx context.Context, in *Empty, opts ...grpc.CallOption) (ControlService_StreamLogsClient, error)
}

type controlServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewControlServiceClient wraps cc with the control service's typed
// method set. Every call is pinned to the "json" content subtype so
// the server's registered jsonCodec is used instead of the (absent)
// proto codec.
func NewControlServiceClient(cc grpc.ClientConnInterface) ControlServiceClient {
	return &controlServiceClient{cc}
}

func withJSON(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

func (c *controlServiceClient) StartSession(ctx context.Context, in *StartSessionRequest, opts ...grpc.CallOption) (*StartSessionResponse, error) {
	out := new(StartSessionResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/StartSession", in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) SetMode(ctx context.Context, in *SetModeRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetMode", in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) SetTargets(ctx context.Context, in *SetTargetsRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetTargets", in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) StopSession(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/StopSession", in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlServiceClient) GetStats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetStats", in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// ControlService_StreamLogsClient is the client-side handle for the
// StreamLogs server-streaming RPC.
type ControlService_StreamLogsClient interface {
	Recv() (*LogLine, error)
	grpc.ClientStream
}

type controlServiceStreamLogsClient struct{ grpc.ClientStream }

func (x *controlServiceStreamLogsClient) Recv() (*LogLine, error) {
	m := new(LogLine)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *controlServiceClient) StreamLogs(ctx context.Context, in *Empty, opts ...grpc.CallOption) (ControlService_StreamLogsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/StreamLogs", withJSON(opts)...)
	if err != nil {
		return nil, err
	}
	x := &controlServiceStreamLogsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
