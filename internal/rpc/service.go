// Package rpc serves a kv.Store over gRPC and provides the matching
// client. Messages are google.protobuf.Struct so no generated code is
// needed:
//
//	Get           {path}                            -> {value}
//	Set           {path, value}                     -> Empty  (null value deletes)
//	CompareAndSet {path, exists, expected, value}   -> Empty  (ABORTED if the value moved)
//	Watch         {path}                            -> stream {path, value, exists}
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "neptalk.namespace.v1.Namespace"

// Full method names, as seen by interceptors.
const (
	GetMethod           = "/" + ServiceName + "/Get"
	SetMethod           = "/" + ServiceName + "/Set"
	CompareAndSetMethod = "/" + ServiceName + "/CompareAndSet"
	WatchMethod         = "/" + ServiceName + "/Watch"
)

// NamespaceServer is the server API of the namespace service.
type NamespaceServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Set(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CompareAndSet(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes the namespace service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NamespaceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "CompareAndSet", Handler: compareAndSetHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "neptalk/namespace/v1/namespace.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv NamespaceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NamespaceServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NamespaceServer).Get(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func setHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NamespaceServer).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NamespaceServer).Set(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func compareAndSetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NamespaceServer).CompareAndSet(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CompareAndSetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NamespaceServer).CompareAndSet(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(NamespaceServer).Watch(in, stream)
}
