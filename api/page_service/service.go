// Package pageservice exposes the buffer pool over gRPC. Messages are
// protobuf well-known types, so the service descriptor is declared here
// instead of being generated.
package pageservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "gojodb.pagecache.PageService"

	ReadPageMethod   = "/" + ServiceName + "/ReadPage"
	CreatePageMethod = "/" + ServiceName + "/CreatePage"
	WritePageMethod  = "/" + ServiceName + "/WritePage"
	FlushAllMethod   = "/" + ServiceName + "/FlushAll"
	StatsMethod      = "/" + ServiceName + "/Stats"

	// Metadata keys carrying the WritePage target.
	PageIDKey     = "gojodb-page-id"
	PageOffsetKey = "gojodb-page-offset"
)

// PageServiceServer is the server API for the page service.
type PageServiceServer interface {
	ReadPage(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	CreatePage(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
	WritePage(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	FlushAll(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterPageServiceServer registers srv on s.
func RegisterPageServiceServer(s grpc.ServiceRegistrar, srv PageServiceServer) {
	s.RegisterService(&PageService_ServiceDesc, srv)
}

func _PageService_ReadPage_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageServiceServer).ReadPage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReadPageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PageServiceServer).ReadPage(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageService_CreatePage_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageServiceServer).CreatePage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CreatePageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PageServiceServer).CreatePage(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageService_WritePage_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageServiceServer).WritePage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WritePageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PageServiceServer).WritePage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageService_FlushAll_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageServiceServer).FlushAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FlushAllMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PageServiceServer).FlushAll(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageService_Stats_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageServiceServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PageServiceServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// PageService_ServiceDesc is the grpc.ServiceDesc for the page service.
var PageService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReadPage", Handler: _PageService_ReadPage_Handler},
		{MethodName: "CreatePage", Handler: _PageService_CreatePage_Handler},
		{MethodName: "WritePage", Handler: _PageService_WritePage_Handler},
		{MethodName: "FlushAll", Handler: _PageService_FlushAll_Handler},
		{MethodName: "Stats", Handler: _PageService_Stats_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojodb/pagecache/page_service",
}
