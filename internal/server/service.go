package server

// ============================================================================
// ChargeService gRPC 服務描述
// 訊息一律使用 google.protobuf.Struct，不需要額外的 .proto 產生碼：
//
//	service ChargeService {
//	  rpc Charge(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Status(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "chargeledger.v1.ChargeService"

	chargeMethod = "/" + ServiceName + "/Charge"
	statusMethod = "/" + ServiceName + "/Status"
)

// ChargeServiceServer is the server API for ChargeService.
type ChargeServiceServer interface {
	Charge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc is the grpc.ServiceDesc for ChargeService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChargeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Charge", Handler: chargeHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chargeledger/v1/charge.proto",
}

// RegisterChargeServiceServer registers srv on s.
func RegisterChargeServiceServer(s grpc.ServiceRegistrar, srv ChargeServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func chargeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChargeServiceServer).Charge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: chargeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChargeServiceServer).Charge(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChargeServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChargeServiceServer).Status(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
