// Package creditsv1 declares the credits.v1.CreditLedger gRPC service.
// Requests and responses are google.protobuf.Struct values keyed by the Field* names.
package creditsv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "credits.v1.CreditLedger"

const (
	MethodGetBalance        = "GetBalance"
	MethodHasEnough         = "HasEnough"
	MethodConsume           = "Consume"
	MethodInitializeAccount = "InitializeAccount"
	MethodRecordPurchase    = "RecordPurchase"
	MethodCompletePurchase  = "CompletePurchase"
	MethodCanRefund         = "CanRefund"
	MethodRefund            = "Refund"
	MethodReserve           = "Reserve"
	MethodCapture           = "Capture"
	MethodRelease           = "Release"
	MethodListEntries       = "ListEntries"
)

// CreditLedgerServer is the server API for the credits.v1.CreditLedger service.
type CreditLedgerServer interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	HasEnough(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	InitializeAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RecordPurchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CompletePurchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CanRefund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Capture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Release(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedCreditLedgerServer answers every method with codes.Unimplemented.
type UnimplementedCreditLedgerServer struct{}

func (UnimplementedCreditLedgerServer) GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodGetBalance)
}

func (UnimplementedCreditLedgerServer) HasEnough(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodHasEnough)
}

func (UnimplementedCreditLedgerServer) Consume(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodConsume)
}

func (UnimplementedCreditLedgerServer) InitializeAccount(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodInitializeAccount)
}

func (UnimplementedCreditLedgerServer) RecordPurchase(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRecordPurchase)
}

func (UnimplementedCreditLedgerServer) CompletePurchase(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodCompletePurchase)
}

func (UnimplementedCreditLedgerServer) CanRefund(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodCanRefund)
}

func (UnimplementedCreditLedgerServer) Refund(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRefund)
}

func (UnimplementedCreditLedgerServer) Reserve(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodReserve)
}

func (UnimplementedCreditLedgerServer) Capture(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodCapture)
}

func (UnimplementedCreditLedgerServer) Release(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodRelease)
}

func (UnimplementedCreditLedgerServer) ListEntries(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, unimplemented(MethodListEntries)
}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// FullMethod returns the "/service/method" path used on the wire.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryMethod func(server CreditLedgerServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			server := srv.(CreditLedgerServer)
			if interceptor == nil {
				return method(server, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, request any) (any, error) {
				return method(server, ctx, request.(*structpb.Struct))
			}
			return interceptor(ctx, request, info, handler)
		},
	}
}

// CreditLedgerServiceDesc describes the service for grpc.ServiceRegistrar.
var CreditLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodGetBalance, CreditLedgerServer.GetBalance),
		unaryHandler(MethodHasEnough, CreditLedgerServer.HasEnough),
		unaryHandler(MethodConsume, CreditLedgerServer.Consume),
		unaryHandler(MethodInitializeAccount, CreditLedgerServer.InitializeAccount),
		unaryHandler(MethodRecordPurchase, CreditLedgerServer.RecordPurchase),
		unaryHandler(MethodCompletePurchase, CreditLedgerServer.CompletePurchase),
		unaryHandler(MethodCanRefund, CreditLedgerServer.CanRefund),
		unaryHandler(MethodRefund, CreditLedgerServer.Refund),
		unaryHandler(MethodReserve, CreditLedgerServer.Reserve),
		unaryHandler(MethodCapture, CreditLedgerServer.Capture),
		unaryHandler(MethodRelease, CreditLedgerServer.Release),
		unaryHandler(MethodListEntries, CreditLedgerServer.ListEntries),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credits/v1/credits.proto",
}

// RegisterCreditLedgerServer registers server with registrar.
func RegisterCreditLedgerServer(registrar grpc.ServiceRegistrar, server CreditLedgerServer) {
	registrar.RegisterService(&CreditLedgerServiceDesc, server)
}

// CreditLedgerClient calls the credits.v1.CreditLedger service.
type CreditLedgerClient struct {
	connection grpc.ClientConnInterface
}

// NewCreditLedgerClient wraps a client connection.
func NewCreditLedgerClient(connection grpc.ClientConnInterface) *CreditLedgerClient {
	return &CreditLedgerClient{connection: connection}
}

// Call invokes method with request and returns the decoded response.
func (client *CreditLedgerClient) Call(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	if request == nil {
		request = &structpb.Struct{}
	}
	response := new(structpb.Struct)
	if err := client.connection.Invoke(ctx, FullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

// Request builds a Struct from plain Go values, see structpb.NewStruct.
func Request(fields map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(fields)
}
