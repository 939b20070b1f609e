package engine

/*
Файл grpc_server.go реализует gRPC-вход шлюза.

Сервис treasuryguard.v1.TransferGuard описан вручную (grpc.ServiceDesc): запрос и ответ ,
google.protobuf.Struct с теми же полями, что и JSON в HTTP API. Клиенту достаточно
well-known types, генерировать код не нужно.
*/

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
)

const (
	TransferGuardService = "treasuryguard.v1.TransferGuard"
	EvaluateMethod       = "/" + TransferGuardService + "/Evaluate"
)

// TransferGuardServer: контракт gRPC-сервиса.
type TransferGuardServer interface {
	Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var transferGuardDesc = grpc.ServiceDesc{
	ServiceName: TransferGuardService,
	HandlerType: (*TransferGuardServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Evaluate",
		Handler:    evaluateHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "treasuryguard/v1/transfer_guard.proto",
}

func evaluateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferGuardServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TransferGuardServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCGatewayServer struct {
	gw *Gateway
}

func NewGRPCGatewayServer(gw *Gateway) *GRPCGatewayServer {
	return &GRPCGatewayServer{gw: gw}
}

// Register вешает TransferGuard и стандартный health-сервис на сервер.
func (s *GRPCGatewayServer) Register(srv *grpc.Server) *health.Server {
	srv.RegisterService(&transferGuardDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(TransferGuardService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

func (s *GRPCGatewayServer) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct → JSON → TransactionRequest (те же правила разбора, что и в HTTP)
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	var req domain.TransactionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if req.Initiator == "" {
		req.Initiator = auth.Subject(ctx)
	}

	// 2. Trace-ID из метаданных, если клиент его передал
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(TraceHeader); len(ids) > 0 && ids[0] != "" {
			ctx = WithTraceID(ctx, ids[0])
		}
	}

	// 3. Вызываем единый пайплайн обработки (Тот же, что и для HTTP!)
	res, err := s.gw.Evaluate(ctx, &req, "grpc")
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.gw.logger.Error("grpc evaluation failed", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "evaluation unavailable")
	}

	// 4. Собираем ответ обратно в Protobuf
	out, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	var resultMap map[string]interface{}
	if err := json.Unmarshal(out, &resultMap); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	result, err := structpb.NewStruct(resultMap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return result, nil
}
