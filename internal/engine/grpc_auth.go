package engine

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/treasury-guard/internal/infra/auth"
)

// UnaryAuthInterceptor проверяет RS256 токен в метаданных gRPC вызова.
// Health-проверки проходят без токена.
func UnaryAuthInterceptor(v auth.TokenValidator, metrics *Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, unauthenticated(metrics, "missing metadata")
		}

		// 2. Ищем токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, unauthenticated(metrics, "missing access token")
		}

		// 3. Та же проверка, что и в HTTP middleware
		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			return nil, unauthenticated(metrics, "invalid access token")
		}
		if !(claims.Scopes[ScopeEvaluate] || claims.Scopes["admin"]) {
			return nil, status.Errorf(codes.PermissionDenied, "token lacks scope %s", ScopeEvaluate)
		}

		// Идем дальше по цепочке
		return handler(auth.WithClaims(ctx, claims), req)
	}
}

func unauthenticated(metrics *Metrics, msg string) error {
	if metrics != nil {
		metrics.ErrorTotal.WithLabelValues("unauthorized").Inc()
	}
	return status.Error(codes.Unauthenticated, msg)
}
