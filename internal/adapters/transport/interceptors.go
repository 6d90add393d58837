package transport

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		if err != nil && code != codes.Aborted {
			logger.Error("request failed",
				"method", info.FullMethod,
				"duration_ms", time.Since(start).Milliseconds(),
				"code", code.String(),
				"error", err)
		} else {
			logger.Info("request completed",
				"method", info.FullMethod,
				"duration_ms", time.Since(start).Milliseconds(),
				"code", code.String())
		}
		return resp, err
	}
}
