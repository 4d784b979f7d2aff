// Package logging adapts zap to the credit service and the gRPC server.
package logging

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// New builds the process logger.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OperationLogger writes credit operations to zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns a credits.OperationLogger backed by logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	return &OperationLogger{logger: logger}
}

func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount),
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.CreditType != "" {
		fields = append(fields, zap.String("credit_type", entry.CreditType.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if credits.IsTransient(entry.Error) {
			operationLogger.logger.Warn("credit operation", fields...)
			return
		}
		operationLogger.logger.Error("credit operation", fields...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}

// UnaryServerInterceptor logs every unary call with its status code and duration.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		startedAt := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(startedAt)),
		}
		if err != nil {
			logger.Warn("grpc request", append(fields, zap.Error(err))...)
			return response, err
		}
		logger.Debug("grpc request", fields...)
		return response, nil
	}
}
