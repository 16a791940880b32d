package ledger

import (
	"context"

	"go.uber.org/zap"
)

// ZapOperationLogger emits one structured log line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as an OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (adapter *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("tenant_id", entry.TenantID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Bool("sandbox", entry.Sandbox),
		zap.String("status", entry.Status),
	}
	if entry.ReservationID != nil {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}
