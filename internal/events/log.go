package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink renders events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.Int64("order_id", event.OrderID),
		zap.Int64("actor_id", event.ActorID),
		zap.Time("at", event.At),
	}

	switch event.Type {
	case TypeStatusChanged:
		fields = append(fields,
			zap.String("from", string(event.From)),
			zap.String("to", string(event.To)),
		)
		if event.Note != "" {
			fields = append(fields, zap.String("note", event.Note))
		}
		s.logger.Info("order status changed", fields...)
	case TypeRefundApplied:
		fields = append(fields,
			zap.String("refund_id", event.RefundID),
			zap.String("amount", event.Amount.StringFixed(2)),
		)
		if event.Note != "" {
			fields = append(fields, zap.String("reason", event.Note))
		}
		s.logger.Info("refund applied", fields...)
	case TypeRefundRejected:
		s.logger.Warn("refund rejected", append(fields, zap.String("reason", event.Reason))...)
	default:
		s.logger.Info("order event", fields...)
	}
}
