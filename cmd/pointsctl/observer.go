package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/aoyamalab/castledger/pkg/points"
)

// zapObserver routes domain callbacks to structured logs. It stands in for
// the notification and operator-alert services, which consume the same hooks.
type zapObserver struct {
	logger *zap.Logger
}

func newZapObserver(logger *zap.Logger) *zapObserver {
	return &zapObserver{logger: logger.Named("points")}
}

func (observer *zapObserver) LogOperation(ctx context.Context, entry points.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.GuestID != "" {
		fields = append(fields, zap.String("guest_id", entry.GuestID))
	}
	if entry.CastID != "" {
		fields = append(fields, zap.String("cast_id", entry.CastID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.PayoutID != "" {
		fields = append(fields, zap.String("payout_id", entry.PayoutID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Error != nil {
		observer.logger.Warn("operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	observer.logger.Info("operation applied", fields...)
}

func (observer *zapObserver) PublishReservationUpdated(ctx context.Context, event points.ReservationUpdated) {
	observer.logger.Info("reservation updated",
		zap.String("reservation_id", event.ReservationID),
		zap.String("guest_id", event.GuestID),
		zap.String("cast_id", event.CastID),
		zap.Int64("points_earned", event.PointsEarned),
		zap.Bool("auto_exited", event.AutoExited),
	)
}

func (observer *zapObserver) EscalateHold(ctx context.Context, hold points.EscalatedHold) {
	observer.logger.Warn("hold escalated",
		zap.String("transaction_id", hold.TransactionID),
		zap.String("reservation_id", hold.ReservationID),
		zap.String("guest_id", hold.GuestID),
		zap.Int64("amount", hold.Amount),
		zap.Int64("shortfall", hold.Shortfall),
	)
}
