// Package gateway provides PaymentGateway implementations. LogGateway is a
// dry-run provider that approves every call and logs it; it stands in until
// a real provider integration is configured.
package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aoyamalab/castledger/pkg/points"
)

// LogGateway approves every call, assigns a synthetic provider reference,
// and logs the request. Safe for staging and local runs; never moves money.
type LogGateway struct {
	logger   *zap.Logger
	sequence atomic.Int64
}

// NewLogGateway returns a LogGateway writing to logger.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

func (gateway *LogGateway) Capture(ctx context.Context, intentID string) (points.CaptureResult, error) {
	reference := gateway.nextReference("cap")
	gateway.logger.Info("gateway capture",
		zap.String("intent_id", intentID),
		zap.String("provider_ref", reference),
	)
	return points.CaptureResult{Succeeded: true, ProviderRef: reference}, nil
}

func (gateway *LogGateway) Transfer(ctx context.Context, accountID string, amountYen int64) (points.GatewayResult, error) {
	reference := gateway.nextReference("trf")
	gateway.logger.Info("gateway transfer",
		zap.String("account_id", accountID),
		zap.Int64("amount_yen", amountYen),
		zap.String("provider_ref", reference),
	)
	return points.GatewayResult{Succeeded: true, ProviderRef: reference}, nil
}

func (gateway *LogGateway) Payout(ctx context.Context, accountID string, amountYen int64) (points.GatewayResult, error) {
	reference := gateway.nextReference("pay")
	gateway.logger.Info("gateway payout",
		zap.String("account_id", accountID),
		zap.Int64("amount_yen", amountYen),
		zap.String("provider_ref", reference),
	)
	return points.GatewayResult{Succeeded: true, ProviderRef: reference}, nil
}

func (gateway *LogGateway) nextReference(kind string) string {
	return fmt.Sprintf("dryrun-%s-%d", kind, gateway.sequence.Add(1))
}
