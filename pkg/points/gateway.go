package points

import "context"

// CaptureResult reports the outcome of capturing a payment intent.
type CaptureResult struct {
	Succeeded bool
	AmountYen int64
	// ProviderRef is the gateway's reference for the captured payment.
	ProviderRef string
	// DeclineReason is set on business-level declines.
	DeclineReason string
}

// GatewayResult reports the outcome of a transfer or payout call.
type GatewayResult struct {
	Succeeded     bool
	ProviderRef   string
	DeclineReason string
}

// PaymentGateway is the narrow contract to the external payment provider.
// Business-level declines come back as Succeeded=false, never as an error;
// errors mean the call itself failed.
type PaymentGateway interface {
	Capture(ctx context.Context, intentID string) (CaptureResult, error)
	Transfer(ctx context.Context, accountID string, amountYen int64) (GatewayResult, error)
	Payout(ctx context.Context, accountID string, amountYen int64) (GatewayResult, error)
}
