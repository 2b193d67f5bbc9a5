package points

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	metadataKeyError   = "error"
	metadataKeyNote    = "note"
	metadataKeyReason  = "reason"
	closingMonthLayout = "2006-01"
)

// PayoutConfig carries the fixed-point rates applied at closing.
type PayoutConfig struct {
	ConversionRate decimal.Decimal
	FeeRate        decimal.Decimal
}

// DefaultPayoutConfig returns the standard rates: 1.2 yen per point, 5% fee.
func DefaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		ConversionRate: decimal.NewFromFloat(1.2),
		FeeRate:        decimal.NewFromFloat(0.05),
	}
}

func (config PayoutConfig) validate() error {
	if config.ConversionRate.Sign() <= 0 {
		return fmt.Errorf("%w: conversion rate must be positive", ErrInvalidRate)
	}
	if config.FeeRate.Sign() < 0 || config.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: fee rate must be in [0,1)", ErrInvalidRate)
	}
	return nil
}

// PayoutAmounts is the yen breakdown of a points total at given rates.
type PayoutAmounts struct {
	GrossYen int64
	FeeYen   int64
	NetYen   int64
}

// ComputePayoutAmounts applies the conversion and fee rates with half-up
// rounding to whole yen. gross = round(points * conversion),
// fee = round(gross * feeRate), net = gross - fee.
func ComputePayoutAmounts(totalPoints int64, config PayoutConfig) PayoutAmounts {
	gross := decimal.NewFromInt(totalPoints).Mul(config.ConversionRate).Round(0).IntPart()
	fee := decimal.NewFromInt(gross).Mul(config.FeeRate).Round(0).IntPart()
	return PayoutAmounts{
		GrossYen: gross,
		FeeYen:   fee,
		NetYen:   gross - fee,
	}
}

// PayoutEngine closes settled cast earnings into payout batches and drives
// each batch through the approval, processing, and payment lifecycle against
// the external payment gateway.
type PayoutEngine struct {
	service *Service
	gateway PaymentGateway
	config  PayoutConfig
}

// NewPayoutEngine wires a payout engine.
func NewPayoutEngine(service *Service, gateway PaymentGateway, config PayoutConfig) (*PayoutEngine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &PayoutEngine{service: service, gateway: gateway, config: config}, nil
}

// CloseMonth aggregates every cast's untagged transfer transactions dated on
// or before periodEnd into one scheduled payout per cast, awaiting approval.
// Tagging happens in the same transaction as the payout row, and only rows
// not yet belonging to a payout are tagged, so a transaction can never be
// aggregated twice. Casts with nothing to aggregate produce no row. Each cast
// closes in its own transaction; one cast's failure never blocks the rest, and
// the report carries the aggregate.
func (engine *PayoutEngine) CloseMonth(ctx context.Context, periodEnd time.Time) (SweepReport, error) {
	service := engine.service
	castIDs, err := service.Store().ListCastIDsWithUntaggedTransfers(ctx, periodEnd)
	if err != nil {
		return SweepReport{}, WrapError(operationCloseMonth, "transfer", "list", err)
	}
	report := SweepReport{}
	for _, castID := range castIDs {
		castID := castID
		var payout CastPayout
		processed := runCandidate(ctx, service.Store(), castID, &report, func(ctx context.Context, txStore Store) (sweepOutcome, error) {
			payoutID := uuid.NewString()
			count, total, err := txStore.TagTransfersWithPayout(ctx, castID, periodEnd, payoutID)
			if err != nil {
				return sweepSkipped, err
			}
			if total <= 0 {
				return sweepSkipped, nil
			}
			amounts := ComputePayoutAmounts(total, engine.config)
			payout = CastPayout{
				ID:                  payoutID,
				CastID:              castID,
				Type:                PayoutTypeScheduled,
				ClosingMonth:        periodEnd.Format(closingMonthLayout),
				PeriodStart:         startOfMonth(periodEnd),
				PeriodEnd:           periodEnd,
				TotalPoints:         Points(total),
				ConversionRate:      engine.config.ConversionRate,
				GrossAmountYen:      amounts.GrossYen,
				FeeRate:             engine.config.FeeRate,
				FeeAmountYen:        amounts.FeeYen,
				NetAmountYen:        amounts.NetYen,
				TransactionCount:    count,
				Status:              PayoutPendingApproval,
				ScheduledPayoutDate: endOfFollowingMonth(periodEnd),
				Metadata:            map[string]string{},
				CreatedAt:           service.Now(),
			}
			if _, err := txStore.CreatePayout(ctx, payout); err != nil {
				return sweepSkipped, err
			}
			return sweepProcessed, nil
		})
		if processed {
			service.logOperation(ctx, OperationLog{
				Operation: operationCloseMonth,
				CastID:    castID,
				PayoutID:  payout.ID,
				Amount:    payout.TotalPoints.Int64(),
			})
		}
	}
	return report, nil
}

// Approve moves a payout awaiting approval onto the payment schedule.
func (engine *PayoutEngine) Approve(ctx context.Context, payoutID string) error {
	return engine.transition(ctx, operationApprovePayout, payoutID, PayoutPendingApproval, PayoutScheduled, PayoutPatch{})
}

// Reject cancels a payout awaiting approval, recording the reason.
func (engine *PayoutEngine) Reject(ctx context.Context, payoutID string, reason string) error {
	return engine.transition(ctx, operationRejectPayout, payoutID, PayoutPendingApproval, PayoutCancelled, PayoutPatch{
		Metadata: map[string]string{metadataKeyReason: reason},
	})
}

// Cancel terminates a pending or scheduled payout.
func (engine *PayoutEngine) Cancel(ctx context.Context, payoutID string) error {
	service := engine.service
	operationError := service.Store().WithTx(ctx, func(ctx context.Context, txStore Store) error {
		payout, err := txStore.GetPayout(ctx, payoutID, true)
		if err != nil {
			return err
		}
		if !payout.Status.CanTransition(PayoutCancelled) {
			return fmt.Errorf("%w: %s is %s", ErrPayoutStateConflict, payoutID, payout.Status)
		}
		return txStore.UpdatePayoutStatus(ctx, payoutID, payout.Status, PayoutCancelled, PayoutPatch{})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelPayout,
		PayoutID:  payoutID,
		Error:     operationError,
	})
	return operationError
}

// MarkPaid is the administrative override: any non-terminal payout can be
// marked paid without a gateway call, with the note kept in metadata.
func (engine *PayoutEngine) MarkPaid(ctx context.Context, payoutID string, note string) error {
	service := engine.service
	operationError := service.Store().WithTx(ctx, func(ctx context.Context, txStore Store) error {
		payout, err := txStore.GetPayout(ctx, payoutID, true)
		if err != nil {
			return err
		}
		if payout.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrPayoutStateConflict, payoutID, payout.Status)
		}
		paidAt := service.Now()
		if err := txStore.UpdatePayoutStatus(ctx, payoutID, payout.Status, PayoutPaid, PayoutPatch{
			PaidAt:   &paidAt,
			Metadata: map[string]string{metadataKeyNote: note},
		}); err != nil {
			return err
		}
		return engine.appendPayoutDebit(ctx, txStore, payout, paidAt)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationMarkPaid,
		PayoutID:  payoutID,
		Error:     operationError,
	})
	return operationError
}

// ProcessDue selects scheduled payouts whose payout date has arrived, marks
// them processing, and pays each through the gateway. One payout's failure
// never blocks another; declines park the payout in failed for an explicit
// retry.
func (engine *PayoutEngine) ProcessDue(ctx context.Context, date time.Time) (SweepReport, error) {
	due, err := engine.service.Store().ListDuePayouts(ctx, date)
	if err != nil {
		return SweepReport{}, WrapError(operationProcessPayout, "payout", "list", err)
	}
	report := SweepReport{}
	for _, payout := range due {
		if err := engine.processOne(ctx, payout.ID, PayoutScheduled); err != nil {
			report.recordFailure(payout.ID, err)
			continue
		}
		report.recordProcessed()
	}
	return report, nil
}

// Retry re-enters processing for a payout left in failed by a gateway
// decline. Retries are always explicit, never automatic.
func (engine *PayoutEngine) Retry(ctx context.Context, payoutID string) error {
	return engine.processOne(ctx, payoutID, PayoutFailed)
}

// processOne advances a single payout from the expected state through
// processing to paid or failed. The gateway call happens outside any store
// transaction; the outcome is persisted in a second transaction.
func (engine *PayoutEngine) processOne(ctx context.Context, payoutID string, expected PayoutStatus) error {
	service := engine.service
	var payout CastPayout
	var accountID string
	claimError := service.Store().WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		payout, err = txStore.GetPayout(ctx, payoutID, true)
		if err != nil {
			return err
		}
		if payout.Status != expected {
			return fmt.Errorf("%w: %s is %s, want %s", ErrPayoutStateConflict, payoutID, payout.Status, expected)
		}
		cast, err := txStore.GetCast(ctx, payout.CastID, false)
		if err != nil {
			return err
		}
		accountID = cast.PayoutAccountID
		return txStore.UpdatePayoutStatus(ctx, payoutID, expected, PayoutProcessing, PayoutPatch{})
	})
	if claimError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationProcessPayout,
			PayoutID:  payoutID,
			Error:     claimError,
		})
		return claimError
	}

	result, gatewayError := engine.gateway.Payout(ctx, accountID, payout.NetAmountYen)

	settleError := service.Store().WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if gatewayError != nil {
			return txStore.UpdatePayoutStatus(ctx, payoutID, PayoutProcessing, PayoutFailed, PayoutPatch{
				Metadata: map[string]string{metadataKeyError: gatewayError.Error()},
			})
		}
		if !result.Succeeded {
			return txStore.UpdatePayoutStatus(ctx, payoutID, PayoutProcessing, PayoutFailed, PayoutPatch{
				Metadata: map[string]string{metadataKeyError: result.DeclineReason},
			})
		}
		paidAt := service.Now()
		providerRef := result.ProviderRef
		if err := txStore.UpdatePayoutStatus(ctx, payoutID, PayoutProcessing, PayoutPaid, PayoutPatch{
			ProviderRef: &providerRef,
			PaidAt:      &paidAt,
		}); err != nil {
			return err
		}
		return engine.appendPayoutDebit(ctx, txStore, payout, paidAt)
	})
	operationError := settleError
	if operationError == nil && gatewayError != nil {
		operationError = fmt.Errorf("%w: %v", ErrGatewayDeclined, gatewayError)
	}
	if operationError == nil && !result.Succeeded {
		operationError = fmt.Errorf("%w: %s", ErrGatewayDeclined, result.DeclineReason)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationProcessPayout,
		CastID:    payout.CastID,
		PayoutID:  payoutID,
		Amount:    payout.NetAmountYen,
		Error:     operationError,
	})
	return operationError
}

// appendPayoutDebit writes the convert transaction that moves the paid-out
// points off the cast's standing balance.
func (engine *PayoutEngine) appendPayoutDebit(ctx context.Context, txStore Store, payout CastPayout, paidAt time.Time) error {
	if payout.TotalPoints <= 0 {
		return nil
	}
	input, err := NewTransactionInput(
		nil,
		&payout.CastID,
		TransactionConvert,
		payout.TotalPoints,
		nil,
		nil,
		descriptionPayoutDebit,
		paidAt,
	)
	if err != nil {
		return err
	}
	_, err = engine.service.appendTx(ctx, txStore, input.WithCastPayout(payout.ID))
	return err
}

// transition applies one guarded status move inside a transaction.
func (engine *PayoutEngine) transition(ctx context.Context, operation string, payoutID string, from PayoutStatus, to PayoutStatus, patch PayoutPatch) error {
	service := engine.service
	operationError := service.Store().WithTx(ctx, func(ctx context.Context, txStore Store) error {
		payout, err := txStore.GetPayout(ctx, payoutID, true)
		if err != nil {
			return err
		}
		if payout.Status != from || !from.CanTransition(to) {
			return fmt.Errorf("%w: %s is %s, want %s", ErrPayoutStateConflict, payoutID, payout.Status, from)
		}
		return txStore.UpdatePayoutStatus(ctx, payoutID, from, to, patch)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		PayoutID:  payoutID,
		Error:     operationError,
	})
	return operationError
}

func startOfMonth(value time.Time) time.Time {
	return time.Date(value.Year(), value.Month(), 1, 0, 0, 0, 0, value.Location())
}

// endOfFollowingMonth returns the last day of the month after value's month.
func endOfFollowingMonth(value time.Time) time.Time {
	return time.Date(value.Year(), value.Month()+2, 0, 0, 0, 0, 0, value.Location())
}
