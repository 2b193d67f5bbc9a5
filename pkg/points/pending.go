package points

import (
	"context"
	"errors"
)

// PendingProcessor matures reservation holds into finalized transfers once
// the waiting window has elapsed. Two independent, idempotent passes: one for
// exceeded-pending holds, one for plain pending holds on completed sessions.
type PendingProcessor struct {
	service *Service
}

// NewPendingProcessor wires a processor over the shared service.
func NewPendingProcessor(service *Service) (*PendingProcessor, error) {
	if service == nil {
		return nil, errors.New("pending processor requires a service")
	}
	return &PendingProcessor{service: service}, nil
}

// Run executes both maturation passes and returns the combined report.
func (processor *PendingProcessor) Run(ctx context.Context) (SweepReport, error) {
	report := SweepReport{}
	if err := processor.runExceeded(ctx, &report); err != nil {
		return report, err
	}
	if err := processor.runPlainPending(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

// runExceeded converts aged exceeded-pending holds into transfers when the
// guest's balance now covers them. Holds that still cannot be covered are
// escalated to the operator queue, never dropped.
func (processor *PendingProcessor) runExceeded(ctx context.Context, report *SweepReport) error {
	service := processor.service
	cutoff := service.Now().Add(-pendingWaitWindow)
	holds, err := service.Store().ListExceededPendingBefore(ctx, cutoff)
	if err != nil {
		return WrapError(operationMatureExceeded, "transaction", "list", err)
	}
	for _, hold := range holds {
		hold := hold
		if hold.ReservationID == nil || hold.GuestID == nil || hold.CastID == nil {
			report.recordSkipped()
			continue
		}
		processed := runCandidate(ctx, service.Store(), hold.ID, report, func(ctx context.Context, txStore Store) (sweepOutcome, error) {
			matured, err := txStore.HasTransferForReservation(ctx, *hold.ReservationID, true)
			if err != nil {
				return sweepSkipped, err
			}
			if matured {
				return sweepSkipped, nil
			}
			guest, err := txStore.GetGuest(ctx, *hold.GuestID, true)
			if err != nil {
				return sweepSkipped, err
			}
			if guest.Points < hold.Amount.Int64() {
				service.escalateHold(ctx, EscalatedHold{
					TransactionID: hold.ID,
					ReservationID: *hold.ReservationID,
					GuestID:       *hold.GuestID,
					Amount:        hold.Amount.Int64(),
					Shortfall:     hold.Amount.Int64() - guest.Points,
				})
				return sweepSkipped, nil
			}
			input, err := NewTransactionInput(
				hold.GuestID,
				hold.CastID,
				TransactionTransfer,
				hold.Amount,
				hold.ReservationID,
				nil,
				descriptionExceeded,
				service.Now(),
			)
			if err != nil {
				return sweepSkipped, err
			}
			if _, err := service.appendTx(ctx, txStore, input); err != nil {
				return sweepSkipped, err
			}
			return sweepProcessed, nil
		})
		if processed {
			service.logOperation(ctx, OperationLog{
				Operation:     operationMatureExceeded,
				GuestID:       *hold.GuestID,
				CastID:        *hold.CastID,
				ReservationID: *hold.ReservationID,
				Amount:        hold.Amount.Int64(),
			})
		}
	}
	return nil
}

// runPlainPending converts aged pending holds on completed reservations into
// transfers crediting the cast. The transfer amount is the hold net of
// refunds issued at close.
func (processor *PendingProcessor) runPlainPending(ctx context.Context, report *SweepReport) error {
	service := processor.service
	cutoff := service.Now().Add(-pendingWaitWindow)
	holds, err := service.Store().ListPendingBefore(ctx, cutoff)
	if err != nil {
		return WrapError(operationMaturePending, "transaction", "list", err)
	}
	seen := map[string]bool{}
	for _, hold := range holds {
		hold := hold
		if hold.ReservationID == nil {
			report.recordSkipped()
			continue
		}
		reservationID := *hold.ReservationID
		if seen[reservationID] {
			continue
		}
		seen[reservationID] = true
		var castID string
		var maturedAmount int64
		processed := runCandidate(ctx, service.Store(), reservationID, report, func(ctx context.Context, txStore Store) (sweepOutcome, error) {
			matured, err := txStore.HasTransferForReservation(ctx, reservationID, false)
			if err != nil {
				return sweepSkipped, err
			}
			if matured {
				return sweepSkipped, nil
			}
			reservation, err := txStore.GetReservation(ctx, reservationID, true)
			if err != nil {
				return sweepSkipped, err
			}
			if reservation.EndedAt == nil {
				// Still running; a later pass picks it up after close.
				return sweepSkipped, nil
			}
			held, err := service.heldPendingTx(ctx, txStore, reservationID)
			if err != nil {
				return sweepSkipped, err
			}
			if held <= 0 {
				return sweepSkipped, nil
			}
			input, err := NewTransactionInput(
				nil,
				&reservation.CastID,
				TransactionTransfer,
				Points(held),
				&reservation.ID,
				nil,
				descriptionMaturation,
				service.Now(),
			)
			if err != nil {
				return sweepSkipped, err
			}
			if _, err := service.appendTx(ctx, txStore, input); err != nil {
				return sweepSkipped, err
			}
			castID = reservation.CastID
			maturedAmount = held
			return sweepProcessed, nil
		})
		if processed {
			service.logOperation(ctx, OperationLog{
				Operation:     operationMaturePending,
				CastID:        castID,
				ReservationID: reservationID,
				Amount:        maturedAmount,
			})
		}
	}
	return nil
}
