package points

import (
	"context"
	"errors"
)

// AutoExitSweeper force-ends sessions whose accrued cost has caught up with
// the guest's ability to pay: the funds held against the reservation plus the
// guest's standing balance.
type AutoExitSweeper struct {
	service *Service
}

// NewAutoExitSweeper wires a sweeper over the shared service.
func NewAutoExitSweeper(service *Service) (*AutoExitSweeper, error) {
	if service == nil {
		return nil, errors.New("auto-exit sweeper requires a service")
	}
	return &AutoExitSweeper{service: service}, nil
}

// Run performs one sweep over all running reservations. Each candidate is
// handled in its own transaction; one candidate's failure never blocks the
// rest. Re-running with no intervening activity is a no-op.
func (sweeper *AutoExitSweeper) Run(ctx context.Context) (SweepReport, error) {
	candidates, err := sweeper.service.Store().ListRunningReservations(ctx)
	if err != nil {
		return SweepReport{}, WrapError(operationAutoExit, "reservation", "list", err)
	}
	report := SweepReport{}
	for _, candidate := range candidates {
		sweeper.runOne(ctx, candidate.ID, &report)
	}
	return report, nil
}

func (sweeper *AutoExitSweeper) runOne(ctx context.Context, reservationID string, report *SweepReport) {
	service := sweeper.service
	var settled Reservation
	processed := runCandidate(ctx, service.Store(), reservationID, report, func(ctx context.Context, txStore Store) (sweepOutcome, error) {
		// Re-read under lock: a concurrent normal close wins cleanly.
		reservation, err := txStore.GetReservation(ctx, reservationID, true)
		if err != nil {
			if errors.Is(err, ErrUnknownReservation) {
				return sweepSkipped, nil
			}
			return sweepSkipped, err
		}
		if !reservation.Running() {
			return sweepSkipped, nil
		}
		guest, err := txStore.GetGuest(ctx, reservation.GuestID, true)
		if err != nil {
			if errors.Is(err, ErrUnknownGuest) {
				return sweepSkipped, nil
			}
			return sweepSkipped, err
		}
		now := service.Now()
		accrued := AccruedCost(reservation.ScheduledAt, *reservation.StartedAt, now, reservation.DurationHours)
		held, err := service.heldPendingTx(ctx, txStore, reservation.ID)
		if err != nil {
			return sweepSkipped, err
		}
		available := held + guest.Points
		if accrued.Int64() < available {
			return sweepSkipped, nil
		}
		settled, err = service.settleTx(ctx, txStore, reservation, now)
		if err != nil {
			return sweepSkipped, err
		}
		return sweepProcessed, nil
	})
	// Observers hear about the exit only once the settlement committed.
	if processed {
		service.logOperation(ctx, OperationLog{
			Operation:     operationAutoExit,
			GuestID:       settled.GuestID,
			CastID:        settled.CastID,
			ReservationID: settled.ID,
			Amount:        settled.PointsEarned.Int64(),
		})
		service.publishReservationUpdated(ctx, settled, true)
	}
}
