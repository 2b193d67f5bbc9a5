package points

import (
	"context"
	"fmt"
	"time"
)

// GradeResetReport summarizes one quarterly reset. Dry runs produce the same
// totals as a committed run over the same state.
type GradeResetReport struct {
	CastsReset         int
	GuestsReset        int
	CastPointsCleared  int64
	GradePointsCleared int64
	DryRun             bool
}

// GradeEngine performs the destructive quarterly reset: cast standing points
// and guest grade points are zeroed and every tier is recomputed from
// lifetime ledger sums.
type GradeEngine struct {
	service *Service
}

// NewGradeEngine wires a grade engine.
func NewGradeEngine(service *Service) (*GradeEngine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	return &GradeEngine{service: service}, nil
}

// quarterStart reports whether asOf is the 1st of January, April, July, or
// October.
func quarterStart(asOf time.Time) bool {
	if asOf.Day() != 1 {
		return false
	}
	switch asOf.Month() {
	case time.January, time.April, time.July, time.October:
		return true
	}
	return false
}

// ResetQuarter runs the reset as of the given date. The engine fails fast on
// any other date since the reset is destructive. The whole reset is one
// transaction; a dry run computes the identical report and commits nothing.
func (engine *GradeEngine) ResetQuarter(ctx context.Context, asOf time.Time, dryRun bool) (GradeResetReport, error) {
	if !quarterStart(asOf) {
		return GradeResetReport{}, fmt.Errorf("%w: %s", ErrNotQuarterStart, asOf.Format("2006-01-02"))
	}
	service := engine.service
	report := GradeResetReport{DryRun: dryRun}
	operationError := service.Store().WithTx(ctx, func(ctx context.Context, txStore Store) error {
		casts, err := txStore.ListCasts(ctx)
		if err != nil {
			return err
		}
		for _, cast := range casts {
			owner, err := CastOwner(cast.ID)
			if err != nil {
				return err
			}
			lifetime, err := txStore.SumByTypes(ctx, owner, []TransactionType{TransactionTransfer}, nil)
			if err != nil {
				return err
			}
			grade := GradeForLifetimePoints(lifetime)
			if !dryRun {
				if err := txStore.ResetCastGrade(ctx, cast.ID, grade); err != nil {
					return err
				}
			}
			report.CastsReset++
			report.CastPointsCleared += cast.Points
		}
		guests, err := txStore.ListGuests(ctx)
		if err != nil {
			return err
		}
		for _, guest := range guests {
			owner, err := GuestOwner(guest.ID)
			if err != nil {
				return err
			}
			lifetime, err := txStore.SumByTypes(ctx, owner, []TransactionType{TransactionPending, TransactionTransfer}, nil)
			if err != nil {
				return err
			}
			grade := GradeForLifetimePoints(lifetime)
			if !dryRun {
				if err := txStore.ResetGuestGrade(ctx, guest.ID, grade); err != nil {
					return err
				}
			}
			report.GuestsReset++
			report.GradePointsCleared += guest.GradePoints
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationQuarterReset,
		Amount:    report.CastPointsCleared + report.GradePointsCleared,
		Error:     operationError,
	})
	if operationError != nil {
		return GradeResetReport{}, operationError
	}
	return report, nil
}
