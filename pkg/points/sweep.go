package points

import (
	"context"
	"fmt"
)

// CandidateFailure records one candidate the sweep could not process.
type CandidateFailure struct {
	CandidateID string
	Err         error
}

// SweepReport accumulates the outcome of one batch run. A sweep never aborts
// on a single candidate's failure; the report carries the aggregate instead.
type SweepReport struct {
	Processed int
	Skipped   int
	Failed    int
	Failures  []CandidateFailure
}

func (report *SweepReport) recordProcessed() {
	report.Processed++
}

func (report *SweepReport) recordSkipped() {
	report.Skipped++
}

func (report *SweepReport) recordFailure(candidateID string, err error) {
	report.Failed++
	report.Failures = append(report.Failures, CandidateFailure{CandidateID: candidateID, Err: err})
}

// sweepOutcome is what one candidate's unit of work reports back.
type sweepOutcome int

const (
	sweepProcessed sweepOutcome = iota
	sweepSkipped
)

// runCandidate executes one candidate inside its own store transaction,
// isolating failures and recovered panics so the sweep can continue with the
// next candidate. Interrupting between candidates loses at most the in-flight
// transaction, which rolls back. It reports true only when the candidate's
// transaction committed and the unit counted as processed; callers must not
// act on in-transaction state otherwise.
func runCandidate(ctx context.Context, store Store, candidateID string, report *SweepReport, fn func(ctx context.Context, txStore Store) (sweepOutcome, error)) bool {
	var outcome sweepOutcome
	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("candidate %s panicked: %v", candidateID, recovered)
			}
		}()
		return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			var unitErr error
			outcome, unitErr = fn(ctx, txStore)
			return unitErr
		})
	}()
	switch {
	case err != nil:
		report.recordFailure(candidateID, err)
		return false
	case outcome == sweepSkipped:
		report.recordSkipped()
		return false
	default:
		report.recordProcessed()
		return true
	}
}
