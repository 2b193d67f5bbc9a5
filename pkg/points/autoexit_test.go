package points

import (
	"context"
	"errors"
	"testing"
	"time"
)

func autoExitFixture(test *testing.T, guestPoints int64, heldPending int64) (*memStore, time.Time) {
	test.Helper()
	store := newMemStore()
	store.addGuest("guest-1", guestPoints)
	store.addCast("cast-1", 0)
	started := testClockStart
	store.addReservation(Reservation{
		ID:            "res-1",
		GuestID:       "guest-1",
		CastID:        "cast-1",
		ScheduledAt:   &started,
		DurationHours: 1,
		StartedAt:     &started,
	})
	store.addTransaction(test, strPtr("guest-1"), strPtr("cast-1"), TransactionPending, heldPending, strPtr("res-1"), started)
	return store, started
}

func TestAutoExitLeavesCoveredSessionOpen(test *testing.T) {
	test.Parallel()
	// Available funds 500 + 600 = 1100 against 1000 accrued: still covered.
	store, started := autoExitFixture(test, 500, 600)
	service := mustNewService(test, store, fixedClock(started.Add(30*time.Minute)))
	sweeper, err := NewAutoExitSweeper(service)
	if err != nil {
		test.Fatalf("sweeper init: %v", err)
	}

	report, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Processed != 0 || report.Skipped != 1 || report.Failed != 0 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if store.reservations["res-1"].EndedAt != nil {
		test.Fatalf("covered reservation was force-closed")
	}
}

func TestAutoExitClosesSessionAtThreshold(test *testing.T) {
	test.Parallel()
	// Five overtime minutes push accrued to 1100, exactly the available
	// funds; the threshold is inclusive.
	store, started := autoExitFixture(test, 500, 600)
	now := started.Add(65 * time.Minute)
	publisher := &recorderPublisher{}
	service := mustNewService(test, store, fixedClock(now), WithEventPublisher(publisher))
	sweeper, err := NewAutoExitSweeper(service)
	if err != nil {
		test.Fatalf("sweeper init: %v", err)
	}

	report, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Processed != 1 || report.Failed != 0 {
		test.Fatalf("unexpected report: %+v", report)
	}
	reservation := store.reservations["res-1"]
	if reservation.EndedAt == nil || !reservation.EndedAt.Equal(now) {
		test.Fatalf("reservation not ended at sweep time: %+v", reservation)
	}
	if reservation.PointsEarned != 1100 {
		test.Fatalf("expected 1100 points earned, got %d", reservation.PointsEarned)
	}
	last := store.transactions[len(store.transactions)-1]
	if last.Type != TransactionExceededPending || last.Amount != 500 {
		test.Fatalf("expected exceeded hold of 500, got %s %d", last.Type, last.Amount)
	}
	if len(publisher.events) != 1 || !publisher.events[0].AutoExited {
		test.Fatalf("expected auto-exit event, got %+v", publisher.events)
	}
}

func TestAutoExitStaysSilentWhenSettlementFailsToCommit(test *testing.T) {
	test.Parallel()
	store, started := autoExitFixture(test, 500, 600)
	store.failCommit = errors.New("connection reset during commit")
	publisher := &recorderPublisher{}
	logger := &recorderLogger{}
	service := mustNewService(test, store, fixedClock(started.Add(65*time.Minute)),
		WithEventPublisher(publisher), WithOperationLogger(logger))
	sweeper, err := NewAutoExitSweeper(service)
	if err != nil {
		test.Fatalf("sweeper init: %v", err)
	}

	report, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Processed != 0 {
		test.Fatalf("commit failure must be reported as a candidate failure: %+v", report)
	}
	if store.reservations["res-1"].EndedAt != nil {
		test.Fatalf("rolled-back settlement left the reservation closed")
	}
	if len(publisher.events) != 0 {
		test.Fatalf("event published for a settlement that never committed: %+v", publisher.events)
	}
	for _, entry := range logger.entries {
		if entry.Operation == operationAutoExit {
			test.Fatalf("exit logged for a settlement that never committed: %+v", entry)
		}
	}
}

func TestAutoExitIsIdempotent(test *testing.T) {
	test.Parallel()
	store, started := autoExitFixture(test, 0, 600)
	service := mustNewService(test, store, fixedClock(started.Add(2*time.Hour)))
	sweeper, err := NewAutoExitSweeper(service)
	if err != nil {
		test.Fatalf("sweeper init: %v", err)
	}

	first, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("first run: %v", err)
	}
	if first.Processed != 1 {
		test.Fatalf("expected one closed reservation, got %+v", first)
	}
	transactionsAfterFirst := len(store.transactions)

	second, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("second run: %v", err)
	}
	if second.Processed != 0 || second.Failed != 0 {
		test.Fatalf("second run changed state: %+v", second)
	}
	if len(store.transactions) != transactionsAfterFirst {
		test.Fatalf("second run appended transactions: %d -> %d", transactionsAfterFirst, len(store.transactions))
	}
}

func TestAutoExitSkipsReservationWithMissingGuest(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	started := testClockStart
	store.addReservation(Reservation{
		ID:            "res-orphan",
		GuestID:       "gone",
		CastID:        "cast-1",
		DurationHours: 1,
		StartedAt:     &started,
	})
	service := mustNewService(test, store, fixedClock(started.Add(3*time.Hour)))
	sweeper, err := NewAutoExitSweeper(service)
	if err != nil {
		test.Fatalf("sweeper init: %v", err)
	}

	report, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Failed != 0 || report.Skipped != 1 {
		test.Fatalf("missing guest should be a clean skip: %+v", report)
	}
}

func TestAutoExitSettlesEveryCandidate(test *testing.T) {
	test.Parallel()
	store, started := autoExitFixture(test, 0, 600)
	store.addGuest("guest-2", 0)
	store.addReservation(Reservation{
		ID:            "res-2",
		GuestID:       "guest-2",
		CastID:        "cast-1",
		ScheduledAt:   &started,
		DurationHours: 1,
		StartedAt:     &started,
	})
	service := mustNewService(test, store, fixedClock(started.Add(2*time.Hour)))
	sweeper, err := NewAutoExitSweeper(service)
	if err != nil {
		test.Fatalf("sweeper init: %v", err)
	}

	report, err := sweeper.Run(context.Background())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Processed != 2 {
		test.Fatalf("expected both candidates settled, got %+v", report)
	}
}
