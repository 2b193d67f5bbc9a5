package points

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubGateway struct {
	result GatewayResult
	err    error
	calls  int
}

func (gateway *stubGateway) Capture(_ context.Context, _ string) (CaptureResult, error) {
	return CaptureResult{Succeeded: true}, nil
}

func (gateway *stubGateway) Transfer(_ context.Context, _ string, _ int64) (GatewayResult, error) {
	return gateway.result, gateway.err
}

func (gateway *stubGateway) Payout(_ context.Context, _ string, _ int64) (GatewayResult, error) {
	gateway.calls++
	return gateway.result, gateway.err
}

func mustPayoutEngine(test *testing.T, service *Service, gateway PaymentGateway) *PayoutEngine {
	test.Helper()
	engine, err := NewPayoutEngine(service, gateway, DefaultPayoutConfig())
	if err != nil {
		test.Fatalf("engine init: %v", err)
	}
	return engine
}

func TestComputePayoutAmounts(test *testing.T) {
	test.Parallel()
	amounts := ComputePayoutAmounts(10000, DefaultPayoutConfig())
	if amounts.GrossYen != 12000 || amounts.FeeYen != 600 || amounts.NetYen != 11400 {
		test.Fatalf("unexpected amounts: %+v", amounts)
	}
}

func closeFixture(test *testing.T) (*memStore, time.Time) {
	test.Helper()
	store := newMemStore()
	store.addCast("cast-1", 10000)
	periodEnd := time.Date(2026, time.July, 31, 23, 59, 59, 0, time.UTC)
	store.addTransaction(test, nil, strPtr("cast-1"), TransactionTransfer, 4000, strPtr("res-1"), periodEnd.Add(-48*time.Hour))
	store.addTransaction(test, nil, strPtr("cast-1"), TransactionTransfer, 6000, strPtr("res-2"), periodEnd.Add(-24*time.Hour))
	// Next period's earnings must stay out of this batch.
	store.addTransaction(test, nil, strPtr("cast-1"), TransactionTransfer, 9999, strPtr("res-3"), periodEnd.Add(time.Hour))
	return store, periodEnd
}

func TestCloseMonthAggregatesAndTags(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})

	report, err := engine.CloseMonth(context.Background(), periodEnd)
	if err != nil {
		test.Fatalf("close month: %v", err)
	}
	if report.Processed != 1 || report.Failed != 0 {
		test.Fatalf("expected one payout, got %+v", report)
	}
	if len(store.payouts) != 1 {
		test.Fatalf("expected one payout row, got %d", len(store.payouts))
	}
	var payout CastPayout
	for _, row := range store.payouts {
		payout = *row
	}
	if payout.Status != PayoutPendingApproval || payout.Type != PayoutTypeScheduled {
		test.Fatalf("unexpected payout state: %+v", payout)
	}
	if payout.TotalPoints != 10000 || payout.TransactionCount != 2 {
		test.Fatalf("unexpected aggregation: %+v", payout)
	}
	if payout.GrossAmountYen != 12000 || payout.FeeAmountYen != 600 || payout.NetAmountYen != 11400 {
		test.Fatalf("unexpected yen amounts: %+v", payout)
	}
	if payout.ClosingMonth != "2026-07" {
		test.Fatalf("unexpected closing month: %s", payout.ClosingMonth)
	}
	wantDate := time.Date(2026, time.August, 31, 0, 0, 0, 0, time.UTC)
	if !payout.ScheduledPayoutDate.Equal(wantDate) {
		test.Fatalf("expected payout date %s, got %s", wantDate, payout.ScheduledPayoutDate)
	}
	tagged := 0
	for _, transaction := range store.transactions {
		if transaction.CastPayoutID != nil {
			if *transaction.CastPayoutID != payout.ID {
				test.Fatalf("transaction tagged with foreign payout: %+v", transaction)
			}
			tagged++
		}
	}
	if tagged != 2 {
		test.Fatalf("expected 2 tagged transactions, got %d", tagged)
	}
}

func TestCloseMonthNeverAggregatesTwice(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})

	if _, err := engine.CloseMonth(context.Background(), periodEnd); err != nil {
		test.Fatalf("first close: %v", err)
	}
	report, err := engine.CloseMonth(context.Background(), periodEnd)
	if err != nil {
		test.Fatalf("second close: %v", err)
	}
	if report.Processed != 0 {
		test.Fatalf("second close created payouts: %+v", report)
	}
	if len(store.payouts) != 1 {
		test.Fatalf("expected one payout row after re-run, got %d", len(store.payouts))
	}
}

func TestCloseMonthSkipsCastWithNothingSettled(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	store.addCast("cast-quiet", 0)
	periodEnd := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})

	report, err := engine.CloseMonth(context.Background(), periodEnd)
	if err != nil {
		test.Fatalf("close month: %v", err)
	}
	if report.Processed != 0 || len(store.payouts) != 0 {
		test.Fatalf("quiet cast produced a payout: report=%+v rows=%d", report, len(store.payouts))
	}
}

func TestCloseMonthIsolatesCastFailures(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	store.addCast("cast-2", 0)
	store.addTransaction(test, nil, strPtr("cast-2"), TransactionTransfer, 3000, strPtr("res-4"), periodEnd.Add(-12*time.Hour))
	store.failCreatePayoutFor = map[string]error{"cast-1": errors.New("payout row rejected")}
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})

	report, err := engine.CloseMonth(context.Background(), periodEnd)
	if err != nil {
		test.Fatalf("close month: %v", err)
	}
	if report.Processed != 1 || report.Failed != 1 {
		test.Fatalf("one cast's failure must not block the rest: %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].CandidateID != "cast-1" {
		test.Fatalf("unexpected failure detail: %+v", report.Failures)
	}
	if len(store.payouts) != 1 {
		test.Fatalf("expected the healthy cast's payout, got %d rows", len(store.payouts))
	}
	for _, payout := range store.payouts {
		if payout.CastID != "cast-2" || payout.TotalPoints != 3000 {
			test.Fatalf("unexpected payout: %+v", payout)
		}
	}
	// The failed cast's transfers roll back untagged and stay claimable.
	for _, transaction := range store.transactions {
		if transaction.CastID != nil && *transaction.CastID == "cast-1" && transaction.CastPayoutID != nil {
			test.Fatalf("failed cast kept a tagged transfer: %+v", transaction)
		}
	}
}

func closedPayout(test *testing.T, store *memStore, engine *PayoutEngine, periodEnd time.Time) CastPayout {
	test.Helper()
	if _, err := engine.CloseMonth(context.Background(), periodEnd); err != nil {
		test.Fatalf("close month: %v", err)
	}
	for _, payout := range store.payouts {
		return *payout
	}
	test.Fatalf("no payout created")
	return CastPayout{}
}

func TestApproveSchedulesPayout(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})
	payout := closedPayout(test, store, engine, periodEnd)

	if err := engine.Approve(context.Background(), payout.ID); err != nil {
		test.Fatalf("approve: %v", err)
	}
	if store.payouts[payout.ID].Status != PayoutScheduled {
		test.Fatalf("expected scheduled, got %s", store.payouts[payout.ID].Status)
	}
	if err := engine.Approve(context.Background(), payout.ID); !errors.Is(err, ErrPayoutStateConflict) {
		test.Fatalf("double approve should conflict, got %v", err)
	}
}

func TestRejectCancelsWithReason(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})
	payout := closedPayout(test, store, engine, periodEnd)

	if err := engine.Reject(context.Background(), payout.ID, "identity check failed"); err != nil {
		test.Fatalf("reject: %v", err)
	}
	row := store.payouts[payout.ID]
	if row.Status != PayoutCancelled || row.Metadata["reason"] != "identity check failed" {
		test.Fatalf("unexpected rejected payout: %+v", row)
	}
}

func TestProcessDuePaysThroughGateway(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	now := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	service := mustNewService(test, store, fixedClock(now))
	gateway := &stubGateway{result: GatewayResult{Succeeded: true, ProviderRef: "prov-77"}}
	engine := mustPayoutEngine(test, service, gateway)
	payout := closedPayout(test, store, engine, periodEnd)
	if err := engine.Approve(context.Background(), payout.ID); err != nil {
		test.Fatalf("approve: %v", err)
	}

	report, err := engine.ProcessDue(context.Background(), now)
	if err != nil {
		test.Fatalf("process due: %v", err)
	}
	if report.Processed != 1 || report.Failed != 0 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if gateway.calls != 1 {
		test.Fatalf("expected one gateway call, got %d", gateway.calls)
	}
	row := store.payouts[payout.ID]
	if row.Status != PayoutPaid || row.ProviderRef != "prov-77" || row.PaidAt == nil {
		test.Fatalf("unexpected paid payout: %+v", row)
	}
	// The paid-out points come off the cast's standing balance.
	last := store.transactions[len(store.transactions)-1]
	if last.Type != TransactionConvert || last.Amount != 10000 || last.CastPayoutID == nil {
		test.Fatalf("expected convert debit of 10000, got %+v", last)
	}
	if store.casts["cast-1"].Points != 0 {
		test.Fatalf("expected cast balance drained, got %d", store.casts["cast-1"].Points)
	}
}

func TestGatewayDeclineParksPayoutFailed(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	now := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	service := mustNewService(test, store, fixedClock(now))
	gateway := &stubGateway{result: GatewayResult{Succeeded: false, DeclineReason: "account frozen"}}
	engine := mustPayoutEngine(test, service, gateway)
	payout := closedPayout(test, store, engine, periodEnd)
	if err := engine.Approve(context.Background(), payout.ID); err != nil {
		test.Fatalf("approve: %v", err)
	}

	report, err := engine.ProcessDue(context.Background(), now)
	if err != nil {
		test.Fatalf("process due: %v", err)
	}
	if report.Failed != 1 {
		test.Fatalf("expected one failure, got %+v", report)
	}
	row := store.payouts[payout.ID]
	if row.Status != PayoutFailed || row.Metadata["error"] != "account frozen" {
		test.Fatalf("unexpected failed payout: %+v", row)
	}

	// Declines never retry automatically; an explicit retry re-enters processing.
	gateway.result = GatewayResult{Succeeded: true, ProviderRef: "prov-2"}
	if err := engine.Retry(context.Background(), payout.ID); err != nil {
		test.Fatalf("retry: %v", err)
	}
	if store.payouts[payout.ID].Status != PayoutPaid {
		test.Fatalf("expected paid after retry, got %s", store.payouts[payout.ID].Status)
	}
}

func TestProcessingPaidPayoutIsRejected(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	now := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	service := mustNewService(test, store, fixedClock(now))
	gateway := &stubGateway{result: GatewayResult{Succeeded: true, ProviderRef: "prov-1"}}
	engine := mustPayoutEngine(test, service, gateway)
	payout := closedPayout(test, store, engine, periodEnd)
	if err := engine.Approve(context.Background(), payout.ID); err != nil {
		test.Fatalf("approve: %v", err)
	}
	if _, err := engine.ProcessDue(context.Background(), now); err != nil {
		test.Fatalf("process due: %v", err)
	}

	before := *store.payouts[payout.ID]
	err := engine.Retry(context.Background(), payout.ID)
	if !errors.Is(err, ErrPayoutStateConflict) {
		test.Fatalf("expected ErrPayoutStateConflict, got %v", err)
	}
	after := *store.payouts[payout.ID]
	if after.Status != before.Status || after.ProviderRef != before.ProviderRef {
		test.Fatalf("conflicting transition changed the record: %+v -> %+v", before, after)
	}
}

func TestMarkPaidOverridesWithoutGateway(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	service := mustNewService(test, store, fixedClock(periodEnd))
	gateway := &stubGateway{}
	engine := mustPayoutEngine(test, service, gateway)
	payout := closedPayout(test, store, engine, periodEnd)

	if err := engine.MarkPaid(context.Background(), payout.ID, "paid by bank transfer"); err != nil {
		test.Fatalf("mark paid: %v", err)
	}
	row := store.payouts[payout.ID]
	if row.Status != PayoutPaid || row.Metadata["note"] != "paid by bank transfer" || row.PaidAt == nil {
		test.Fatalf("unexpected payout: %+v", row)
	}
	if gateway.calls != 0 {
		test.Fatalf("manual override must not call the gateway")
	}
	if err := engine.MarkPaid(context.Background(), payout.ID, "again"); !errors.Is(err, ErrPayoutStateConflict) {
		test.Fatalf("marking a paid payout should conflict, got %v", err)
	}
}

func TestCancelScheduledPayout(test *testing.T) {
	test.Parallel()
	store, periodEnd := closeFixture(test)
	service := mustNewService(test, store, fixedClock(periodEnd))
	engine := mustPayoutEngine(test, service, &stubGateway{})
	payout := closedPayout(test, store, engine, periodEnd)
	if err := engine.Approve(context.Background(), payout.ID); err != nil {
		test.Fatalf("approve: %v", err)
	}

	if err := engine.Cancel(context.Background(), payout.ID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if store.payouts[payout.ID].Status != PayoutCancelled {
		test.Fatalf("expected cancelled, got %s", store.payouts[payout.ID].Status)
	}
	if err := engine.Cancel(context.Background(), payout.ID); !errors.Is(err, ErrPayoutStateConflict) {
		test.Fatalf("cancelling a terminal payout should conflict, got %v", err)
	}
}

func TestPayoutStatusTransitionTable(test *testing.T) {
	test.Parallel()
	cases := []struct {
		from    PayoutStatus
		to      PayoutStatus
		allowed bool
	}{
		{PayoutPendingApproval, PayoutScheduled, true},
		{PayoutPendingApproval, PayoutCancelled, true},
		{PayoutScheduled, PayoutProcessing, true},
		{PayoutScheduled, PayoutCancelled, true},
		{PayoutProcessing, PayoutPaid, true},
		{PayoutProcessing, PayoutFailed, true},
		{PayoutFailed, PayoutProcessing, true},
		{PayoutFailed, PayoutCancelled, true},
		{PayoutPending, PayoutCancelled, true},
		{PayoutPaid, PayoutProcessing, false},
		{PayoutCancelled, PayoutScheduled, false},
		{PayoutPending, PayoutProcessing, false},
		{PayoutPendingApproval, PayoutPaid, false},
	}
	for _, testCase := range cases {
		if got := testCase.from.CanTransition(testCase.to); got != testCase.allowed {
			test.Fatalf("%s -> %s: expected %v", testCase.from, testCase.to, testCase.allowed)
		}
	}
}
