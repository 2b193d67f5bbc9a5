package points

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// memStore is an in-memory Store for tests. WithTx snapshots the state and
// restores it when the unit of work fails, so rollback behavior is real.
type memStore struct {
	transactions []PointTransaction
	guests       map[string]*Guest
	casts        map[string]*Cast
	reservations map[string]*Reservation
	payouts      map[string]*CastPayout
	sequence     int

	failInsert error // next InsertTransaction fails with this when set
	failCommit error // next WithTx rolls back and fails with this when set

	failCreatePayoutFor map[string]error // CreatePayout fails for these cast IDs
}

func newMemStore() *memStore {
	return &memStore{
		guests:       map[string]*Guest{},
		casts:        map[string]*Cast{},
		reservations: map[string]*Reservation{},
		payouts:      map[string]*CastPayout{},
	}
}

type memSnapshot struct {
	transactions []PointTransaction
	guests       map[string]*Guest
	casts        map[string]*Cast
	reservations map[string]*Reservation
	payouts      map[string]*CastPayout
	sequence     int
}

func (store *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		transactions: append([]PointTransaction(nil), store.transactions...),
		guests:       map[string]*Guest{},
		casts:        map[string]*Cast{},
		reservations: map[string]*Reservation{},
		payouts:      map[string]*CastPayout{},
		sequence:     store.sequence,
	}
	for id, guest := range store.guests {
		copied := *guest
		snap.guests[id] = &copied
	}
	for id, cast := range store.casts {
		copied := *cast
		snap.casts[id] = &copied
	}
	for id, reservation := range store.reservations {
		copied := *reservation
		snap.reservations[id] = &copied
	}
	for id, payout := range store.payouts {
		copied := *payout
		copiedMetadata := map[string]string{}
		for key, value := range payout.Metadata {
			copiedMetadata[key] = value
		}
		copied.Metadata = copiedMetadata
		snap.payouts[id] = &copied
	}
	return snap
}

func (store *memStore) restore(snap memSnapshot) {
	store.transactions = snap.transactions
	store.guests = snap.guests
	store.casts = snap.casts
	store.reservations = snap.reservations
	store.payouts = snap.payouts
	store.sequence = snap.sequence
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snap := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snap)
		return err
	}
	if store.failCommit != nil {
		err := store.failCommit
		store.failCommit = nil
		store.restore(snap)
		return err
	}
	return nil
}

func (store *memStore) InsertTransaction(_ context.Context, input TransactionInput) (string, error) {
	if store.failInsert != nil {
		err := store.failInsert
		store.failInsert = nil
		return "", err
	}
	store.sequence++
	transaction := PointTransaction{
		ID:            fmt.Sprintf("tx-%d", store.sequence),
		GuestID:       input.GuestID(),
		CastID:        input.CastID(),
		Type:          input.Type(),
		Amount:        input.Amount(),
		ReservationID: input.ReservationID(),
		PaymentID:     input.PaymentID(),
		CastPayoutID:  input.CastPayoutID(),
		Description:   input.Description(),
		CreatedAt:     input.CreatedAt(),
	}
	store.transactions = append(store.transactions, transaction)
	return transaction.ID, nil
}

func (store *memStore) ownerMatches(transaction PointTransaction, owner OwnerRef) bool {
	switch owner.Kind {
	case OwnerGuest:
		return transaction.GuestID != nil && *transaction.GuestID == owner.ID
	case OwnerCast:
		return transaction.CastID != nil && *transaction.CastID == owner.ID
	}
	return false
}

func (store *memStore) SumByTypes(_ context.Context, owner OwnerRef, types []TransactionType, window *TimeRange) (int64, error) {
	wanted := map[TransactionType]bool{}
	for _, transactionType := range types {
		wanted[transactionType] = true
	}
	total := int64(0)
	for _, transaction := range store.transactions {
		if !store.ownerMatches(transaction, owner) || !wanted[transaction.Type] {
			continue
		}
		if window != nil {
			if !window.From.IsZero() && transaction.CreatedAt.Before(window.From) {
				continue
			}
			if !window.To.IsZero() && transaction.CreatedAt.After(window.To) {
				continue
			}
		}
		total += transaction.Amount.Int64()
	}
	return total, nil
}

func (store *memStore) FindPendingByReservation(_ context.Context, reservationID string) ([]PointTransaction, error) {
	var matched []PointTransaction
	for _, transaction := range store.transactions {
		if transaction.ReservationID == nil || *transaction.ReservationID != reservationID {
			continue
		}
		switch transaction.Type {
		case TransactionPending, TransactionExceededPending, TransactionRefund:
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (store *memStore) HasTransferForReservation(_ context.Context, reservationID string, withGuest bool) (bool, error) {
	for _, transaction := range store.transactions {
		if transaction.Type != TransactionTransfer {
			continue
		}
		if transaction.ReservationID == nil || *transaction.ReservationID != reservationID {
			continue
		}
		if withGuest == (transaction.GuestID != nil) {
			return true, nil
		}
	}
	return false, nil
}

func (store *memStore) ListTransactions(_ context.Context, owner OwnerRef, before time.Time, limit int) ([]PointTransaction, error) {
	var matched []PointTransaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if !store.ownerMatches(transaction, owner) || !transaction.CreatedAt.Before(before) {
			continue
		}
		matched = append(matched, transaction)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *memStore) ListExceededPendingBefore(_ context.Context, cutoff time.Time) ([]PointTransaction, error) {
	var matched []PointTransaction
	for _, transaction := range store.transactions {
		if transaction.Type == TransactionExceededPending && transaction.CreatedAt.Before(cutoff) {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (store *memStore) ListPendingBefore(_ context.Context, cutoff time.Time) ([]PointTransaction, error) {
	var matched []PointTransaction
	for _, transaction := range store.transactions {
		if transaction.Type == TransactionPending && transaction.CreatedAt.Before(cutoff) {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (store *memStore) GetReservation(_ context.Context, reservationID string, _ bool) (Reservation, error) {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	return *reservation, nil
}

func (store *memStore) ListRunningReservations(_ context.Context) ([]Reservation, error) {
	var running []Reservation
	for _, reservation := range store.reservations {
		if reservation.Running() {
			running = append(running, *reservation)
		}
	}
	return running, nil
}

func (store *memStore) CloseReservation(_ context.Context, reservationID string, endedAt time.Time, pointsEarned Points) error {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	ended := endedAt
	reservation.EndedAt = &ended
	reservation.PointsEarned = pointsEarned
	return nil
}

func (store *memStore) GetGuest(_ context.Context, guestID string, _ bool) (Guest, error) {
	guest, ok := store.guests[guestID]
	if !ok {
		return Guest{}, fmt.Errorf("%w: %s", ErrUnknownGuest, guestID)
	}
	return *guest, nil
}

func (store *memStore) GetCast(_ context.Context, castID string, _ bool) (Cast, error) {
	cast, ok := store.casts[castID]
	if !ok {
		return Cast{}, fmt.Errorf("%w: %s", ErrUnknownCast, castID)
	}
	return *cast, nil
}

func (store *memStore) AdjustGuestBalance(_ context.Context, guestID string, pointsDelta int64, gradePointsDelta int64) error {
	guest, ok := store.guests[guestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGuest, guestID)
	}
	guest.Points += pointsDelta
	guest.GradePoints += gradePointsDelta
	return nil
}

func (store *memStore) AdjustCastBalance(_ context.Context, castID string, pointsDelta int64, gradePointsDelta int64) error {
	cast, ok := store.casts[castID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCast, castID)
	}
	cast.Points += pointsDelta
	cast.GradePoints += gradePointsDelta
	return nil
}

func (store *memStore) ListGuests(_ context.Context) ([]Guest, error) {
	var guests []Guest
	for _, guest := range store.guests {
		guests = append(guests, *guest)
	}
	return guests, nil
}

func (store *memStore) ListCasts(_ context.Context) ([]Cast, error) {
	var casts []Cast
	for _, cast := range store.casts {
		casts = append(casts, *cast)
	}
	return casts, nil
}

func (store *memStore) ResetGuestGrade(_ context.Context, guestID string, grade Grade) error {
	guest, ok := store.guests[guestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGuest, guestID)
	}
	guest.GradePoints = 0
	guest.Grade = grade
	return nil
}

func (store *memStore) ResetCastGrade(_ context.Context, castID string, grade Grade) error {
	cast, ok := store.casts[castID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCast, castID)
	}
	cast.Points = 0
	cast.Grade = grade
	return nil
}

func (store *memStore) ListCastIDsWithUntaggedTransfers(_ context.Context, periodEnd time.Time) ([]string, error) {
	seen := map[string]bool{}
	var castIDs []string
	for _, transaction := range store.transactions {
		if transaction.Type != TransactionTransfer || transaction.CastID == nil {
			continue
		}
		if transaction.CastPayoutID != nil || transaction.CreatedAt.After(periodEnd) {
			continue
		}
		if !seen[*transaction.CastID] {
			seen[*transaction.CastID] = true
			castIDs = append(castIDs, *transaction.CastID)
		}
	}
	return castIDs, nil
}

func (store *memStore) TagTransfersWithPayout(_ context.Context, castID string, periodEnd time.Time, payoutID string) (int64, int64, error) {
	count := int64(0)
	total := int64(0)
	for index := range store.transactions {
		transaction := &store.transactions[index]
		if transaction.Type != TransactionTransfer || transaction.CastID == nil || *transaction.CastID != castID {
			continue
		}
		if transaction.CastPayoutID != nil || transaction.CreatedAt.After(periodEnd) {
			continue
		}
		tagged := payoutID
		transaction.CastPayoutID = &tagged
		count++
		total += transaction.Amount.Int64()
	}
	return count, total, nil
}

func (store *memStore) CreatePayout(_ context.Context, payout CastPayout) (string, error) {
	if err, ok := store.failCreatePayoutFor[payout.CastID]; ok {
		return "", err
	}
	copied := payout
	if copied.Metadata == nil {
		copied.Metadata = map[string]string{}
	}
	store.payouts[payout.ID] = &copied
	return payout.ID, nil
}

func (store *memStore) GetPayout(_ context.Context, payoutID string, _ bool) (CastPayout, error) {
	payout, ok := store.payouts[payoutID]
	if !ok {
		return CastPayout{}, fmt.Errorf("%w: %s", ErrUnknownPayout, payoutID)
	}
	return *payout, nil
}

func (store *memStore) UpdatePayoutStatus(_ context.Context, payoutID string, from PayoutStatus, to PayoutStatus, patch PayoutPatch) error {
	payout, ok := store.payouts[payoutID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayout, payoutID)
	}
	if payout.Status != from {
		return fmt.Errorf("%w: %s is %s", ErrPayoutStateConflict, payoutID, payout.Status)
	}
	payout.Status = to
	if patch.ProviderRef != nil {
		payout.ProviderRef = *patch.ProviderRef
	}
	if patch.PaidAt != nil {
		paidAt := *patch.PaidAt
		payout.PaidAt = &paidAt
	}
	for key, value := range patch.Metadata {
		payout.Metadata[key] = value
	}
	return nil
}

func (store *memStore) ListDuePayouts(_ context.Context, date time.Time) ([]CastPayout, error) {
	var due []CastPayout
	for _, payout := range store.payouts {
		if payout.Status == PayoutScheduled && !payout.ScheduledPayoutDate.After(date) {
			due = append(due, *payout)
		}
	}
	return due, nil
}

// Test fixtures and helpers.

func mustNewService(test *testing.T, store Store, now func() time.Time, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func (store *memStore) addGuest(guestID string, points int64) *Guest {
	guest := &Guest{ID: guestID, Points: points, Grade: GradeBronze}
	store.guests[guestID] = guest
	return guest
}

func (store *memStore) addCast(castID string, points int64) *Cast {
	cast := &Cast{ID: castID, Points: points, Grade: GradeBronze, PayoutAccountID: "acct-" + castID}
	store.casts[castID] = cast
	return cast
}

func (store *memStore) addReservation(reservation Reservation) *Reservation {
	copied := reservation
	store.reservations[reservation.ID] = &copied
	return &copied
}

func (store *memStore) addTransaction(test *testing.T, guestID *string, castID *string, transactionType TransactionType, amount int64, reservationID *string, createdAt time.Time) PointTransaction {
	test.Helper()
	input, err := NewTransactionInput(guestID, castID, transactionType, Points(amount), reservationID, nil, "fixture", createdAt)
	if err != nil {
		test.Fatalf("fixture transaction: %v", err)
	}
	if _, err := store.InsertTransaction(context.Background(), input); err != nil {
		test.Fatalf("fixture insert: %v", err)
	}
	return store.transactions[len(store.transactions)-1]
}

func strPtr(value string) *string {
	return &value
}

// sumSigned recomputes an owner's standing balance from the ledger, applying
// the projection direction rules. Tests compare it against the cached column.
func (store *memStore) sumSigned(owner OwnerRef) int64 {
	total := int64(0)
	for _, transaction := range store.transactions {
		if !store.ownerMatches(transaction, owner) {
			continue
		}
		switch owner.Kind {
		case OwnerGuest:
			total += GuestDirection(transaction.Type) * transaction.Amount.Int64()
		case OwnerCast:
			total += CastDirection(transaction.Type) * transaction.Amount.Int64()
		}
	}
	return total
}
