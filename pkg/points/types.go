package points

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Points is an integer point amount. Transaction amounts are strictly
// positive; direction is carried by the transaction type.
type Points int64

// Int64 returns the raw value.
func (amount Points) Int64() int64 {
	return int64(amount)
}

// NewPoints validates a transaction amount and ensures it is strictly positive.
func NewPoints(raw int64) (Points, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Points(raw), nil
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionBuy             TransactionType = "buy"
	TransactionTransfer        TransactionType = "transfer"
	TransactionConvert         TransactionType = "convert"
	TransactionGift            TransactionType = "gift"
	TransactionPending         TransactionType = "pending"
	TransactionExceededPending TransactionType = "exceeded_pending"
	TransactionRefund          TransactionType = "refund"
)

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionBuy, TransactionTransfer, TransactionConvert, TransactionGift,
		TransactionPending, TransactionExceededPending, TransactionRefund:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// GuestDirection returns the signed effect of a settled transaction on the
// guest's standing balance. Exceeded-pending is an unsecured hold and does
// not touch the balance until it matures into a transfer.
func GuestDirection(transactionType TransactionType) int64 {
	switch transactionType {
	case TransactionBuy, TransactionGift, TransactionConvert, TransactionRefund:
		return 1
	case TransactionPending, TransactionTransfer:
		return -1
	}
	return 0
}

// CastDirection returns the signed effect of a settled transaction on the
// cast's standing balance.
func CastDirection(transactionType TransactionType) int64 {
	switch transactionType {
	case TransactionTransfer, TransactionGift:
		return 1
	case TransactionConvert:
		return -1
	}
	return 0
}

// OwnerKind distinguishes the two balance-holding actors.
type OwnerKind string

const (
	OwnerGuest OwnerKind = "guest"
	OwnerCast  OwnerKind = "cast"
)

// OwnerRef identifies one side of the ledger.
type OwnerRef struct {
	Kind OwnerKind
	ID   string
}

// NewOwnerRef validates an owner reference.
func NewOwnerRef(kind OwnerKind, id string) (OwnerRef, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return OwnerRef{}, fmt.Errorf("%w: empty owner id", ErrMissingOwner)
	}
	switch kind {
	case OwnerGuest, OwnerCast:
		return OwnerRef{Kind: kind, ID: trimmed}, nil
	}
	return OwnerRef{}, fmt.Errorf("%w: %q", ErrInvalidOwnerKind, kind)
}

// GuestOwner builds a guest-side owner reference.
func GuestOwner(guestID string) (OwnerRef, error) {
	return NewOwnerRef(OwnerGuest, guestID)
}

// CastOwner builds a cast-side owner reference.
func CastOwner(castID string) (OwnerRef, error) {
	return NewOwnerRef(OwnerCast, castID)
}

// PointTransaction is a single immutable line in the ledger.
type PointTransaction struct {
	ID            string
	GuestID       *string
	CastID        *string
	Type          TransactionType
	Amount        Points
	ReservationID *string
	PaymentID     *string
	CastPayoutID  *string
	Description   string
	CreatedAt     time.Time
}

// TransactionInput is a validated, not-yet-persisted ledger transaction.
type TransactionInput struct {
	guestID       *string
	castID        *string
	txType        TransactionType
	amount        Points
	reservationID *string
	paymentID     *string
	castPayoutID  *string
	description   string
	createdAt     time.Time
}

// NewTransactionInput validates a transaction before any write. A transaction
// must carry a positive amount and at least one owner.
func NewTransactionInput(guestID *string, castID *string, txType TransactionType, amount Points, reservationID *string, paymentID *string, description string, createdAt time.Time) (TransactionInput, error) {
	if _, err := ParseTransactionType(txType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if emptyRef(guestID) && emptyRef(castID) {
		return TransactionInput{}, fmt.Errorf("%w: guest and cast are both absent", ErrMissingOwner)
	}
	return TransactionInput{
		guestID:       guestID,
		castID:        castID,
		txType:        txType,
		amount:        amount,
		reservationID: reservationID,
		paymentID:     paymentID,
		description:   description,
		createdAt:     createdAt,
	}, nil
}

func emptyRef(value *string) bool {
	return value == nil || strings.TrimSpace(*value) == ""
}

// GuestID returns the guest owner, if any.
func (input TransactionInput) GuestID() *string { return input.guestID }

// CastID returns the cast owner, if any.
func (input TransactionInput) CastID() *string { return input.castID }

// Type returns the transaction type.
func (input TransactionInput) Type() TransactionType { return input.txType }

// Amount returns the unsigned amount.
func (input TransactionInput) Amount() Points { return input.amount }

// ReservationID returns the linked reservation, if any.
func (input TransactionInput) ReservationID() *string { return input.reservationID }

// PaymentID returns the linked payment, if any.
func (input TransactionInput) PaymentID() *string { return input.paymentID }

// CastPayoutID returns the payout batch this transaction is born into, if any.
func (input TransactionInput) CastPayoutID() *string { return input.castPayoutID }

// WithCastPayout links the transaction to a payout batch at append time.
func (input TransactionInput) WithCastPayout(payoutID string) TransactionInput {
	input.castPayoutID = &payoutID
	return input
}

// Description returns the human-readable description.
func (input TransactionInput) Description() string { return input.description }

// CreatedAt returns the transaction timestamp.
func (input TransactionInput) CreatedAt() time.Time { return input.createdAt }

// TimeRange bounds a transaction sum query. Zero fields are open ends.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Reservation is the slice of the reservation row the settlement core reads
// and closes. The reservation subsystem owns everything else.
type Reservation struct {
	ID            string
	GuestID       string
	CastID        string
	ScheduledAt   *time.Time
	DurationHours int
	StartedAt     *time.Time
	EndedAt       *time.Time
	PointsEarned  Points
}

// Running reports whether the session is in progress.
func (reservation Reservation) Running() bool {
	return reservation.StartedAt != nil && reservation.EndedAt == nil
}

// Guest holds a standing balance and quarterly grade tracking.
type Guest struct {
	ID          string
	Points      int64
	GradePoints int64
	Grade       Grade
}

// Cast holds a standing balance, grade tracking, and the external payout account.
type Cast struct {
	ID              string
	Points          int64
	GradePoints     int64
	Grade           Grade
	PayoutAccountID string
}

// Grade is the tier computed from lifetime earnings.
type Grade string

const (
	GradeBronze   Grade = "bronze"
	GradeSilver   Grade = "silver"
	GradeGold     Grade = "gold"
	GradePlatinum Grade = "platinum"
)

// String returns the stored representation.
func (grade Grade) String() string {
	return string(grade)
}

// ParseGrade validates a stored grade value.
func ParseGrade(raw string) (Grade, error) {
	switch Grade(raw) {
	case GradeBronze, GradeSilver, GradeGold, GradePlatinum:
		return Grade(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGrade, raw)
}

// GradeForLifetimePoints maps lifetime earnings to a tier.
func GradeForLifetimePoints(lifetime int64) Grade {
	switch {
	case lifetime >= gradeThresholdPlatinum:
		return GradePlatinum
	case lifetime >= gradeThresholdGold:
		return GradeGold
	case lifetime >= gradeThresholdSilver:
		return GradeSilver
	}
	return GradeBronze
}

// PayoutType distinguishes the monthly closer's batches from on-demand ones.
type PayoutType string

const (
	PayoutTypeScheduled PayoutType = "scheduled"
	PayoutTypeInstant   PayoutType = "instant"
)

// String returns the stored representation.
func (payoutType PayoutType) String() string {
	return string(payoutType)
}

// ParsePayoutType validates a stored payout type value.
func ParsePayoutType(raw string) (PayoutType, error) {
	switch PayoutType(raw) {
	case PayoutTypeScheduled, PayoutTypeInstant:
		return PayoutType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPayoutType, raw)
}

// PayoutStatus is the payout lifecycle state.
type PayoutStatus string

const (
	PayoutPending         PayoutStatus = "pending"
	PayoutPendingApproval PayoutStatus = "pending_approval"
	PayoutScheduled       PayoutStatus = "scheduled"
	PayoutProcessing      PayoutStatus = "processing"
	PayoutPaid            PayoutStatus = "paid"
	PayoutFailed          PayoutStatus = "failed"
	PayoutCancelled       PayoutStatus = "cancelled"
)

// String returns the stored representation.
func (status PayoutStatus) String() string {
	return string(status)
}

// ParsePayoutStatus validates a stored payout status value.
func ParsePayoutStatus(raw string) (PayoutStatus, error) {
	switch PayoutStatus(raw) {
	case PayoutPending, PayoutPendingApproval, PayoutScheduled, PayoutProcessing,
		PayoutPaid, PayoutFailed, PayoutCancelled:
		return PayoutStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPayoutStatus, raw)
}

// Terminal reports whether no further transition is permitted.
func (status PayoutStatus) Terminal() bool {
	return status == PayoutPaid || status == PayoutCancelled
}

// CanTransition reports whether the payout lifecycle permits from -> to.
func (status PayoutStatus) CanTransition(to PayoutStatus) bool {
	switch status {
	case PayoutPending:
		return to == PayoutCancelled
	case PayoutPendingApproval:
		return to == PayoutScheduled || to == PayoutCancelled || to == PayoutFailed
	case PayoutScheduled:
		return to == PayoutProcessing || to == PayoutCancelled
	case PayoutProcessing:
		return to == PayoutPaid || to == PayoutFailed
	case PayoutFailed:
		return to == PayoutProcessing || to == PayoutCancelled
	}
	return false
}

// CastPayout is a closed batch of a cast's settled earnings.
type CastPayout struct {
	ID                  string
	CastID              string
	Type                PayoutType
	ClosingMonth        string
	PeriodStart         time.Time
	PeriodEnd           time.Time
	TotalPoints         Points
	ConversionRate      decimal.Decimal
	GrossAmountYen      int64
	FeeRate             decimal.Decimal
	FeeAmountYen        int64
	NetAmountYen        int64
	TransactionCount    int64
	Status              PayoutStatus
	ScheduledPayoutDate time.Time
	ProviderRef         string
	PaidAt              *time.Time
	Metadata            map[string]string
	CreatedAt           time.Time
}

// PayoutPatch carries the mutable fields written alongside a status change.
type PayoutPatch struct {
	ProviderRef *string
	PaidAt      *time.Time
	Metadata    map[string]string
}

// Store is the persistence contract used by the settlement core.
// (gormstore and pgstore implement this already.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertTransaction(ctx context.Context, input TransactionInput) (string, error)
	SumByTypes(ctx context.Context, owner OwnerRef, types []TransactionType, window *TimeRange) (int64, error)
	// FindPendingByReservation returns the hold-related rows for one
	// reservation: pending, exceeded_pending, and refund.
	FindPendingByReservation(ctx context.Context, reservationID string) ([]PointTransaction, error)
	// HasTransferForReservation reports whether a maturation transfer was
	// already written for the reservation. withGuest selects the
	// exceeded-pending kind (guest and cast sides) versus the plain-pending
	// kind (cast side only).
	HasTransferForReservation(ctx context.Context, reservationID string, withGuest bool) (bool, error)
	ListTransactions(ctx context.Context, owner OwnerRef, before time.Time, limit int) ([]PointTransaction, error)
	ListExceededPendingBefore(ctx context.Context, cutoff time.Time) ([]PointTransaction, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]PointTransaction, error)

	GetReservation(ctx context.Context, reservationID string, forUpdate bool) (Reservation, error)
	ListRunningReservations(ctx context.Context) ([]Reservation, error)
	CloseReservation(ctx context.Context, reservationID string, endedAt time.Time, pointsEarned Points) error

	GetGuest(ctx context.Context, guestID string, forUpdate bool) (Guest, error)
	GetCast(ctx context.Context, castID string, forUpdate bool) (Cast, error)
	AdjustGuestBalance(ctx context.Context, guestID string, pointsDelta int64, gradePointsDelta int64) error
	AdjustCastBalance(ctx context.Context, castID string, pointsDelta int64, gradePointsDelta int64) error
	ListGuests(ctx context.Context) ([]Guest, error)
	ListCasts(ctx context.Context) ([]Cast, error)
	ResetGuestGrade(ctx context.Context, guestID string, grade Grade) error
	ResetCastGrade(ctx context.Context, castID string, grade Grade) error

	ListCastIDsWithUntaggedTransfers(ctx context.Context, periodEnd time.Time) ([]string, error)
	TagTransfersWithPayout(ctx context.Context, castID string, periodEnd time.Time, payoutID string) (count int64, total int64, err error)
	CreatePayout(ctx context.Context, payout CastPayout) (string, error)
	GetPayout(ctx context.Context, payoutID string, forUpdate bool) (CastPayout, error)
	UpdatePayoutStatus(ctx context.Context, payoutID string, from PayoutStatus, to PayoutStatus, patch PayoutPatch) error
	ListDuePayouts(ctx context.Context, date time.Time) ([]CastPayout, error)
}
