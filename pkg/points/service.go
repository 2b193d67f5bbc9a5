package points

import (
	"context"
	"fmt"
	"time"
)

// Service contains the settlement logic over a Store. The periodic engines
// (auto-exit sweeper, pending processor, payout engine, grade engine) are
// built on top of it.
type Service struct {
	store       Store
	nowFn       func() time.Time
	logger      OperationLogger
	events      EventPublisher
	escalations EscalationQueue
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Store exposes the underlying store to the engines sharing this service.
func (service *Service) Store() Store {
	return service.store
}

// Now returns the injected clock reading.
func (service *Service) Now() time.Time {
	return service.nowFn()
}

// Append validates and writes one ledger transaction in its own transaction,
// updating the owner balance projections in the same unit of work.
func (service *Service) Append(ctx context.Context, input TransactionInput) (string, error) {
	var transactionID string
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var appendErr error
		transactionID, appendErr = service.appendTx(ctx, txStore, input)
		return appendErr
	})
	return transactionID, err
}

// appendTx writes a transaction and adjusts the cached balance projections
// inside the caller's transaction. This is the single write path into the
// ledger; balances are never updated independently of an append.
func (service *Service) appendTx(ctx context.Context, txStore Store, input TransactionInput) (string, error) {
	transactionID, err := txStore.InsertTransaction(ctx, input)
	if err != nil {
		return "", err
	}
	amount := input.Amount().Int64()
	if input.GuestID() != nil {
		pointsDelta := GuestDirection(input.Type()) * amount
		gradeDelta := int64(0)
		if input.Type() == TransactionPending || input.Type() == TransactionTransfer {
			gradeDelta = amount
		}
		if pointsDelta != 0 || gradeDelta != 0 {
			if err := txStore.AdjustGuestBalance(ctx, *input.GuestID(), pointsDelta, gradeDelta); err != nil {
				return "", err
			}
		}
	}
	if input.CastID() != nil {
		pointsDelta := CastDirection(input.Type()) * amount
		gradeDelta := int64(0)
		if input.Type() == TransactionTransfer {
			gradeDelta = amount
		}
		if pointsDelta != 0 || gradeDelta != 0 {
			if err := txStore.AdjustCastBalance(ctx, *input.CastID(), pointsDelta, gradeDelta); err != nil {
				return "", err
			}
		}
	}
	return transactionID, nil
}

// Buy credits purchased points to a guest.
func (service *Service) Buy(ctx context.Context, guestID string, amount Points, paymentID string, description string) error {
	var paymentRef *string
	if paymentID != "" {
		paymentRef = &paymentID
	}
	input, err := NewTransactionInput(&guestID, nil, TransactionBuy, amount, nil, paymentRef, description, service.nowFn())
	if err != nil {
		return err
	}
	_, operationError := service.Append(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation: operationBuy,
		GuestID:   guestID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return operationError
}

// Gift credits administrative points to a guest or a cast.
func (service *Service) Gift(ctx context.Context, owner OwnerRef, amount Points, description string) error {
	var guestID, castID *string
	switch owner.Kind {
	case OwnerGuest:
		guestID = &owner.ID
	case OwnerCast:
		castID = &owner.ID
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOwnerKind, owner.Kind)
	}
	input, err := NewTransactionInput(guestID, castID, TransactionGift, amount, nil, nil, description, service.nowFn())
	if err != nil {
		return err
	}
	_, operationError := service.Append(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation: operationGift,
		GuestID:   stringOrEmpty(guestID),
		CastID:    stringOrEmpty(castID),
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return operationError
}

// Balance is the standing-balance view for one owner.
type Balance struct {
	StandingPoints int64
	GradePoints    int64
	Grade          Grade
}

// BalanceFor returns the cached standing balance of a guest or cast.
func (service *Service) BalanceFor(ctx context.Context, owner OwnerRef) (Balance, error) {
	switch owner.Kind {
	case OwnerGuest:
		guest, err := service.store.GetGuest(ctx, owner.ID, false)
		if err != nil {
			return Balance{}, err
		}
		return Balance{StandingPoints: guest.Points, GradePoints: guest.GradePoints, Grade: guest.Grade}, nil
	case OwnerCast:
		cast, err := service.store.GetCast(ctx, owner.ID, false)
		if err != nil {
			return Balance{}, err
		}
		return Balance{StandingPoints: cast.Points, GradePoints: cast.GradePoints, Grade: cast.Grade}, nil
	}
	return Balance{}, fmt.Errorf("%w: %q", ErrInvalidOwnerKind, owner.Kind)
}

// ListTransactions lists ledger transactions for an owner before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, owner OwnerRef, before time.Time, limit int) ([]PointTransaction, error) {
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	return service.store.ListTransactions(ctx, owner, before, limit)
}

// CloseSession force-settles one reservation at endedAt. Shared by the
// normal close path and the auto-exit sweeper; the reservation row is
// re-read under lock so a concurrent close makes this a clean conflict.
func (service *Service) CloseSession(ctx context.Context, reservationID string, endedAt time.Time) error {
	var settled Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID, true)
		if err != nil {
			return err
		}
		settled, err = service.settleTx(ctx, txStore, reservation, endedAt)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCloseSession,
		GuestID:       settled.GuestID,
		CastID:        settled.CastID,
		ReservationID: reservationID,
		Amount:        settled.PointsEarned.Int64(),
		Error:         operationError,
	})
	if operationError == nil {
		service.publishReservationUpdated(ctx, settled, false)
	}
	return operationError
}

// settleTx settles an in-progress reservation inside the caller's
// transaction: computes the accrued cost, writes the exceeded-pending hold or
// the refund for the difference against the reserved funds, and closes the
// reservation row.
func (service *Service) settleTx(ctx context.Context, txStore Store, reservation Reservation, endedAt time.Time) (Reservation, error) {
	if reservation.EndedAt != nil {
		return Reservation{}, fmt.Errorf("%w: %s", ErrReservationClosed, reservation.ID)
	}
	if reservation.StartedAt == nil {
		return Reservation{}, fmt.Errorf("%w: %s never started", ErrReservationNotEnded, reservation.ID)
	}
	accrued := AccruedCost(reservation.ScheduledAt, *reservation.StartedAt, endedAt, reservation.DurationHours)
	held, err := service.heldPendingTx(ctx, txStore, reservation.ID)
	if err != nil {
		return Reservation{}, err
	}
	switch {
	case accrued.Int64() > held:
		excess := accrued.Int64() - held
		input, err := NewTransactionInput(
			&reservation.GuestID,
			&reservation.CastID,
			TransactionExceededPending,
			Points(excess),
			&reservation.ID,
			nil,
			descriptionSessionOver,
			endedAt,
		)
		if err != nil {
			return Reservation{}, err
		}
		if _, err := service.appendTx(ctx, txStore, input); err != nil {
			return Reservation{}, err
		}
	case accrued.Int64() < held:
		unused := held - accrued.Int64()
		input, err := NewTransactionInput(
			&reservation.GuestID,
			nil,
			TransactionRefund,
			Points(unused),
			&reservation.ID,
			nil,
			descriptionRefund,
			endedAt,
		)
		if err != nil {
			return Reservation{}, err
		}
		if _, err := service.appendTx(ctx, txStore, input); err != nil {
			return Reservation{}, err
		}
	}
	if err := txStore.CloseReservation(ctx, reservation.ID, endedAt, accrued); err != nil {
		return Reservation{}, err
	}
	reservation.EndedAt = &endedAt
	reservation.PointsEarned = accrued
	return reservation, nil
}

// heldPendingTx returns the reservation's hold net of refunds already issued.
func (service *Service) heldPendingTx(ctx context.Context, txStore Store, reservationID string) (int64, error) {
	transactions, err := txStore.FindPendingByReservation(ctx, reservationID)
	if err != nil {
		return 0, err
	}
	held := int64(0)
	for _, transaction := range transactions {
		switch transaction.Type {
		case TransactionPending:
			held += transaction.Amount.Int64()
		case TransactionRefund:
			held -= transaction.Amount.Int64()
		}
	}
	return held, nil
}

func (service *Service) publishReservationUpdated(ctx context.Context, reservation Reservation, autoExited bool) {
	if service.events == nil {
		return
	}
	service.events.PublishReservationUpdated(ctx, ReservationUpdated{
		ReservationID: reservation.ID,
		GuestID:       reservation.GuestID,
		CastID:        reservation.CastID,
		PointsEarned:  reservation.PointsEarned.Int64(),
		AutoExited:    autoExited,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) escalateHold(ctx context.Context, hold EscalatedHold) {
	if service.escalations == nil {
		return
	}
	service.escalations.EscalateHold(ctx, hold)
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
