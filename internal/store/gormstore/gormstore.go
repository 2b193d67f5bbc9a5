package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aoyamalab/castledger/pkg/points"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectGuest     = "guest"
	errorSubjectCast      = "cast"
	errorSubjectPayout    = "payout"
	errorSubjectTx        = "transaction"
	errorSubjectRes       = "reservation"
	errorCodeAdjust       = "adjust"
	errorCodeClose        = "close"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeReset        = "reset"
	errorCodeSum          = "sum"
	errorCodeTag          = "tag"
	errorCodeUpdateStatus = "update_status"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite; postgres deployments manage
// the schema externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Guest{}, &Cast{}, &Reservation{}, &PointTransaction{}, &CastPayout{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertTransaction(ctx context.Context, input points.TransactionInput) (string, error) {
	row := PointTransaction{
		GuestID:       input.GuestID(),
		CastID:        input.CastID(),
		Type:          input.Type().String(),
		Amount:        input.Amount().Int64(),
		ReservationID: input.ReservationID(),
		PaymentID:     input.PaymentID(),
		CastPayoutID:  input.CastPayoutID(),
		Description:   input.Description(),
		CreatedAt:     input.CreatedAt().UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return row.TransactionID, nil
}

func ownerColumn(owner points.OwnerRef) string {
	if owner.Kind == points.OwnerCast {
		return "cast_id"
	}
	return "guest_id"
}

func (store *Store) SumByTypes(ctx context.Context, owner points.OwnerRef, types []points.TransactionType, window *points.TimeRange) (int64, error) {
	typeNames := make([]string, 0, len(types))
	for _, transactionType := range types {
		typeNames = append(typeNames, transactionType.String())
	}
	query := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where(ownerColumn(owner)+" = ?", owner.ID).
		Where("type in ?", typeNames)
	if window != nil {
		if !window.From.IsZero() {
			query = query.Where("created_at >= ?", window.From)
		}
		if !window.To.IsZero() {
			query = query.Where("created_at <= ?", window.To)
		}
	}
	var sum sqlSum
	if err := query.Scan(&sum).Error; err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) FindPendingByReservation(ctx context.Context, reservationID string) ([]points.PointTransaction, error) {
	var rows []PointTransaction
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Where("type in ?", []string{
			points.TransactionPending.String(),
			points.TransactionExceededPending.String(),
			points.TransactionRefund.String(),
		}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) HasTransferForReservation(ctx context.Context, reservationID string, withGuest bool) (bool, error) {
	query := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Where("reservation_id = ? AND type = ?", reservationID, points.TransactionTransfer.String())
	if withGuest {
		query = query.Where("guest_id is not null")
	} else {
		query = query.Where("guest_id is null")
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) ListTransactions(ctx context.Context, owner points.OwnerRef, before time.Time, limit int) ([]points.PointTransaction, error) {
	var rows []PointTransaction
	err := store.db.WithContext(ctx).
		Where(ownerColumn(owner)+" = ? AND created_at < ?", owner.ID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListExceededPendingBefore(ctx context.Context, cutoff time.Time) ([]points.PointTransaction, error) {
	return store.listByTypeBefore(ctx, points.TransactionExceededPending, cutoff)
}

func (store *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]points.PointTransaction, error) {
	return store.listByTypeBefore(ctx, points.TransactionPending, cutoff)
}

func (store *Store) listByTypeBefore(ctx context.Context, transactionType points.TransactionType, cutoff time.Time) ([]points.PointTransaction, error) {
	var rows []PointTransaction
	err := store.db.WithContext(ctx).
		Where("type = ? AND created_at < ?", transactionType.String(), cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) GetReservation(ctx context.Context, reservationID string, forUpdate bool) (points.Reservation, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Reservation
	if err := query.Where("reservation_id = ?", reservationID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, points.ErrUnknownReservation)
		}
		return points.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, err)
	}
	return mapReservation(row), nil
}

func (store *Store) ListRunningReservations(ctx context.Context) ([]points.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("started_at is not null AND ended_at is null").
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRes, errorCodeList, err)
	}
	reservations := make([]points.Reservation, 0, len(rows))
	for _, row := range rows {
		reservations = append(reservations, mapReservation(row))
	}
	return reservations, nil
}

func (store *Store) CloseReservation(ctx context.Context, reservationID string, endedAt time.Time, pointsEarned points.Points) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND ended_at is null", reservationID).
		Updates(map[string]interface{}{
			"ended_at":      endedAt.UTC(),
			"points_earned": pointsEarned.Int64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRes, errorCodeClose, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRes, errorCodeClose, points.ErrReservationClosed)
	}
	return nil
}

func (store *Store) GetGuest(ctx context.Context, guestID string, forUpdate bool) (points.Guest, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Guest
	if err := query.Where("guest_id = ?", guestID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.Guest{}, wrapStoreError(errorSubjectGuest, errorCodeGet, points.ErrUnknownGuest)
		}
		return points.Guest{}, wrapStoreError(errorSubjectGuest, errorCodeGet, err)
	}
	return mapGuest(row)
}

func (store *Store) GetCast(ctx context.Context, castID string, forUpdate bool) (points.Cast, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Cast
	if err := query.Where("cast_id = ?", castID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.Cast{}, wrapStoreError(errorSubjectCast, errorCodeGet, points.ErrUnknownCast)
		}
		return points.Cast{}, wrapStoreError(errorSubjectCast, errorCodeGet, err)
	}
	return mapCast(row)
}

func (store *Store) AdjustGuestBalance(ctx context.Context, guestID string, pointsDelta int64, gradePointsDelta int64) error {
	result := store.db.WithContext(ctx).
		Model(&Guest{}).
		Where("guest_id = ?", guestID).
		Updates(map[string]interface{}{
			"points":       gorm.Expr("points + ?", pointsDelta),
			"grade_points": gorm.Expr("grade_points + ?", gradePointsDelta),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGuest, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGuest, errorCodeAdjust, points.ErrUnknownGuest)
	}
	return nil
}

func (store *Store) AdjustCastBalance(ctx context.Context, castID string, pointsDelta int64, gradePointsDelta int64) error {
	result := store.db.WithContext(ctx).
		Model(&Cast{}).
		Where("cast_id = ?", castID).
		Updates(map[string]interface{}{
			"points":       gorm.Expr("points + ?", pointsDelta),
			"grade_points": gorm.Expr("grade_points + ?", gradePointsDelta),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCast, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCast, errorCodeAdjust, points.ErrUnknownCast)
	}
	return nil
}

func (store *Store) ListGuests(ctx context.Context) ([]points.Guest, error) {
	var rows []Guest
	if err := store.db.WithContext(ctx).Order("guest_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectGuest, errorCodeList, err)
	}
	guests := make([]points.Guest, 0, len(rows))
	for _, row := range rows {
		guest, err := mapGuest(row)
		if err != nil {
			return nil, err
		}
		guests = append(guests, guest)
	}
	return guests, nil
}

func (store *Store) ListCasts(ctx context.Context) ([]points.Cast, error) {
	var rows []Cast
	if err := store.db.WithContext(ctx).Order("cast_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCast, errorCodeList, err)
	}
	casts := make([]points.Cast, 0, len(rows))
	for _, row := range rows {
		cast, err := mapCast(row)
		if err != nil {
			return nil, err
		}
		casts = append(casts, cast)
	}
	return casts, nil
}

func (store *Store) ResetGuestGrade(ctx context.Context, guestID string, grade points.Grade) error {
	result := store.db.WithContext(ctx).
		Model(&Guest{}).
		Where("guest_id = ?", guestID).
		Updates(map[string]interface{}{
			"grade_points": 0,
			"grade":        grade.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGuest, errorCodeReset, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGuest, errorCodeReset, points.ErrUnknownGuest)
	}
	return nil
}

func (store *Store) ResetCastGrade(ctx context.Context, castID string, grade points.Grade) error {
	result := store.db.WithContext(ctx).
		Model(&Cast{}).
		Where("cast_id = ?", castID).
		Updates(map[string]interface{}{
			"points": 0,
			"grade":  grade.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCast, errorCodeReset, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCast, errorCodeReset, points.ErrUnknownCast)
	}
	return nil
}

func (store *Store) ListCastIDsWithUntaggedTransfers(ctx context.Context, periodEnd time.Time) ([]string, error) {
	var castIDs []string
	err := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Distinct("cast_id").
		Where("type = ? AND cast_payout_id is null AND cast_id is not null AND created_at <= ?",
			points.TransactionTransfer.String(), periodEnd).
		Order("cast_id ASC").
		Pluck("cast_id", &castIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return castIDs, nil
}

// TagTransfersWithPayout claims every untagged transfer for the cast dated on
// or before periodEnd. Only rows with a null cast_payout_id are touched, so a
// transaction can belong to at most one payout.
func (store *Store) TagTransfersWithPayout(ctx context.Context, castID string, periodEnd time.Time, payoutID string) (int64, int64, error) {
	result := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Where("cast_id = ? AND type = ? AND cast_payout_id is null AND created_at <= ?",
			castID, points.TransactionTransfer.String(), periodEnd).
		Update("cast_payout_id", payoutID)
	if result.Error != nil {
		return 0, 0, wrapStoreError(errorSubjectTx, errorCodeTag, result.Error)
	}
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("cast_payout_id = ?", payoutID).
		Scan(&sum).Error
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return result.RowsAffected, sum.Total, nil
}

func (store *Store) CreatePayout(ctx context.Context, payout points.CastPayout) (string, error) {
	metadata, err := metadataJSON(payout.Metadata)
	if err != nil {
		return "", wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	row := CastPayout{
		PayoutID:            payout.ID,
		CastID:              payout.CastID,
		Type:                payout.Type.String(),
		ClosingMonth:        payout.ClosingMonth,
		PeriodStart:         payout.PeriodStart.UTC(),
		PeriodEnd:           payout.PeriodEnd.UTC(),
		TotalPoints:         payout.TotalPoints.Int64(),
		ConversionRate:      payout.ConversionRate,
		GrossAmountYen:      payout.GrossAmountYen,
		FeeRate:             payout.FeeRate,
		FeeAmountYen:        payout.FeeAmountYen,
		NetAmountYen:        payout.NetAmountYen,
		TransactionCount:    payout.TransactionCount,
		Status:              payout.Status.String(),
		ScheduledPayoutDate: payout.ScheduledPayoutDate.UTC(),
		ProviderRef:         payout.ProviderRef,
		PaidAt:              payout.PaidAt,
		Metadata:            metadata,
		CreatedAt:           payout.CreatedAt.UTC(),
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return "", wrapStoreError(errorSubjectPayout, errorCodeDuplicate, err)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectPayout, errorCodeCreate, err)
	}
	return row.PayoutID, nil
}

func (store *Store) GetPayout(ctx context.Context, payoutID string, forUpdate bool) (points.CastPayout, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row CastPayout
	if err := query.Where("payout_id = ?", payoutID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, points.ErrUnknownPayout)
		}
		return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, err)
	}
	return mapPayout(row)
}

// UpdatePayoutStatus applies a compare-and-set status move. A zero row count
// means a concurrent writer won and the transition is a state conflict.
func (store *Store) UpdatePayoutStatus(ctx context.Context, payoutID string, from points.PayoutStatus, to points.PayoutStatus, patch points.PayoutPatch) error {
	updates := map[string]interface{}{
		"status": to.String(),
	}
	if patch.ProviderRef != nil {
		updates["provider_ref"] = *patch.ProviderRef
	}
	if patch.PaidAt != nil {
		updates["paid_at"] = patch.PaidAt.UTC()
	}
	if len(patch.Metadata) > 0 {
		var row CastPayout
		if err := store.db.WithContext(ctx).Select("metadata").Where("payout_id = ?", payoutID).Take(&row).Error; err != nil {
			return wrapStoreError(errorSubjectPayout, errorCodeGet, err)
		}
		merged := map[string]string{}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &merged); err != nil {
				return wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
			}
		}
		for key, value := range patch.Metadata {
			merged[key] = value
		}
		metadata, err := metadataJSON(merged)
		if err != nil {
			return wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
		}
		updates["metadata"] = metadata
	}
	result := store.db.WithContext(ctx).
		Model(&CastPayout{}).
		Where("payout_id = ? AND status = ?", payoutID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdateStatus, points.ErrPayoutStateConflict)
	}
	return nil
}

func (store *Store) ListDuePayouts(ctx context.Context, date time.Time) ([]points.CastPayout, error) {
	var rows []CastPayout
	err := store.db.WithContext(ctx).
		Where("status = ? AND scheduled_payout_date <= ?", points.PayoutScheduled.String(), date).
		Order("scheduled_payout_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	payouts := make([]points.CastPayout, 0, len(rows))
	for _, row := range rows {
		payout, err := mapPayout(row)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, payout)
	}
	return payouts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}
