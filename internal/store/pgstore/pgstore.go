// Package pgstore implements points.Store directly on pgx for deployments
// that manage their own schema and want plain SQL instead of GORM.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aoyamalab/castledger/pkg/points"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectGuest     = "guest"
	errorSubjectCast      = "cast"
	errorSubjectPayout    = "payout"
	errorSubjectTx        = "transaction"
	errorSubjectRes       = "reservation"
	errorCodeAdjust       = "adjust"
	errorCodeBegin        = "begin"
	errorCodeClose        = "close"
	errorCodeCommit       = "commit"
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

	sqlInsertTransaction = `
		insert into point_transactions(
			transaction_id, guest_id, cast_id, type, amount,
			reservation_id, payment_id, cast_payout_id, description, created_at
		)
		values(gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning transaction_id::text
	`

	sqlSumByTypes = `
		select coalesce(sum(amount),0) from point_transactions
		where %OWNER% = $1 and type = any($2)
		and ($3::timestamptz is null or created_at >= $3)
		and ($4::timestamptz is null or created_at <= $4)
	`

	sqlSelectTransaction = `
		select
			transaction_id::text,
			guest_id::text,
			cast_id::text,
			type::text,
			amount,
			reservation_id::text,
			payment_id,
			cast_payout_id::text,
			description,
			created_at
		from point_transactions
	`

	sqlFindPendingByReservation = sqlSelectTransaction + `
		where reservation_id = $1
		and type in ('pending','exceeded_pending','refund')
		order by created_at asc
	`

	sqlHasTransferWithGuest = `
		select count(*) from point_transactions
		where reservation_id = $1 and type = 'transfer' and guest_id is not null
	`

	sqlHasTransferWithoutGuest = `
		select count(*) from point_transactions
		where reservation_id = $1 and type = 'transfer' and guest_id is null
	`

	sqlListTransactions = sqlSelectTransaction + `
		where %OWNER% = $1 and created_at < $2
		order by created_at desc
		limit $3
	`

	sqlListByTypeBefore = sqlSelectTransaction + `
		where type = $1 and created_at < $2
		order by created_at asc
	`

	sqlSelectReservation = `
		select
			reservation_id::text, guest_id::text, cast_id::text,
			scheduled_at, duration_hours, started_at, ended_at, points_earned
		from reservations
		where reservation_id = $1
	`

	sqlListRunningReservations = `
		select
			reservation_id::text, guest_id::text, cast_id::text,
			scheduled_at, duration_hours, started_at, ended_at, points_earned
		from reservations
		where started_at is not null and ended_at is null
		order by started_at asc
	`

	sqlCloseReservation = `
		update reservations
		set ended_at = $2, points_earned = $3, updated_at = now()
		where reservation_id = $1 and ended_at is null
	`

	sqlSelectGuest = `
		select guest_id::text, points, grade_points, grade::text
		from guests
		where guest_id = $1
	`

	sqlListGuests = `
		select guest_id::text, points, grade_points, grade::text
		from guests
		order by guest_id asc
	`

	sqlAdjustGuestBalance = `
		update guests
		set points = points + $2, grade_points = grade_points + $3, updated_at = now()
		where guest_id = $1
	`

	sqlResetGuestGrade = `
		update guests
		set grade_points = 0, grade = $2, updated_at = now()
		where guest_id = $1
	`

	sqlSelectCast = `
		select cast_id::text, points, grade_points, grade::text, payout_account_id
		from casts
		where cast_id = $1
	`

	sqlListCasts = `
		select cast_id::text, points, grade_points, grade::text, payout_account_id
		from casts
		order by cast_id asc
	`

	sqlAdjustCastBalance = `
		update casts
		set points = points + $2, grade_points = grade_points + $3, updated_at = now()
		where cast_id = $1
	`

	sqlResetCastGrade = `
		update casts
		set points = 0, grade = $2, updated_at = now()
		where cast_id = $1
	`

	sqlListUntaggedTransferCasts = `
		select distinct cast_id::text from point_transactions
		where type = 'transfer' and cast_payout_id is null
		and cast_id is not null and created_at <= $1
		order by cast_id asc
	`

	sqlTagTransfers = `
		update point_transactions
		set cast_payout_id = $3
		where cast_id = $1 and type = 'transfer'
		and cast_payout_id is null and created_at <= $2
	`

	sqlSumTagged = `
		select coalesce(sum(amount),0) from point_transactions
		where cast_payout_id = $1
	`

	sqlInsertPayout = `
		insert into cast_payouts(
			payout_id, cast_id, type, closing_month, period_start, period_end,
			total_points, conversion_rate, gross_amount_yen, fee_rate,
			fee_amount_yen, net_amount_yen, transaction_count, status,
			scheduled_payout_date, provider_ref, paid_at, metadata, created_at, updated_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10::numeric,
			$11, $12, $13, $14, $15, $16, $17, $18::jsonb, $19, now()
		)
	`

	sqlSelectPayout = `
		select
			payout_id::text, cast_id::text, type::text, closing_month,
			period_start, period_end, total_points,
			conversion_rate::text, gross_amount_yen, fee_rate::text,
			fee_amount_yen, net_amount_yen, transaction_count, status::text,
			scheduled_payout_date, provider_ref, paid_at,
			coalesce(metadata::text,'{}'), created_at
		from cast_payouts
	`

	sqlGetPayout = sqlSelectPayout + `
		where payout_id = $1
	`

	sqlUpdatePayoutStatus = `
		update cast_payouts
		set status = $3,
			provider_ref = coalesce($4, provider_ref),
			paid_at = coalesce($5, paid_at),
			metadata = metadata || $6::jsonb,
			updated_at = now()
		where payout_id = $1 and status = $2
	`

	sqlListDuePayouts = sqlSelectPayout + `
		where status = 'scheduled' and scheduled_payout_date <= $1
		order by scheduled_payout_date asc
	`

	forUpdateSuffix = ` for update`
)

// dbConn is the slice of pgx shared by pgxpool.Pool and pgx.Tx.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements points.Store on a pgx pool. Inside WithTx all calls run
// on the open transaction.
type Store struct {
	conn dbConn
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{conn: pool, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input points.TransactionInput) (string, error) {
	createdAt := input.CreatedAt().UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var transactionID string
	err := store.conn.QueryRow(ctx, sqlInsertTransaction,
		input.GuestID(),
		input.CastID(),
		input.Type().String(),
		input.Amount().Int64(),
		input.ReservationID(),
		input.PaymentID(),
		input.CastPayoutID(),
		input.Description(),
		createdAt,
	).Scan(&transactionID)
	if err != nil {
		return "", wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return transactionID, nil
}

func ownerSQL(template string, owner points.OwnerRef) string {
	column := "guest_id"
	if owner.Kind == points.OwnerCast {
		column = "cast_id"
	}
	return strings.Replace(template, "%OWNER%", column, 1)
}

func (store *Store) SumByTypes(ctx context.Context, owner points.OwnerRef, types []points.TransactionType, window *points.TimeRange) (int64, error) {
	typeNames := make([]string, 0, len(types))
	for _, transactionType := range types {
		typeNames = append(typeNames, transactionType.String())
	}
	var from, to *time.Time
	if window != nil {
		if !window.From.IsZero() {
			from = &window.From
		}
		if !window.To.IsZero() {
			to = &window.To
		}
	}
	var sum int64
	err := store.conn.QueryRow(ctx, ownerSQL(sqlSumByTypes, owner), owner.ID, typeNames, from, to).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) FindPendingByReservation(ctx context.Context, reservationID string) ([]points.PointTransaction, error) {
	rows, err := store.conn.Query(ctx, sqlFindPendingByReservation, reservationID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (store *Store) HasTransferForReservation(ctx context.Context, reservationID string, withGuest bool) (bool, error) {
	query := sqlHasTransferWithoutGuest
	if withGuest {
		query = sqlHasTransferWithGuest
	}
	var count int64
	if err := store.conn.QueryRow(ctx, query, reservationID).Scan(&count); err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) ListTransactions(ctx context.Context, owner points.OwnerRef, before time.Time, limit int) ([]points.PointTransaction, error) {
	rows, err := store.conn.Query(ctx, ownerSQL(sqlListTransactions, owner), owner.ID, before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (store *Store) ListExceededPendingBefore(ctx context.Context, cutoff time.Time) ([]points.PointTransaction, error) {
	return store.listByTypeBefore(ctx, points.TransactionExceededPending, cutoff)
}

func (store *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]points.PointTransaction, error) {
	return store.listByTypeBefore(ctx, points.TransactionPending, cutoff)
}

func (store *Store) listByTypeBefore(ctx context.Context, transactionType points.TransactionType, cutoff time.Time) ([]points.PointTransaction, error) {
	rows, err := store.conn.Query(ctx, sqlListByTypeBefore, transactionType.String(), cutoff)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (store *Store) GetReservation(ctx context.Context, reservationID string, forUpdate bool) (points.Reservation, error) {
	query := sqlSelectReservation
	if forUpdate {
		query += forUpdateSuffix
	}
	var (
		reservation  points.Reservation
		pointsEarned int64
	)
	err := store.conn.QueryRow(ctx, query, reservationID).Scan(
		&reservation.ID,
		&reservation.GuestID,
		&reservation.CastID,
		&reservation.ScheduledAt,
		&reservation.DurationHours,
		&reservation.StartedAt,
		&reservation.EndedAt,
		&pointsEarned,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, points.ErrUnknownReservation)
		}
		return points.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, err)
	}
	reservation.PointsEarned = points.Points(pointsEarned)
	return reservation, nil
}

func (store *Store) ListRunningReservations(ctx context.Context) ([]points.Reservation, error) {
	rows, err := store.conn.Query(ctx, sqlListRunningReservations)
	if err != nil {
		return nil, wrapStoreError(errorSubjectRes, errorCodeList, err)
	}
	defer rows.Close()
	reservations := make([]points.Reservation, 0)
	for rows.Next() {
		var (
			reservation  points.Reservation
			pointsEarned int64
		)
		err := rows.Scan(
			&reservation.ID,
			&reservation.GuestID,
			&reservation.CastID,
			&reservation.ScheduledAt,
			&reservation.DurationHours,
			&reservation.StartedAt,
			&reservation.EndedAt,
			&pointsEarned,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
		}
		reservation.PointsEarned = points.Points(pointsEarned)
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectRes, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) CloseReservation(ctx context.Context, reservationID string, endedAt time.Time, pointsEarned points.Points) error {
	tag, err := store.conn.Exec(ctx, sqlCloseReservation, reservationID, endedAt.UTC(), pointsEarned.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectRes, errorCodeClose, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRes, errorCodeClose, points.ErrReservationClosed)
	}
	return nil
}

func (store *Store) GetGuest(ctx context.Context, guestID string, forUpdate bool) (points.Guest, error) {
	query := sqlSelectGuest
	if forUpdate {
		query += forUpdateSuffix
	}
	guest, err := scanGuest(store.conn.QueryRow(ctx, query, guestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.Guest{}, wrapStoreError(errorSubjectGuest, errorCodeGet, points.ErrUnknownGuest)
		}
		return points.Guest{}, wrapStoreError(errorSubjectGuest, errorCodeGet, err)
	}
	return guest, nil
}

func (store *Store) GetCast(ctx context.Context, castID string, forUpdate bool) (points.Cast, error) {
	query := sqlSelectCast
	if forUpdate {
		query += forUpdateSuffix
	}
	cast, err := scanCast(store.conn.QueryRow(ctx, query, castID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.Cast{}, wrapStoreError(errorSubjectCast, errorCodeGet, points.ErrUnknownCast)
		}
		return points.Cast{}, wrapStoreError(errorSubjectCast, errorCodeGet, err)
	}
	return cast, nil
}

func (store *Store) AdjustGuestBalance(ctx context.Context, guestID string, pointsDelta int64, gradePointsDelta int64) error {
	tag, err := store.conn.Exec(ctx, sqlAdjustGuestBalance, guestID, pointsDelta, gradePointsDelta)
	if err != nil {
		return wrapStoreError(errorSubjectGuest, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGuest, errorCodeAdjust, points.ErrUnknownGuest)
	}
	return nil
}

func (store *Store) AdjustCastBalance(ctx context.Context, castID string, pointsDelta int64, gradePointsDelta int64) error {
	tag, err := store.conn.Exec(ctx, sqlAdjustCastBalance, castID, pointsDelta, gradePointsDelta)
	if err != nil {
		return wrapStoreError(errorSubjectCast, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCast, errorCodeAdjust, points.ErrUnknownCast)
	}
	return nil
}

func (store *Store) ListGuests(ctx context.Context) ([]points.Guest, error) {
	rows, err := store.conn.Query(ctx, sqlListGuests)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGuest, errorCodeList, err)
	}
	defer rows.Close()
	guests := make([]points.Guest, 0)
	for rows.Next() {
		guest, err := scanGuest(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGuest, errorCodeInvalid, err)
		}
		guests = append(guests, guest)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGuest, errorCodeList, err)
	}
	return guests, nil
}

func (store *Store) ListCasts(ctx context.Context) ([]points.Cast, error) {
	rows, err := store.conn.Query(ctx, sqlListCasts)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCast, errorCodeList, err)
	}
	defer rows.Close()
	casts := make([]points.Cast, 0)
	for rows.Next() {
		cast, err := scanCast(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCast, errorCodeInvalid, err)
		}
		casts = append(casts, cast)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCast, errorCodeList, err)
	}
	return casts, nil
}

func (store *Store) ResetGuestGrade(ctx context.Context, guestID string, grade points.Grade) error {
	tag, err := store.conn.Exec(ctx, sqlResetGuestGrade, guestID, grade.String())
	if err != nil {
		return wrapStoreError(errorSubjectGuest, errorCodeReset, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGuest, errorCodeReset, points.ErrUnknownGuest)
	}
	return nil
}

func (store *Store) ResetCastGrade(ctx context.Context, castID string, grade points.Grade) error {
	tag, err := store.conn.Exec(ctx, sqlResetCastGrade, castID, grade.String())
	if err != nil {
		return wrapStoreError(errorSubjectCast, errorCodeReset, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCast, errorCodeReset, points.ErrUnknownCast)
	}
	return nil
}

func (store *Store) ListCastIDsWithUntaggedTransfers(ctx context.Context, periodEnd time.Time) ([]string, error) {
	rows, err := store.conn.Query(ctx, sqlListUntaggedTransferCasts, periodEnd)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	castIDs := make([]string, 0)
	for rows.Next() {
		var castID string
		if err := rows.Scan(&castID); err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		castIDs = append(castIDs, castID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return castIDs, nil
}

func (store *Store) TagTransfersWithPayout(ctx context.Context, castID string, periodEnd time.Time, payoutID string) (int64, int64, error) {
	tag, err := store.conn.Exec(ctx, sqlTagTransfers, castID, periodEnd, payoutID)
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectTx, errorCodeTag, err)
	}
	var total int64
	if err := store.conn.QueryRow(ctx, sqlSumTagged, payoutID).Scan(&total); err != nil {
		return 0, 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return tag.RowsAffected(), total, nil
}

func (store *Store) CreatePayout(ctx context.Context, payout points.CastPayout) (string, error) {
	metadata, err := metadataJSON(payout.Metadata)
	if err != nil {
		return "", wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	_, err = store.conn.Exec(ctx, sqlInsertPayout,
		payout.ID,
		payout.CastID,
		payout.Type.String(),
		payout.ClosingMonth,
		payout.PeriodStart.UTC(),
		payout.PeriodEnd.UTC(),
		payout.TotalPoints.Int64(),
		payout.ConversionRate.String(),
		payout.GrossAmountYen,
		payout.FeeRate.String(),
		payout.FeeAmountYen,
		payout.NetAmountYen,
		payout.TransactionCount,
		payout.Status.String(),
		payout.ScheduledPayoutDate.UTC(),
		payout.ProviderRef,
		payout.PaidAt,
		metadata,
		payout.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return "", wrapStoreError(errorSubjectPayout, errorCodeDuplicate, err)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectPayout, errorCodeCreate, err)
	}
	return payout.ID, nil
}

func (store *Store) GetPayout(ctx context.Context, payoutID string, forUpdate bool) (points.CastPayout, error) {
	query := sqlGetPayout
	if forUpdate {
		query += forUpdateSuffix
	}
	payout, err := scanPayout(store.conn.QueryRow(ctx, query, payoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, points.ErrUnknownPayout)
		}
		return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, err)
	}
	return payout, nil
}

func (store *Store) UpdatePayoutStatus(ctx context.Context, payoutID string, from points.PayoutStatus, to points.PayoutStatus, patch points.PayoutPatch) error {
	metadata, err := metadataJSON(patch.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	tag, err := store.conn.Exec(ctx, sqlUpdatePayoutStatus,
		payoutID,
		from.String(),
		to.String(),
		patch.ProviderRef,
		patch.PaidAt,
		metadata,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdateStatus, points.ErrPayoutStateConflict)
	}
	return nil
}

func (store *Store) ListDuePayouts(ctx context.Context, date time.Time) ([]points.CastPayout, error) {
	rows, err := store.conn.Query(ctx, sqlListDuePayouts, date)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	defer rows.Close()
	payouts := make([]points.CastPayout, 0)
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
		}
		payouts = append(payouts, payout)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	return payouts, nil
}

func scanTransactions(rows pgx.Rows) ([]points.PointTransaction, error) {
	transactions := make([]points.PointTransaction, 0)
	for rows.Next() {
		var (
			transaction points.PointTransaction
			typeName    string
			amount      int64
		)
		err := rows.Scan(
			&transaction.ID,
			&transaction.GuestID,
			&transaction.CastID,
			&typeName,
			&amount,
			&transaction.ReservationID,
			&transaction.PaymentID,
			&transaction.CastPayoutID,
			&transaction.Description,
			&transaction.CreatedAt,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactionType, err := points.ParseTransactionType(typeName)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transaction.Type = transactionType
		transaction.Amount = points.Points(amount)
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return transactions, nil
}

func scanGuest(row pgx.Row) (points.Guest, error) {
	var (
		guest     points.Guest
		gradeName string
	)
	if err := row.Scan(&guest.ID, &guest.Points, &guest.GradePoints, &gradeName); err != nil {
		return points.Guest{}, err
	}
	grade, err := points.ParseGrade(gradeName)
	if err != nil {
		return points.Guest{}, err
	}
	guest.Grade = grade
	return guest, nil
}

func scanCast(row pgx.Row) (points.Cast, error) {
	var (
		cast      points.Cast
		gradeName string
	)
	if err := row.Scan(&cast.ID, &cast.Points, &cast.GradePoints, &gradeName, &cast.PayoutAccountID); err != nil {
		return points.Cast{}, err
	}
	grade, err := points.ParseGrade(gradeName)
	if err != nil {
		return points.Cast{}, err
	}
	cast.Grade = grade
	return cast, nil
}

func scanPayout(row pgx.Row) (points.CastPayout, error) {
	var (
		payout         points.CastPayout
		typeName       string
		statusName     string
		totalPoints    int64
		conversionRate string
		feeRate        string
		metadataText   string
	)
	err := row.Scan(
		&payout.ID,
		&payout.CastID,
		&typeName,
		&payout.ClosingMonth,
		&payout.PeriodStart,
		&payout.PeriodEnd,
		&totalPoints,
		&conversionRate,
		&payout.GrossAmountYen,
		&feeRate,
		&payout.FeeAmountYen,
		&payout.NetAmountYen,
		&payout.TransactionCount,
		&statusName,
		&payout.ScheduledPayoutDate,
		&payout.ProviderRef,
		&payout.PaidAt,
		&metadataText,
		&payout.CreatedAt,
	)
	if err != nil {
		return points.CastPayout{}, err
	}
	payoutType, err := points.ParsePayoutType(typeName)
	if err != nil {
		return points.CastPayout{}, err
	}
	status, err := points.ParsePayoutStatus(statusName)
	if err != nil {
		return points.CastPayout{}, err
	}
	parsedConversionRate, err := decimal.NewFromString(conversionRate)
	if err != nil {
		return points.CastPayout{}, err
	}
	parsedFeeRate, err := decimal.NewFromString(feeRate)
	if err != nil {
		return points.CastPayout{}, err
	}
	metadata := map[string]string{}
	if err := json.Unmarshal([]byte(metadataText), &metadata); err != nil {
		return points.CastPayout{}, err
	}
	payout.Type = payoutType
	payout.Status = status
	payout.TotalPoints = points.Points(totalPoints)
	payout.ConversionRate = parsedConversionRate
	payout.FeeRate = parsedFeeRate
	payout.Metadata = metadata
	return payout, nil
}

func metadataJSON(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}
