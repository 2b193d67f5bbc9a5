package gormstore

import (
	"encoding/json"
	"errors"

	"github.com/aoyamalab/castledger/pkg/points"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func mapTransactions(rows []PointTransaction) ([]points.PointTransaction, error) {
	transactions := make([]points.PointTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row PointTransaction) (points.PointTransaction, error) {
	transactionType, err := points.ParseTransactionType(row.Type)
	if err != nil {
		return points.PointTransaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return points.PointTransaction{
		ID:            row.TransactionID,
		GuestID:       row.GuestID,
		CastID:        row.CastID,
		Type:          transactionType,
		Amount:        points.Points(row.Amount),
		ReservationID: row.ReservationID,
		PaymentID:     row.PaymentID,
		CastPayoutID:  row.CastPayoutID,
		Description:   row.Description,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func mapReservation(row Reservation) points.Reservation {
	return points.Reservation{
		ID:            row.ReservationID,
		GuestID:       row.GuestID,
		CastID:        row.CastID,
		ScheduledAt:   row.ScheduledAt,
		DurationHours: row.DurationHours,
		StartedAt:     row.StartedAt,
		EndedAt:       row.EndedAt,
		PointsEarned:  points.Points(row.PointsEarned),
	}
}

func mapGuest(row Guest) (points.Guest, error) {
	grade, err := points.ParseGrade(row.Grade)
	if err != nil {
		return points.Guest{}, wrapStoreError(errorSubjectGuest, errorCodeInvalid, err)
	}
	return points.Guest{
		ID:          row.GuestID,
		Points:      row.Points,
		GradePoints: row.GradePoints,
		Grade:       grade,
	}, nil
}

func mapCast(row Cast) (points.Cast, error) {
	grade, err := points.ParseGrade(row.Grade)
	if err != nil {
		return points.Cast{}, wrapStoreError(errorSubjectCast, errorCodeInvalid, err)
	}
	return points.Cast{
		ID:              row.CastID,
		Points:          row.Points,
		GradePoints:     row.GradePoints,
		Grade:           grade,
		PayoutAccountID: row.PayoutAccountID,
	}, nil
}

func mapPayout(row CastPayout) (points.CastPayout, error) {
	payoutType, err := points.ParsePayoutType(row.Type)
	if err != nil {
		return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	status, err := points.ParsePayoutStatus(row.Status)
	if err != nil {
		return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	metadata := map[string]string{}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return points.CastPayout{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
		}
	}
	return points.CastPayout{
		ID:                  row.PayoutID,
		CastID:              row.CastID,
		Type:                payoutType,
		ClosingMonth:        row.ClosingMonth,
		PeriodStart:         row.PeriodStart,
		PeriodEnd:           row.PeriodEnd,
		TotalPoints:         points.Points(row.TotalPoints),
		ConversionRate:      row.ConversionRate,
		GrossAmountYen:      row.GrossAmountYen,
		FeeRate:             row.FeeRate,
		FeeAmountYen:        row.FeeAmountYen,
		NetAmountYen:        row.NetAmountYen,
		TransactionCount:    row.TransactionCount,
		Status:              status,
		ScheduledPayoutDate: row.ScheduledPayoutDate,
		ProviderRef:         row.ProviderRef,
		PaidAt:              row.PaidAt,
		Metadata:            metadata,
		CreatedAt:           row.CreatedAt,
	}, nil
}

func metadataJSON(metadata map[string]string) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
