package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Guest represents the guests table.
type Guest struct {
	GuestID     string    `gorm:"type:uuid;primaryKey"`
	Points      int64     `gorm:"not null"`
	GradePoints int64     `gorm:"not null"`
	Grade       string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Guest) TableName() string { return "guests" }

func (guest *Guest) BeforeCreate(tx *gorm.DB) error {
	if guest.GuestID == "" {
		guest.GuestID = uuid.NewString()
	}
	return nil
}

// Cast represents the casts table.
type Cast struct {
	CastID          string    `gorm:"type:uuid;primaryKey"`
	Points          int64     `gorm:"not null"`
	GradePoints     int64     `gorm:"not null"`
	Grade           string    `gorm:"not null"`
	PayoutAccountID string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Cast) TableName() string { return "casts" }

func (cast *Cast) BeforeCreate(tx *gorm.DB) error {
	if cast.CastID == "" {
		cast.CastID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the slice of the reservations table the settlement
// core reads and closes.
type Reservation struct {
	ReservationID string     `gorm:"type:uuid;primaryKey"`
	GuestID       string     `gorm:"type:uuid;not null;index"`
	CastID        string     `gorm:"type:uuid;not null;index"`
	ScheduledAt   *time.Time `gorm:""`
	DurationHours int        `gorm:"not null"`
	StartedAt     *time.Time `gorm:"index:idx_reservations_running,priority:1"`
	EndedAt       *time.Time `gorm:"index:idx_reservations_running,priority:2"`
	PointsEarned  int64      `gorm:"not null"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// PointTransaction mirrors the point_transactions table. Rows are append
// only; the single mutable column is cast_payout_id, written exactly once by
// the monthly closer.
type PointTransaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	GuestID       *string   `gorm:"type:uuid;index:idx_transactions_guest_created,priority:1"`
	CastID        *string   `gorm:"type:uuid;index:idx_transactions_cast_created,priority:1"`
	Type          string    `gorm:"type:point_transaction_type;not null"`
	Amount        int64     `gorm:"not null"`
	ReservationID *string   `gorm:"type:uuid;index"`
	PaymentID     *string   `gorm:""`
	CastPayoutID  *string   `gorm:"type:uuid;index"`
	Description   string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_guest_created,priority:2;index:idx_transactions_cast_created,priority:2"`
}

func (PointTransaction) TableName() string { return "point_transactions" }

func (transaction *PointTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CastPayout mirrors the cast_payouts table.
type CastPayout struct {
	PayoutID            string          `gorm:"type:uuid;primaryKey"`
	CastID              string          `gorm:"type:uuid;not null;index"`
	Type                string          `gorm:"type:cast_payout_type;not null"`
	ClosingMonth        string          `gorm:"not null;index"`
	PeriodStart         time.Time       `gorm:"not null"`
	PeriodEnd           time.Time       `gorm:"not null"`
	TotalPoints         int64           `gorm:"not null"`
	ConversionRate      decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	GrossAmountYen      int64           `gorm:"not null"`
	FeeRate             decimal.Decimal `gorm:"type:numeric(6,4);not null"`
	FeeAmountYen        int64           `gorm:"not null"`
	NetAmountYen        int64           `gorm:"not null"`
	TransactionCount    int64           `gorm:"not null"`
	Status              string          `gorm:"type:cast_payout_status;not null;index:idx_payouts_status_date,priority:1"`
	ScheduledPayoutDate time.Time       `gorm:"not null;index:idx_payouts_status_date,priority:2"`
	ProviderRef         string          `gorm:"not null"`
	PaidAt              *time.Time      `gorm:""`
	Metadata            datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt           time.Time       `gorm:"not null"`
	UpdatedAt           time.Time       `gorm:"not null"`
}

func (CastPayout) TableName() string { return "cast_payouts" }
