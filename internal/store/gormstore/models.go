package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table.
type CreditAccount struct {
	UserID               string    `gorm:"primaryKey"`
	MonthlyCredits       int64     `gorm:"not null;default:0;check:chk_credit_accounts_monthly,monthly_credits >= 0"`
	PurchasedCredits     int64     `gorm:"not null;default:0;check:chk_credit_accounts_purchased,purchased_credits >= 0"`
	CreditsUsedThisMonth int64     `gorm:"not null;default:0"`
	TotalCreditsUsed     int64     `gorm:"not null;default:0"`
	LastResetAt          time.Time `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditEntry mirrors the credit_entries journal.
type CreditEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_credit_entries_user_created,priority:1;index:uniq_credit_entries_user_idempotency,unique,priority:1"`
	Type           string         `gorm:"not null"`
	Pool           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	ReferenceID    string         `gorm:"not null;default:''"`
	IdempotencyKey string         `gorm:"not null;index:uniq_credit_entries_user_idempotency,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_credit_entries_user_created,priority:2"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

func (entry *CreditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// CreditPurchase mirrors the credit_purchases table.
type CreditPurchase struct {
	PurchaseID       string     `gorm:"type:uuid;primaryKey"`
	UserID           string     `gorm:"not null;index:idx_credit_purchases_user"`
	PackID           string     `gorm:"not null"`
	PriceCents       int64      `gorm:"not null"`
	Credits          int64      `gorm:"not null"`
	BonusCredits     int64      `gorm:"not null"`
	TotalCredits     int64      `gorm:"not null"`
	PaymentReference string     `gorm:"not null;index:uniq_credit_purchases_payment_reference,unique"`
	Status           string     `gorm:"not null;index:idx_credit_purchases_status_created,priority:1"`
	CreatedAt        time.Time  `gorm:"not null;index:idx_credit_purchases_status_created,priority:2"`
	CompletedAt      *time.Time `gorm:""`
	ExpiredAt        *time.Time `gorm:""`
}

func (CreditPurchase) TableName() string { return "credit_purchases" }

func (purchase *CreditPurchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}

// CreditRefund mirrors the credit_refunds table. One refund per resource.
type CreditRefund struct {
	RefundID   string    `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index:idx_credit_refunds_user_created,priority:1"`
	ResourceID string    `gorm:"not null;index:uniq_credit_refunds_resource,unique"`
	FeedbackID string    `gorm:"not null"`
	Credits    int64     `gorm:"not null"`
	Reason     string    `gorm:"not null;default:''"`
	CreatedAt  time.Time `gorm:"not null;index:idx_credit_refunds_user_created,priority:2"`
}

func (CreditRefund) TableName() string { return "credit_refunds" }

// CreditReservation mirrors the credit_reservations table.
type CreditReservation struct {
	UserID        string    `gorm:"primaryKey"`
	ReservationID string    `gorm:"primaryKey"`
	Pool          string    `gorm:"not null"`
	Status        string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

// Subscriber mirrors the subscribers table owned by the account system.
type Subscriber struct {
	UserID                string     `gorm:"primaryKey"`
	Plan                  string     `gorm:"not null"`
	SubscriptionExpiresAt *time.Time `gorm:""`
}

func (Subscriber) TableName() string { return "subscribers" }

// GeneratedResource mirrors the generated_resources table owned by the generation pipeline.
type GeneratedResource struct {
	ResourceID string    `gorm:"primaryKey"`
	OwnerID    string    `gorm:"not null;index:idx_generated_resources_owner"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (GeneratedResource) TableName() string { return "generated_resources" }

// AutoMigrate creates or updates every table the store reads and writes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditAccount{},
		&CreditEntry{},
		&CreditPurchase{},
		&CreditRefund{},
		&CreditReservation{},
		&Subscriber{},
		&GeneratedResource{},
	)
}
