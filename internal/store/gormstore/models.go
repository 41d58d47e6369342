package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountBalance mirrors the account_balances table.
type AccountBalance struct {
	UserID           string     `gorm:"primaryKey"`
	TotalCredits     int64      `gorm:"not null;default:0;check:chk_balance_total,total_credits = used_credits + remaining_credits"`
	UsedCredits      int64      `gorm:"not null;default:0;check:chk_balance_used,used_credits >= 0"`
	RemainingCredits int64      `gorm:"not null;default:0;check:chk_balance_remaining,remaining_credits >= 0"`
	LastPaymentAt    *time.Time `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	Sequence      int64          `gorm:"primaryKey;autoIncrement;index:idx_credit_transactions_user_sequence,priority:2"`
	TransactionID string         `gorm:"type:uuid;not null;uniqueIndex:uniq_credit_transaction_id"`
	UserID        string         `gorm:"not null;index:idx_credit_transactions_user_sequence,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null;check:chk_credit_amount,amount > 0"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Reason        string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// PaymentTransaction mirrors the payment_transactions table. Absent external ids are stored as NULL
// so the unique indexes only constrain present values.
type PaymentTransaction struct {
	PaymentID               string     `gorm:"type:uuid;primaryKey"`
	ExternalSessionID       *string    `gorm:"uniqueIndex:uniq_payment_session"`
	ExternalPaymentIntentID *string    `gorm:"uniqueIndex:uniq_payment_intent"`
	UserID                  string     `gorm:"not null;index:idx_payment_transactions_user"`
	PlanID                  string     `gorm:"not null"`
	Amount                  int64      `gorm:"not null"`
	Currency                string     `gorm:"not null"`
	CreditsAdded            int64      `gorm:"not null"`
	Status                  string     `gorm:"not null"`
	CreatedAt               time.Time  `gorm:"not null"`
	CompletedAt             *time.Time `gorm:""`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

func (payment *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// GeneratedContent mirrors the generated_content table.
type GeneratedContent struct {
	ContentID   string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;uniqueIndex:uniq_generated_content_key,priority:1"`
	ContentHash string         `gorm:"not null;uniqueIndex:uniq_generated_content_key,priority:2"`
	Platform    string         `gorm:"not null;uniqueIndex:uniq_generated_content_key,priority:3"`
	Content     string         `gorm:"type:text;not null"`
	Metadata    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (GeneratedContent) TableName() string { return "generated_content" }

func (content *GeneratedContent) BeforeCreate(tx *gorm.DB) error {
	if content.ContentID == "" {
		content.ContentID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&AccountBalance{}, &CreditTransaction{}, &PaymentTransaction{}, &GeneratedContent{}}
}
