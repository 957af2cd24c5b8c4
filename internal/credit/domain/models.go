package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerReason classifies every balance-affecting event.
type LedgerReason string

const (
	ReasonFreeGrant    LedgerReason = "FREE_GRANT"
	ReasonPurchase     LedgerReason = "PURCHASE"
	ReasonRequestDebit LedgerReason = "REQUEST_DEBIT"
	ReasonAdjustment   LedgerReason = "ADJUSTMENT"
	ReasonRefund       LedgerReason = "REFUND"
)

// BillingSessionStatus tracks the lifecycle of a paid assessment session.
type BillingSessionStatus string

const (
	BillingSessionStatusActive BillingSessionStatus = "active"
	BillingSessionStatusClosed BillingSessionStatus = "closed"
)

// CreditAccount holds the current unit balance for one user.
type CreditAccount struct {
	UserID       snowflake.ID `gorm:"primaryKey"`
	BalanceUnits int64        `gorm:"not null;default:0"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditLedgerEntry is one immutable row per balance-affecting event.
// Entries are append-only; the running sum of deltas for a user always
// equals that user's current balance.
type CreditLedgerEntry struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	UserID          snowflake.ID      `gorm:"not null;index"`
	DeltaUnits      int64             `gorm:"not null"`
	Reason          LedgerReason      `gorm:"type:text;not null;index"`
	SessionID       *string           `gorm:"type:text"`
	RequestID       *string           `gorm:"type:text"`
	ExternalEventID *string           `gorm:"type:text"`
	IdempotencyKey  *string           `gorm:"type:text;uniqueIndex"`
	BalanceAfter    *int64            ``
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;index"`
}

// TableName sets the database table name.
func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }

// AssessmentBillingSession binds one paid assessment session to its
// debited ledger entry and the canonical tool locked for the session.
// At most one row exists per external session id; the canonical tool
// is immutable once written.
type AssessmentBillingSession struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	SessionID     string               `gorm:"type:text;not null;uniqueIndex"`
	UserID        snowflake.ID         `gorm:"not null;index"`
	LedgerEntryID snowflake.ID         `gorm:"not null"`
	CanonicalTool string               `gorm:"type:text;not null"`
	Status        BillingSessionStatus `gorm:"type:text;not null;default:active"`
	CreatedAt     time.Time            `gorm:"not null"`
}

// TableName sets the database table name.
func (AssessmentBillingSession) TableName() string { return "assessment_billing_sessions" }

// CreditState is the read-only balance snapshot for the persistent model.
type CreditState struct {
	BalanceUnits       int64 `json:"balance_units"`
	FreeRemaining      int64 `json:"free_remaining"`
	PaidRemaining      int64 `json:"paid_remaining"`
	CanRun             bool  `json:"can_run"`
	HasPaymentCustomer bool  `json:"has_payment_customer"`
}

// DailyCreditState is the quota snapshot for the rolling-window model.
type DailyCreditState struct {
	DailyLimit       int64     `json:"daily_limit"`
	UsedToday        int64     `json:"used_today"`
	CreditsLeftToday int64     `json:"credits_left_today"`
	CanRunRequest    bool      `json:"can_run_request"`
	ResetsAtUTC      time.Time `json:"resets_at_utc"`
}

// ApplyPurchaseRequest grants purchased units from a verified payment event.
type ApplyPurchaseRequest struct {
	UserID            snowflake.ID
	Units             int64
	ExternalEventID   string
	CheckoutSessionID string
}
