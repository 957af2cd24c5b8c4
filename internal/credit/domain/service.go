package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the transactional core that owns all write access to
// CreditAccount and CreditLedgerEntry.
type Service interface {
	// ConsumeCreditForRequest debits one unit from the persistent balance
	// and returns the remaining balance. Duplicate request ids return the
	// current balance without a new debit.
	ConsumeCreditForRequest(ctx context.Context, userID snowflake.ID, requestID, sessionID, toolName string) (int64, error)

	// ConsumeDailyCreditForRequest records one debit against the rolling
	// UTC-day quota and returns the remaining count for the day.
	ConsumeDailyCreditForRequest(ctx context.Context, userID snowflake.ID, requestID, sessionID, toolName string) (int64, error)

	// GetCreditState reports the persistent-balance snapshot.
	GetCreditState(ctx context.Context, userID snowflake.ID) (CreditState, error)

	// GetDailyCreditState reports the rolling-window quota snapshot.
	GetDailyCreditState(ctx context.Context, userID snowflake.ID) (DailyCreditState, error)

	// ApplyPurchaseCredits grants purchased units, idempotent by the
	// external payment event id.
	ApplyPurchaseCredits(ctx context.Context, req ApplyPurchaseRequest) (int64, error)

	// ApplyPurchaseCreditsInTx is ApplyPurchaseCredits running inside a
	// caller-owned transaction, for webhook processing that must commit
	// the event guard and the grant as one unit of work.
	ApplyPurchaseCreditsInTx(ctx context.Context, tx *gorm.DB, req ApplyPurchaseRequest) (int64, error)

	// GrantSignupCreditsInTx issues the one-time signup grant inside a
	// caller-owned transaction. Idempotent by the per-user grant key.
	GrantSignupCreditsInTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, units int64) error

	// ValidateFollowUp checks a follow-up message against the tool locked
	// for the paid session.
	ValidateFollowUp(ctx context.Context, userID snowflake.ID, sessionID, message string) error
}

// Repository isolates the SQL for accounts, ledger rows and billing sessions.
type Repository interface {
	FindAccountForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*CreditAccount, error)
	InsertAccount(ctx context.Context, tx *gorm.DB, account *CreditAccount) error
	UpdateAccountBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, balance int64, updatedAt time.Time) error

	FindLedgerEntryByKey(ctx context.Context, tx *gorm.DB, key string) (*CreditLedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, tx *gorm.DB, entry *CreditLedgerEntry) error
	SumDeltasByReason(ctx context.Context, db *gorm.DB, userID snowflake.ID) (map[LedgerReason]int64, error)
	CountRequestDebitsInWindow(ctx context.Context, tx *gorm.DB, userID snowflake.ID, from, to time.Time) (int64, error)

	FindBillingSession(ctx context.Context, db *gorm.DB, sessionID string) (*AssessmentBillingSession, error)
	InsertBillingSession(ctx context.Context, tx *gorm.DB, session *AssessmentBillingSession) error

	HasPaymentCustomer(ctx context.Context, db *gorm.DB, userID snowflake.ID) (bool, error)
}
