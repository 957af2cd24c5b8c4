package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/complykit/complykit/internal/credit/domain"
	"github.com/complykit/complykit/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccountForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.CreditAccount, error) {
	var account domain.CreditAccount
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) InsertAccount(ctx context.Context, tx *gorm.DB, account *domain.CreditAccount) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (user_id, balance_units, updated_at)
		 VALUES (?, ?, ?)`,
		account.UserID,
		account.BalanceUnits,
		account.UpdatedAt,
	).Error
}

func (r *repo) UpdateAccountBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, balance int64, updatedAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_accounts SET balance_units = ?, updated_at = ? WHERE user_id = ?`,
		balance,
		updatedAt,
		userID,
	).Error
}

func (r *repo) FindLedgerEntryByKey(ctx context.Context, tx *gorm.DB, key string) (*domain.CreditLedgerEntry, error) {
	var entry domain.CreditLedgerEntry
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) InsertLedgerEntry(ctx context.Context, tx *gorm.DB, entry *domain.CreditLedgerEntry) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *repo) SumDeltasByReason(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (map[domain.LedgerReason]int64, error) {
	type row struct {
		Reason domain.LedgerReason
		Total  int64
	}
	var rows []row
	err := conn.WithContext(ctx).Raw(
		`SELECT reason, COALESCE(SUM(delta_units), 0) AS total
		 FROM credit_ledger_entries
		 WHERE user_id = ?
		 GROUP BY reason`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := make(map[domain.LedgerReason]int64, len(rows))
	for _, r := range rows {
		sums[r.Reason] = r.Total
	}
	return sums, nil
}

func (r *repo) CountRequestDebitsInWindow(ctx context.Context, tx *gorm.DB, userID snowflake.ID, from, to time.Time) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM credit_ledger_entries
		 WHERE user_id = ? AND reason = ? AND created_at >= ? AND created_at < ?`,
		userID,
		domain.ReasonRequestDebit,
		from,
		to,
	).Scan(&count).Error
	return count, err
}

func (r *repo) FindBillingSession(ctx context.Context, conn *gorm.DB, sessionID string) (*domain.AssessmentBillingSession, error) {
	var session domain.AssessmentBillingSession
	err := conn.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *repo) InsertBillingSession(ctx context.Context, tx *gorm.DB, session *domain.AssessmentBillingSession) error {
	return tx.WithContext(ctx).Create(session).Error
}

func (r *repo) HasPaymentCustomer(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payment_customers WHERE user_id = ?`,
		userID,
	).Scan(&count).Error
	return count > 0, err
}
