package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/complykit/complykit/internal/payment/domain"
	"gorm.io/gorm"
)

// Repository isolates the SQL for payment customers, checkout sessions
// and webhook event guards.
type Repository interface {
	FindCustomerByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Customer, error)
	InsertCustomer(ctx context.Context, tx *gorm.DB, customer *domain.Customer) error

	InsertCheckoutSession(ctx context.Context, tx *gorm.DB, session *domain.CheckoutSession) error
	MarkCheckoutCompleted(ctx context.Context, tx *gorm.DB, providerSessionID string, updatedAt time.Time) error

	FindWebhookEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, tx *gorm.DB, event *domain.WebhookEvent) error
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) FindCustomerByUserID(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := conn.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repo) InsertCustomer(ctx context.Context, tx *gorm.DB, customer *domain.Customer) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payment_customers (user_id, provider, provider_customer_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		customer.UserID,
		customer.Provider,
		customer.ProviderCustomerID,
		customer.CreatedAt,
	).Error
}

func (r *repo) InsertCheckoutSession(ctx context.Context, tx *gorm.DB, session *domain.CheckoutSession) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payment_checkout_sessions
		 (id, user_id, pack_code, units, amount_minor, currency, provider_session_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.UserID,
		session.PackCode,
		session.Units,
		session.AmountMinor,
		session.Currency,
		session.ProviderSessionID,
		session.Status,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) MarkCheckoutCompleted(ctx context.Context, tx *gorm.DB, providerSessionID string, updatedAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_checkout_sessions SET status = ?, updated_at = ?
		 WHERE provider_session_id = ?`,
		domain.CheckoutStatusCompleted,
		updatedAt,
		providerSessionID,
	).Error
}

func (r *repo) FindWebhookEvent(ctx context.Context, conn *gorm.DB, eventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := conn.WithContext(ctx).
		Where("provider_event_id = ?", eventID).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) InsertWebhookEvent(ctx context.Context, tx *gorm.DB, event *domain.WebhookEvent) error {
	return tx.WithContext(ctx).Create(event).Error
}
