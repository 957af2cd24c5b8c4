package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CheckoutStatus tracks the lifecycle of a checkout attempt.
type CheckoutStatus string

const (
	CheckoutStatusCreated   CheckoutStatus = "created"
	CheckoutStatusCompleted CheckoutStatus = "completed"
)

// Customer maps an internal user to the external payment provider
// customer, created lazily on first checkout and cached thereafter.
type Customer struct {
	UserID             snowflake.ID `gorm:"primaryKey"`
	Provider           string       `gorm:"type:text;not null;default:stripe"`
	ProviderCustomerID string       `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt          time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "payment_customers" }

// CheckoutSession records one created checkout attempt.
type CheckoutSession struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	UserID            snowflake.ID   `gorm:"not null;index"`
	PackCode          string         `gorm:"type:text;not null"`
	Units             int64          `gorm:"not null"`
	AmountMinor       int64          `gorm:"not null"`
	Currency          string         `gorm:"type:text;not null"`
	ProviderSessionID string         `gorm:"type:text;not null;uniqueIndex"`
	Status            CheckoutStatus `gorm:"type:text;not null;default:created"`
	CreatedAt         time.Time      `gorm:"not null"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (CheckoutSession) TableName() string { return "payment_checkout_sessions" }

// WebhookEvent is the idempotency guard for webhook redelivery, keyed by
// the provider event id.
type WebhookEvent struct {
	ProviderEventID string    `gorm:"primaryKey;type:text"`
	Provider        string    `gorm:"type:text;not null;default:stripe"`
	EventType       string    `gorm:"type:text;not null"`
	PayloadHash     string    `gorm:"type:text;not null"`
	ProcessedAt     time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "payment_webhook_events" }

// CheckoutLink is the redirect handed back to the UI after creating a
// checkout session.
type CheckoutLink struct {
	CheckoutURL       string `json:"checkout_url"`
	CheckoutSessionID string `json:"checkout_session_id"`
}

// PortalLink is the redirect into the provider's billing portal.
type PortalLink struct {
	PortalURL string `json:"portal_url"`
}

// WebhookResult reports the outcome of one webhook delivery.
type WebhookResult struct {
	Processed bool   `json:"processed"`
	Status    string `json:"status"`
}

const (
	WebhookStatusProcessed        = "processed"
	WebhookStatusAlreadyProcessed = "already_processed"
	WebhookStatusIgnored          = "ignored"
)

// Service owns checkout, portal and webhook processing.
type Service interface {
	CreateCheckoutSession(ctx context.Context, userID snowflake.ID, email, packCode string) (CheckoutLink, error)
	CreatePortalSession(ctx context.Context, userID snowflake.ID, email string) (PortalLink, error)
	ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error)
}
