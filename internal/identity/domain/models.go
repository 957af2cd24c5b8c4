package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidSubject = errors.New("auth subject is required")
	ErrNotFound       = errors.New("user not found")
)

// User is one authenticated human. The auth subject is the durable key;
// email is refreshed on every login. FreeCreditsGrantedAt transitions
// from null to non-null exactly once.
type User struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	AuthSubject          string       `gorm:"type:text;not null;uniqueIndex"`
	Email                string       `gorm:"type:text;not null"`
	FreeCreditsGrantedAt *time.Time   ``
	CreatedAt            time.Time    `gorm:"not null"`
	UpdatedAt            time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (User) TableName() string { return "billing_users" }

// UserRef is the resolved identity handed to request handlers.
type UserRef struct {
	ID    snowflake.ID
	Email string
}

// Service resolves inbound identities to billing users.
type Service interface {
	// EnsureUser finds or creates the user for an auth subject, refreshes
	// the stored email and issues the one-time signup grant.
	EnsureUser(ctx context.Context, subject, email string) (UserRef, error)

	FindByID(ctx context.Context, id snowflake.ID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// Repository isolates the SQL for billing users.
type Repository interface {
	FindBySubjectForUpdate(ctx context.Context, tx *gorm.DB, subject string) (*User, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*User, error)
	Insert(ctx context.Context, tx *gorm.DB, user *User) error
	UpdateEmail(ctx context.Context, tx *gorm.DB, id snowflake.ID, email string, updatedAt time.Time) error
	StampFreeGrant(ctx context.Context, tx *gorm.DB, id snowflake.ID, grantedAt time.Time) error
}
