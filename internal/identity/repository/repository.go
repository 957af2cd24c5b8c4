package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/complykit/complykit/internal/identity/domain"
	"github.com/complykit/complykit/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBySubjectForUpdate(ctx context.Context, tx *gorm.DB, subject string) (*domain.User, error) {
	var user domain.User
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("auth_subject = ?", subject).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	err := conn.WithContext(ctx).
		Where("id = ?", id).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *repo) FindByEmail(ctx context.Context, conn *gorm.DB, email string) (*domain.User, error) {
	var user domain.User
	err := conn.WithContext(ctx).
		Where("email = ?", email).
		Order("created_at asc").
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, user *domain.User) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO billing_users (id, auth_subject, email, free_credits_granted_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.AuthSubject,
		user.Email,
		user.FreeCreditsGrantedAt,
		user.CreatedAt,
		user.UpdatedAt,
	).Error
}

func (r *repo) UpdateEmail(ctx context.Context, tx *gorm.DB, id snowflake.ID, email string, updatedAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_users SET email = ?, updated_at = ? WHERE id = ?`,
		email,
		updatedAt,
		id,
	).Error
}

func (r *repo) StampFreeGrant(ctx context.Context, tx *gorm.DB, id snowflake.ID, grantedAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_users SET free_credits_granted_at = ?, updated_at = ?
		 WHERE id = ? AND free_credits_granted_at IS NULL`,
		grantedAt,
		grantedAt,
		id,
	).Error
}
