package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/complykit/complykit/internal/config"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	"github.com/complykit/complykit/internal/identity/domain"
	"github.com/complykit/complykit/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Config  config.Config
	Repo    domain.Repository
	Credits creditdomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	cfg     config.Config
	repo    domain.Repository
	credits creditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("identity.service"),
		genID:   p.GenID,
		cfg:     p.Config,
		repo:    p.Repo,
		credits: p.Credits,
	}
}

// errCreationRace aborts the transaction when a concurrent request won
// the first-creation insert; the whole operation is retried once.
var errCreationRace = errors.New("user creation race")

func (s *Service) EnsureUser(ctx context.Context, subject, email string) (domain.UserRef, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.UserRef{}, domain.ErrInvalidSubject
	}
	email = strings.TrimSpace(email)

	ref, err := s.ensureUserOnce(ctx, subject, email)
	if errors.Is(err, errCreationRace) {
		ref, err = s.ensureUserOnce(ctx, subject, email)
	}
	return ref, err
}

func (s *Service) ensureUserOnce(ctx context.Context, subject, email string) (domain.UserRef, error) {
	var ref domain.UserRef
	err := s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.repo.FindBySubjectForUpdate(ctx, tx, subject)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		created := user == nil
		if created {
			user = &domain.User{
				ID:          s.genID.Generate(),
				AuthSubject: subject,
				Email:       email,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.repo.Insert(ctx, tx, user); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errCreationRace
				}
				return err
			}
			s.log.Info("billing user created",
				zap.Int64("user_id", int64(user.ID)),
				zap.String("subject", subject),
			)
		} else if email != "" && user.Email != email {
			// Emails change; the subject is the durable key.
			if err := s.repo.UpdateEmail(ctx, tx, user.ID, email, now); err != nil {
				return err
			}
			user.Email = email
		}

		grantUnits := s.signupGrantUnits()
		if created || (grantUnits > 0 && user.FreeCreditsGrantedAt == nil) {
			if err := s.credits.GrantSignupCreditsInTx(ctx, tx, user.ID, grantUnits); err != nil {
				return err
			}
			if grantUnits > 0 {
				if err := s.repo.StampFreeGrant(ctx, tx, user.ID, now); err != nil {
					return err
				}
			}
		}

		ref = domain.UserRef{ID: user.ID, Email: user.Email}
		return nil
	})
	return ref, err
}

// signupGrantUnits reports the one-time grant size. The rolling daily
// quota variant does not grant balance units at signup.
func (s *Service) signupGrantUnits() int64 {
	if s.cfg.Billing.Mode == config.BillingModeCredits {
		return s.cfg.Billing.FreeRequestUnits
	}
	return 0
}

func (s *Service) FindByID(ctx context.Context, id snowflake.ID) (*domain.User, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return s.repo.FindByEmail(ctx, s.db, email)
}
