package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/complykit/complykit/internal/config"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	identitydomain "github.com/complykit/complykit/internal/identity/domain"
	"github.com/complykit/complykit/internal/observability/metrics"
	"github.com/complykit/complykit/internal/payment/domain"
	"github.com/complykit/complykit/internal/payment/repository"
	"github.com/complykit/complykit/internal/payment/stripe"
	"github.com/complykit/complykit/pkg/db"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const providerName = "stripe"

// Gateway is the provider REST surface the service calls.
type Gateway interface {
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (stripe.CustomerRef, error)
	CreateCheckoutSession(ctx context.Context, params stripe.CheckoutParams) (stripe.Checkout, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (stripe.Portal, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Config   config.Config
	Packs    *config.PackTableHolder
	Repo     repository.Repository
	Credits  creditdomain.Service
	Identity identitydomain.Service
	Gateway  Gateway          `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	cfg      config.Config
	packs    *config.PackTableHolder
	repo     repository.Repository
	credits  creditdomain.Service
	identity identitydomain.Service
	gateway  Gateway
	metrics  *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		genID:    p.GenID,
		cfg:      p.Config,
		packs:    p.Packs,
		repo:     p.Repo,
		credits:  p.Credits,
		identity: p.Identity,
		gateway:  p.Gateway,
		metrics:  p.Metrics,
	}
}

func (s *Service) CreateCheckoutSession(ctx context.Context, userID snowflake.ID, email, packCode string) (domain.CheckoutLink, error) {
	if s.gateway == nil {
		return domain.CheckoutLink{}, domain.ErrProviderDisabled
	}

	pack, ok := s.packs.Lookup(packCode)
	if !ok {
		return domain.CheckoutLink{}, domain.ErrUnknownPack
	}
	if strings.TrimSpace(pack.StripePriceID) == "" {
		return domain.CheckoutLink{}, fmt.Errorf("%w: no price configured for %s", domain.ErrUnknownPack, packCode)
	}

	customerID, err := s.getOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return domain.CheckoutLink{}, err
	}

	checkout, err := s.gateway.CreateCheckoutSession(ctx, stripe.CheckoutParams{
		CustomerID:        customerID,
		PriceID:           pack.StripePriceID,
		SuccessURL:        s.cfg.Billing.StripeSuccessURL,
		CancelURL:         s.cfg.Billing.StripeCancelURL,
		ClientReferenceID: fmt.Sprintf("%d:%s", userID, uuid.NewString()),
		Metadata: map[string]string{
			"user_id":   userID.String(),
			"pack_code": pack.Code,
			"credits":   fmt.Sprintf("%d", pack.Units),
			"email":     email,
		},
	})
	if err != nil {
		return domain.CheckoutLink{}, err
	}

	now := time.Now().UTC()
	amount := checkout.AmountTotal
	if amount == 0 {
		amount = pack.AmountMinor
	}
	currency := strings.TrimSpace(checkout.Currency)
	if currency == "" {
		currency = s.cfg.Billing.Currency
	}
	status := domain.CheckoutStatus(strings.TrimSpace(checkout.Status))
	if status == "" {
		status = domain.CheckoutStatusCreated
	}

	record := &domain.CheckoutSession{
		ID:                s.genID.Generate(),
		UserID:            userID,
		PackCode:          pack.Code,
		Units:             pack.Units,
		AmountMinor:       amount,
		Currency:          currency,
		ProviderSessionID: checkout.ID,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.InsertCheckoutSession(ctx, s.db, record); err != nil {
		return domain.CheckoutLink{}, err
	}

	s.log.Info("checkout session created",
		zap.Int64("user_id", int64(userID)),
		zap.String("pack_code", pack.Code),
		zap.String("checkout_session_id", checkout.ID),
	)
	return domain.CheckoutLink{
		CheckoutURL:       checkout.URL,
		CheckoutSessionID: checkout.ID,
	}, nil
}

func (s *Service) CreatePortalSession(ctx context.Context, userID snowflake.ID, email string) (domain.PortalLink, error) {
	if s.gateway == nil {
		return domain.PortalLink{}, domain.ErrProviderDisabled
	}

	customerID, err := s.getOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return domain.PortalLink{}, err
	}

	portal, err := s.gateway.CreatePortalSession(ctx, customerID, s.cfg.Billing.StripeSuccessURL)
	if err != nil {
		return domain.PortalLink{}, err
	}
	return domain.PortalLink{PortalURL: portal.URL}, nil
}

func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (domain.WebhookResult, error) {
	secret := s.cfg.Billing.StripeWebhookSecret
	if strings.TrimSpace(secret) == "" {
		return domain.WebhookResult{}, domain.ErrProviderDisabled
	}

	if err := stripe.VerifySignature(payload, headers.Get(stripe.SignatureHeader), secret); err != nil {
		s.metrics.RecordWebhookEvent(ctx, "invalid_signature")
		return domain.WebhookResult{}, err
	}

	event, err := stripe.ParseCheckoutEvent(payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.metrics.RecordWebhookEvent(ctx, domain.WebhookStatusIgnored)
			return domain.WebhookResult{Processed: false, Status: domain.WebhookStatusIgnored}, nil
		}
		return domain.WebhookResult{}, err
	}

	// Redelivery short-circuits before any grant is attempted.
	existing, err := s.repo.FindWebhookEvent(ctx, s.db, event.EventID)
	if err != nil {
		return domain.WebhookResult{}, err
	}
	if existing != nil {
		s.metrics.RecordWebhookEvent(ctx, domain.WebhookStatusAlreadyProcessed)
		return domain.WebhookResult{Processed: false, Status: domain.WebhookStatusAlreadyProcessed}, nil
	}

	userID, err := s.resolveBeneficiary(ctx, event)
	if err != nil {
		return domain.WebhookResult{}, err
	}

	hash := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(hash[:])

	duplicate := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		guard := &domain.WebhookEvent{
			ProviderEventID: event.EventID,
			Provider:        providerName,
			EventType:       event.EventType,
			PayloadHash:     payloadHash,
			ProcessedAt:     time.Now().UTC(),
		}
		if err := s.repo.InsertWebhookEvent(ctx, tx, guard); err != nil {
			if db.IsDuplicateKeyErr(err) {
				duplicate = true
				return nil
			}
			return err
		}

		if _, err := s.credits.ApplyPurchaseCreditsInTx(ctx, tx, creditdomain.ApplyPurchaseRequest{
			UserID:            userID,
			Units:             event.Credits,
			ExternalEventID:   event.EventID,
			CheckoutSessionID: event.CheckoutSessionID,
		}); err != nil {
			return err
		}

		// Best-effort linkage; a missing checkout record must not block
		// the grant.
		return s.repo.MarkCheckoutCompleted(ctx, tx, event.CheckoutSessionID, time.Now().UTC())
	})
	if err != nil {
		return domain.WebhookResult{}, err
	}
	if duplicate {
		s.metrics.RecordWebhookEvent(ctx, domain.WebhookStatusAlreadyProcessed)
		return domain.WebhookResult{Processed: false, Status: domain.WebhookStatusAlreadyProcessed}, nil
	}

	s.metrics.RecordWebhookEvent(ctx, domain.WebhookStatusProcessed)
	s.log.Info("stripe checkout processed",
		zap.String("event_id", event.EventID),
		zap.Int64("user_id", int64(userID)),
		zap.Int64("credits", event.Credits),
	)
	return domain.WebhookResult{Processed: true, Status: domain.WebhookStatusProcessed}, nil
}

func (s *Service) resolveBeneficiary(ctx context.Context, event *stripe.CheckoutEvent) (snowflake.ID, error) {
	if event.UserID != "" {
		id, err := snowflake.ParseString(event.UserID)
		if err == nil && id != 0 {
			return id, nil
		}
	}
	if event.Email != "" {
		user, err := s.identity.FindByEmail(ctx, event.Email)
		if err != nil {
			return 0, err
		}
		if user != nil {
			return user.ID, nil
		}
	}
	return 0, domain.ErrUnresolvableUser
}

func (s *Service) getOrCreateCustomer(ctx context.Context, userID snowflake.ID, email string) (string, error) {
	existing, err := s.repo.FindCustomerByUserID(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ProviderCustomerID, nil
	}

	customer, err := s.gateway.CreateCustomer(ctx, email, map[string]string{
		"user_id": userID.String(),
	})
	if err != nil {
		return "", err
	}

	record := &domain.Customer{
		UserID:             userID,
		Provider:           providerName,
		ProviderCustomerID: customer.ID,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.repo.InsertCustomer(ctx, s.db, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			settled, findErr := s.repo.FindCustomerByUserID(ctx, s.db, userID)
			if findErr != nil {
				return "", findErr
			}
			if settled != nil {
				return settled.ProviderCustomerID, nil
			}
		}
		return "", err
	}
	return customer.ID, nil
}
