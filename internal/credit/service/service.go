package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/complykit/complykit/internal/config"
	"github.com/complykit/complykit/internal/credit/domain"
	"github.com/complykit/complykit/internal/observability/metrics"
	"github.com/complykit/complykit/internal/toollock"
	"github.com/complykit/complykit/pkg/db"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Config  config.Config
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	cfg     config.Config
	repo    domain.Repository
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		cfg:     p.Config,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// errConcurrentDuplicate aborts a transaction whose idempotency-key
// insert lost a race; the caller re-reads the settled state.
var errConcurrentDuplicate = errors.New("concurrent duplicate request")

func requestDebitKey(userID snowflake.ID, requestID string) string {
	return fmt.Sprintf("request-debit:%d:%s", userID, requestID)
}

func freeGrantKey(userID snowflake.ID) string {
	return fmt.Sprintf("free-grant:%d", userID)
}

func purchaseKey(eventID string) string {
	return "stripe:" + eventID
}

func (s *Service) ConsumeCreditForRequest(ctx context.Context, userID snowflake.ID, requestID, sessionID, toolName string) (int64, error) {
	if userID == 0 {
		return 0, domain.ErrInvalidUser
	}

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		// A request with no id still needs enforceable idempotency.
		requestID = uuid.NewString()
	}
	key := requestDebitKey(userID, requestID)

	var remaining int64
	duplicate := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			balance, err := s.currentBalance(ctx, tx, userID)
			if err != nil {
				return err
			}
			remaining = balance
			duplicate = true
			return nil
		}

		account, err := s.repo.FindAccountForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrAccountNotFound
		}
		if account.BalanceUnits < 1 {
			return domain.ErrInsufficientCredits
		}

		now := time.Now().UTC()
		newBalance := account.BalanceUnits - 1
		if err := s.repo.UpdateAccountBalance(ctx, tx, userID, newBalance, now); err != nil {
			return err
		}

		entry := &domain.CreditLedgerEntry{
			ID:             s.genID.Generate(),
			UserID:         userID,
			DeltaUnits:     -1,
			Reason:         domain.ReasonRequestDebit,
			RequestID:      &requestID,
			IdempotencyKey: &key,
			BalanceAfter:   &newBalance,
			Metadata: datatypes.JSONMap{
				"ai_tool":    toolName,
				"request_id": requestID,
			},
			CreatedAt: now,
		}
		if sessionID != "" {
			entry.SessionID = &sessionID
		}
		if err := s.repo.InsertLedgerEntry(ctx, tx, entry); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errConcurrentDuplicate
			}
			return err
		}

		if sessionID != "" {
			if err := s.ensureBillingSession(ctx, tx, userID, sessionID, toolName, entry.ID, now); err != nil {
				return err
			}
		}

		remaining = newBalance
		return nil
	})
	if errors.Is(err, errConcurrentDuplicate) {
		return s.settledBalance(ctx, userID, key)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.metrics.RecordQuotaReject(ctx, config.BillingModeCredits)
		}
		return 0, err
	}

	if !duplicate {
		s.metrics.RecordRequestDebit(ctx, config.BillingModeCredits)
		s.log.Info("request debit applied",
			zap.Int64("user_id", int64(userID)),
			zap.String("request_id", requestID),
			zap.Int64("balance", remaining),
		)
	}
	return remaining, nil
}

func (s *Service) ConsumeDailyCreditForRequest(ctx context.Context, userID snowflake.ID, requestID, sessionID, toolName string) (int64, error) {
	if userID == 0 {
		return 0, domain.ErrInvalidUser
	}

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	key := requestDebitKey(userID, requestID)
	limit := s.cfg.Billing.DailyLimit

	var remaining int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		dayStart, nextDay := dailyWindow(time.Now().UTC())

		existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			count, err := s.repo.CountRequestDebitsInWindow(ctx, tx, userID, dayStart, nextDay)
			if err != nil {
				return err
			}
			remaining = clampNonNegative(limit - count)
			return nil
		}

		// Lock the account row so concurrent debits serialize and both
		// observe a settled count.
		account, err := s.repo.FindAccountForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrAccountNotFound
		}

		count, err := s.repo.CountRequestDebitsInWindow(ctx, tx, userID, dayStart, nextDay)
		if err != nil {
			return err
		}
		if count >= limit {
			return &domain.DailyLimitError{Limit: limit, Used: count, ResetsAt: nextDay}
		}

		now := time.Now().UTC()
		entry := &domain.CreditLedgerEntry{
			ID:             s.genID.Generate(),
			UserID:         userID,
			DeltaUnits:     -1,
			Reason:         domain.ReasonRequestDebit,
			RequestID:      &requestID,
			IdempotencyKey: &key,
			Metadata: datatypes.JSONMap{
				"ai_tool":    toolName,
				"request_id": requestID,
			},
			CreatedAt: now,
		}
		if sessionID != "" {
			entry.SessionID = &sessionID
		}
		if err := s.repo.InsertLedgerEntry(ctx, tx, entry); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errConcurrentDuplicate
			}
			return err
		}

		remaining = limit - (count + 1)
		return nil
	})
	if errors.Is(err, errConcurrentDuplicate) {
		state, stateErr := s.GetDailyCreditState(ctx, userID)
		if stateErr != nil {
			return 0, stateErr
		}
		return state.CreditsLeftToday, nil
	}
	if err != nil {
		var limitErr *domain.DailyLimitError
		if errors.As(err, &limitErr) {
			s.metrics.RecordQuotaReject(ctx, config.BillingModeDaily)
		}
		return 0, err
	}

	s.metrics.RecordRequestDebit(ctx, config.BillingModeDaily)
	return remaining, nil
}

func (s *Service) GetCreditState(ctx context.Context, userID snowflake.ID) (domain.CreditState, error) {
	if userID == 0 {
		return domain.CreditState{}, domain.ErrInvalidUser
	}

	balance, err := s.currentBalance(ctx, s.db, userID)
	if err != nil {
		return domain.CreditState{}, err
	}

	sums, err := s.repo.SumDeltasByReason(ctx, s.db, userID)
	if err != nil {
		return domain.CreditState{}, err
	}

	freeGranted := sums[domain.ReasonFreeGrant]
	debited := -sums[domain.ReasonRequestDebit]
	freeUsed := debited
	if freeUsed > freeGranted {
		freeUsed = freeGranted
	}
	freeRemaining := clampNonNegative(freeGranted - freeUsed)
	if freeRemaining > balance {
		freeRemaining = balance
	}

	hasCustomer, err := s.repo.HasPaymentCustomer(ctx, s.db, userID)
	if err != nil {
		return domain.CreditState{}, err
	}

	return domain.CreditState{
		BalanceUnits:       balance,
		FreeRemaining:      freeRemaining,
		PaidRemaining:      clampNonNegative(balance - freeRemaining),
		CanRun:             balance >= 1,
		HasPaymentCustomer: hasCustomer,
	}, nil
}

func (s *Service) GetDailyCreditState(ctx context.Context, userID snowflake.ID) (domain.DailyCreditState, error) {
	if userID == 0 {
		return domain.DailyCreditState{}, domain.ErrInvalidUser
	}

	dayStart, nextDay := dailyWindow(time.Now().UTC())
	used, err := s.repo.CountRequestDebitsInWindow(ctx, s.db, userID, dayStart, nextDay)
	if err != nil {
		return domain.DailyCreditState{}, err
	}

	limit := s.cfg.Billing.DailyLimit
	return domain.DailyCreditState{
		DailyLimit:       limit,
		UsedToday:        used,
		CreditsLeftToday: clampNonNegative(limit - used),
		CanRunRequest:    used < limit,
		ResetsAtUTC:      nextDay,
	}, nil
}

func (s *Service) ApplyPurchaseCredits(ctx context.Context, req domain.ApplyPurchaseRequest) (int64, error) {
	var balance int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = s.ApplyPurchaseCreditsInTx(ctx, tx, req)
		return err
	})
	return balance, err
}

func (s *Service) ApplyPurchaseCreditsInTx(ctx context.Context, tx *gorm.DB, req domain.ApplyPurchaseRequest) (int64, error) {
	if req.UserID == 0 {
		return 0, domain.ErrInvalidUser
	}
	if req.Units <= 0 {
		return 0, domain.ErrInvalidGrant
	}

	key := purchaseKey(req.ExternalEventID)
	existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return s.currentBalance(ctx, tx, req.UserID)
	}

	account, err := s.repo.FindAccountForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, domain.ErrAccountNotFound
	}

	now := time.Now().UTC()
	newBalance := account.BalanceUnits + req.Units
	if err := s.repo.UpdateAccountBalance(ctx, tx, req.UserID, newBalance, now); err != nil {
		return 0, err
	}

	entry := &domain.CreditLedgerEntry{
		ID:              s.genID.Generate(),
		UserID:          req.UserID,
		DeltaUnits:      req.Units,
		Reason:          domain.ReasonPurchase,
		ExternalEventID: &req.ExternalEventID,
		IdempotencyKey:  &key,
		BalanceAfter:    &newBalance,
		Metadata: datatypes.JSONMap{
			"checkout_session_id": req.CheckoutSessionID,
		},
		CreatedAt: now,
	}
	if err := s.repo.InsertLedgerEntry(ctx, tx, entry); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.currentBalance(ctx, tx, req.UserID)
		}
		return 0, err
	}

	s.metrics.RecordCreditGrant(ctx, string(domain.ReasonPurchase), req.Units)
	s.log.Info("purchase credits applied",
		zap.Int64("user_id", int64(req.UserID)),
		zap.Int64("units", req.Units),
		zap.String("event_id", req.ExternalEventID),
	)
	return newBalance, nil
}

func (s *Service) GrantSignupCreditsInTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, units int64) error {
	if userID == 0 {
		return domain.ErrInvalidUser
	}

	now := time.Now().UTC()
	account, err := s.repo.FindAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if account == nil {
		account = &domain.CreditAccount{UserID: userID, BalanceUnits: 0, UpdatedAt: now}
		if err := s.repo.InsertAccount(ctx, tx, account); err != nil {
			if !db.IsDuplicateKeyErr(err) {
				return err
			}
			account, err = s.repo.FindAccountForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			if account == nil {
				return domain.ErrAccountNotFound
			}
		}
	}

	if units <= 0 {
		return nil
	}

	key := freeGrantKey(userID)
	existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	newBalance := account.BalanceUnits + units
	if err := s.repo.UpdateAccountBalance(ctx, tx, userID, newBalance, now); err != nil {
		return err
	}

	entry := &domain.CreditLedgerEntry{
		ID:             s.genID.Generate(),
		UserID:         userID,
		DeltaUnits:     units,
		Reason:         domain.ReasonFreeGrant,
		IdempotencyKey: &key,
		BalanceAfter:   &newBalance,
		Metadata:       datatypes.JSONMap{},
		CreatedAt:      now,
	}
	if err := s.repo.InsertLedgerEntry(ctx, tx, entry); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}

	s.metrics.RecordCreditGrant(ctx, string(domain.ReasonFreeGrant), units)
	return nil
}

func (s *Service) ValidateFollowUp(ctx context.Context, userID snowflake.ID, sessionID, message string) error {
	session, err := s.repo.FindBillingSession(ctx, s.db, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		// Sessions that predate billing session tracking stay usable.
		return nil
	}
	if session.UserID != userID {
		s.metrics.RecordToolLockDenied(ctx)
		return &domain.FollowUpRejectedError{
			Reason: "This assessment session belongs to a different account.",
		}
	}

	res := toollock.Validate(message, session.CanonicalTool)
	if !res.Allowed {
		s.metrics.RecordToolLockDenied(ctx)
		return &domain.FollowUpRejectedError{Reason: res.Reason}
	}
	return nil
}

func (s *Service) ensureBillingSession(ctx context.Context, tx *gorm.DB, userID snowflake.ID, sessionID, toolName string, ledgerEntryID snowflake.ID, now time.Time) error {
	existing, err := s.repo.FindBillingSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	session := &domain.AssessmentBillingSession{
		ID:            s.genID.Generate(),
		SessionID:     sessionID,
		UserID:        userID,
		LedgerEntryID: ledgerEntryID,
		CanonicalTool: toollock.Canonicalize(toolName),
		Status:        domain.BillingSessionStatusActive,
		CreatedAt:     now,
	}
	if err := s.repo.InsertBillingSession(ctx, tx, session); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) currentBalance(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (int64, error) {
	var account domain.CreditAccount
	err := conn.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.BalanceUnits, nil
}

func (s *Service) settledBalance(ctx context.Context, userID snowflake.ID, key string) (int64, error) {
	entry, err := s.repo.FindLedgerEntryByKey(ctx, s.db, key)
	if err != nil {
		return 0, err
	}
	if entry != nil && entry.BalanceAfter != nil {
		return *entry.BalanceAfter, nil
	}
	return s.currentBalance(ctx, s.db, userID)
}

func dailyWindow(now time.Time) (time.Time, time.Time) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return dayStart, dayStart.Add(24 * time.Hour)
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
