package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/complykit/complykit/internal/config"
	"github.com/complykit/complykit/internal/credit/domain"
	"github.com/complykit/complykit/internal/credit/repository"
	paymentdomain "github.com/complykit/complykit/internal/payment/domain"
)

func newTestService(t *testing.T, billing config.BillingConfig) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// A single connection keeps every goroutine on the same in-memory
	// database and serializes transactions the way row locks would.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, conn.AutoMigrate(
		&domain.CreditAccount{},
		&domain.CreditLedgerEntry{},
		&domain.AssessmentBillingSession{},
		&paymentdomain.Customer{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Config: config.Config{Billing: billing},
		Repo:   repository.Provide(),
	}).(*Service)

	return svc, conn, node
}

func creditsBilling() config.BillingConfig {
	return config.BillingConfig{
		Enabled:          true,
		Mode:             config.BillingModeCredits,
		FreeRequestUnits: 5,
		DailyLimit:       20,
	}
}

func grantSignup(t *testing.T, svc *Service, conn *gorm.DB, userID snowflake.ID, units int64) {
	t.Helper()
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.GrantSignupCreditsInTx(context.Background(), tx, userID, units)
	}))
}

// assertLedgerInvariant checks that the account balance equals the sum
// of all ledger deltas for the user.
func assertLedgerInvariant(t *testing.T, conn *gorm.DB, userID snowflake.ID) {
	t.Helper()

	var account domain.CreditAccount
	require.NoError(t, conn.Where("user_id = ?", userID).Take(&account).Error)

	var sum int64
	require.NoError(t, conn.Model(&domain.CreditLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta_units), 0)").
		Scan(&sum).Error)

	assert.Equal(t, sum, account.BalanceUnits, "balance must equal sum of ledger deltas")
}

func TestConsumeCreditForRequest_DebitsOnce(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 5)

	remaining, err := svc.ConsumeCreditForRequest(ctx, userID, "req-1", "session_a", "ChatGPT")
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining)

	// Redelivery of the same request id must not debit again.
	remaining, err = svc.ConsumeCreditForRequest(ctx, userID, "req-1", "session_a", "ChatGPT")
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining)

	var debits int64
	require.NoError(t, conn.Model(&domain.CreditLedgerEntry{}).
		Where("user_id = ? AND reason = ?", userID, domain.ReasonRequestDebit).
		Count(&debits).Error)
	assert.Equal(t, int64(1), debits)

	assertLedgerInvariant(t, conn, userID)
}

func TestConsumeCreditForRequest_InsufficientCredits(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 1)

	_, err := svc.ConsumeCreditForRequest(ctx, userID, "req-1", "", "ChatGPT")
	require.NoError(t, err)

	_, err = svc.ConsumeCreditForRequest(ctx, userID, "req-2", "", "ChatGPT")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// A rejected request writes nothing.
	assertLedgerInvariant(t, conn, userID)
}

func TestConsumeCreditForRequest_UnknownAccount(t *testing.T) {
	svc, _, node := newTestService(t, creditsBilling())

	_, err := svc.ConsumeCreditForRequest(context.Background(), node.Generate(), "req-1", "", "ChatGPT")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestConsumeCreditForRequest_ConcurrentDistinctRequests(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 5)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			_, err := svc.ConsumeCreditForRequest(ctx, userID, fmt.Sprintf("req-%d", i), "", "ChatGPT")
			if err != nil && !errors.Is(err, domain.ErrInsufficientCredits) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var account domain.CreditAccount
	require.NoError(t, conn.Where("user_id = ?", userID).Take(&account).Error)
	assert.Equal(t, int64(0), account.BalanceUnits, "exactly five of eight debits may land")

	var debits int64
	require.NoError(t, conn.Model(&domain.CreditLedgerEntry{}).
		Where("user_id = ? AND reason = ?", userID, domain.ReasonRequestDebit).
		Count(&debits).Error)
	assert.Equal(t, int64(5), debits)

	assertLedgerInvariant(t, conn, userID)
}

func TestConsumeDailyCreditForRequest_LimitBoundary(t *testing.T) {
	billing := creditsBilling()
	billing.Mode = config.BillingModeDaily
	billing.DailyLimit = 3
	svc, conn, node := newTestService(t, billing)
	ctx := context.Background()
	userID := node.Generate()

	// Daily mode still needs the account row as the serialization point.
	grantSignup(t, svc, conn, userID, 0)

	for i := 0; i < 3; i++ {
		remaining, err := svc.ConsumeDailyCreditForRequest(ctx, userID, fmt.Sprintf("req-%d", i), "", "ChatGPT")
		require.NoError(t, err)
		assert.Equal(t, int64(3-i-1), remaining)
	}

	_, err := svc.ConsumeDailyCreditForRequest(ctx, userID, "req-over", "", "ChatGPT")
	var limitErr *domain.DailyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, int64(3), limitErr.Limit)
	assert.Equal(t, int64(3), limitErr.Used)

	_, nextDay := dailyWindow(time.Now().UTC())
	assert.Equal(t, nextDay, limitErr.ResetsAt)
}

func TestConsumeDailyCreditForRequest_IgnoresPriorDay(t *testing.T) {
	billing := creditsBilling()
	billing.Mode = config.BillingModeDaily
	billing.DailyLimit = 2
	svc, conn, node := newTestService(t, billing)
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 0)

	// Yesterday's debits sit outside the rolling window.
	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < 2; i++ {
		key := fmt.Sprintf("request-debit:%d:old-%d", userID, i)
		requestID := fmt.Sprintf("old-%d", i)
		require.NoError(t, conn.Create(&domain.CreditLedgerEntry{
			ID:             node.Generate(),
			UserID:         userID,
			DeltaUnits:     -1,
			Reason:         domain.ReasonRequestDebit,
			RequestID:      &requestID,
			IdempotencyKey: &key,
			CreatedAt:      yesterday,
		}).Error)
	}

	state, err := svc.GetDailyCreditState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.UsedToday)

	remaining, err := svc.ConsumeDailyCreditForRequest(ctx, userID, "req-today", "", "ChatGPT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestConsumeDailyCreditForRequest_DuplicateRequestID(t *testing.T) {
	billing := creditsBilling()
	billing.Mode = config.BillingModeDaily
	billing.DailyLimit = 5
	svc, conn, node := newTestService(t, billing)
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 0)

	remaining, err := svc.ConsumeDailyCreditForRequest(ctx, userID, "req-1", "", "ChatGPT")
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining)

	remaining, err = svc.ConsumeDailyCreditForRequest(ctx, userID, "req-1", "", "ChatGPT")
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining, "duplicate request id must not count twice")

	state, err := svc.GetDailyCreditState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.UsedToday)
	assert.True(t, state.CanRunRequest)
}

func TestGetDailyCreditState_FreshUser(t *testing.T) {
	billing := creditsBilling()
	billing.Mode = config.BillingModeDaily
	svc, conn, node := newTestService(t, billing)
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 0)

	state, err := svc.GetDailyCreditState(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), state.DailyLimit)
	assert.Equal(t, int64(0), state.UsedToday)
	assert.Equal(t, int64(20), state.CreditsLeftToday)
	assert.True(t, state.CanRunRequest)
	assert.Equal(t, time.UTC, state.ResetsAtUTC.Location())
}

func TestApplyPurchaseCredits_IdempotentByEventID(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 5)

	req := domain.ApplyPurchaseRequest{
		UserID:            userID,
		Units:             20,
		ExternalEventID:   "evt_123",
		CheckoutSessionID: "cs_123",
	}

	balance, err := svc.ApplyPurchaseCredits(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	// Webhook redelivery carries the same event id.
	balance, err = svc.ApplyPurchaseCredits(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	assertLedgerInvariant(t, conn, userID)
}

func TestApplyPurchaseCredits_RejectsNonPositiveUnits(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	userID := node.Generate()
	grantSignup(t, svc, conn, userID, 0)

	_, err := svc.ApplyPurchaseCredits(context.Background(), domain.ApplyPurchaseRequest{
		UserID:          userID,
		Units:           0,
		ExternalEventID: "evt_zero",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidGrant)
}

func TestGetCreditState_FreePaidSplit(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	ctx := context.Background()
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 5)
	_, err := svc.ApplyPurchaseCredits(ctx, domain.ApplyPurchaseRequest{
		UserID:          userID,
		Units:           20,
		ExternalEventID: "evt_1",
	})
	require.NoError(t, err)

	// Two requests consume from the free allowance first.
	for i := 0; i < 2; i++ {
		_, err := svc.ConsumeCreditForRequest(ctx, userID, fmt.Sprintf("req-%d", i), "", "ChatGPT")
		require.NoError(t, err)
	}

	state, err := svc.GetCreditState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(23), state.BalanceUnits)
	assert.Equal(t, int64(3), state.FreeRemaining)
	assert.Equal(t, int64(20), state.PaidRemaining)
	assert.True(t, state.CanRun)
	assert.False(t, state.HasPaymentCustomer)

	// Five more requests exhaust the free allowance and eat into paid.
	for i := 2; i < 7; i++ {
		_, err := svc.ConsumeCreditForRequest(ctx, userID, fmt.Sprintf("req-%d", i), "", "ChatGPT")
		require.NoError(t, err)
	}

	state, err = svc.GetCreditState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(18), state.BalanceUnits)
	assert.Equal(t, int64(0), state.FreeRemaining)
	assert.Equal(t, int64(18), state.PaidRemaining)
}

func TestGetCreditState_ReportsPaymentCustomer(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	userID := node.Generate()
	grantSignup(t, svc, conn, userID, 5)

	require.NoError(t, conn.Create(&paymentdomain.Customer{
		UserID:             userID,
		Provider:           "stripe",
		ProviderCustomerID: "cus_123",
		CreatedAt:          time.Now().UTC(),
	}).Error)

	state, err := svc.GetCreditState(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, state.HasPaymentCustomer)
}

func TestGrantSignupCredits_OncePerUser(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	userID := node.Generate()

	grantSignup(t, svc, conn, userID, 5)
	grantSignup(t, svc, conn, userID, 5)

	var account domain.CreditAccount
	require.NoError(t, conn.Where("user_id = ?", userID).Take(&account).Error)
	assert.Equal(t, int64(5), account.BalanceUnits)

	assertLedgerInvariant(t, conn, userID)
}

func TestValidateFollowUp_ToolLock(t *testing.T) {
	svc, conn, node := newTestService(t, creditsBilling())
	ctx := context.Background()
	userID := node.Generate()
	otherID := node.Generate()

	grantSignup(t, svc, conn, userID, 5)

	_, err := svc.ConsumeCreditForRequest(ctx, userID, "req-1", "session_a", "ChatGPT")
	require.NoError(t, err)

	// Follow-up questions about the locked tool pass through.
	assert.NoError(t, svc.ValidateFollowUp(ctx, userID, "session_a", "Why did ChatGPT score low on data retention?"))

	// Switching tools inside a paid session is rejected.
	err = svc.ValidateFollowUp(ctx, userID, "session_a", "Microsoft Copilot")
	var rejected *domain.FollowUpRejectedError
	assert.ErrorAs(t, err, &rejected)

	// Unknown sessions predate tracking and stay usable.
	assert.NoError(t, svc.ValidateFollowUp(ctx, userID, "session_unknown", "Microsoft Copilot"))

	// Sessions are bound to the paying user.
	err = svc.ValidateFollowUp(ctx, otherID, "session_a", "anything")
	assert.ErrorAs(t, err, &rejected)
}
