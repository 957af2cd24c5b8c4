package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/complykit/complykit/internal/assessment/domain"
	"github.com/complykit/complykit/internal/config"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	creditrepo "github.com/complykit/complykit/internal/credit/repository"
	creditservice "github.com/complykit/complykit/internal/credit/service"
	identitydomain "github.com/complykit/complykit/internal/identity/domain"
	identityrepo "github.com/complykit/complykit/internal/identity/repository"
	identityservice "github.com/complykit/complykit/internal/identity/service"
	paymentdomain "github.com/complykit/complykit/internal/payment/domain"
)

type agentMock struct {
	mock.Mock
}

func (m *agentMock) Execute(ctx context.Context, req domain.AgentRequest) (*domain.AgentResult, error) {
	args := m.Called(ctx, req)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*domain.AgentResult), args.Error(1)
}

func newTestService(t *testing.T, billing config.BillingConfig) (domain.Service, *agentMock, *gorm.DB) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, conn.AutoMigrate(
		&identitydomain.User{},
		&creditdomain.CreditAccount{},
		&creditdomain.CreditLedgerEntry{},
		&creditdomain.AssessmentBillingSession{},
		&paymentdomain.Customer{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{Billing: billing}
	credits := creditservice.New(creditservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Config: cfg,
		Repo:   creditrepo.Provide(),
	})
	identity := identityservice.New(identityservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Config:  cfg,
		Repo:    identityrepo.Provide(),
		Credits: credits,
	})

	agent := &agentMock{}
	svc := New(Params{
		Log:      zap.NewNop(),
		Config:   cfg,
		Identity: identity,
		Credits:  credits,
		Agent:    agent,
	})

	return svc, agent, conn
}

func creditsBilling() config.BillingConfig {
	return config.BillingConfig{
		Enabled:          true,
		Mode:             config.BillingModeCredits,
		FreeRequestUnits: 2,
		DailyLimit:       20,
	}
}

func TestRun_BillingDisabledSkipsQuota(t *testing.T) {
	billing := creditsBilling()
	billing.Enabled = false
	svc, agent, _ := newTestService(t, billing)

	agent.On("Execute", mock.Anything, mock.MatchedBy(func(req domain.AgentRequest) bool {
		return req.Tool == "ChatGPT"
	})).Return(&domain.AgentResult{Summary: "fine"}, nil)

	result, err := svc.Run(context.Background(), domain.RunRequest{Tool: "ChatGPT"})
	require.NoError(t, err)
	assert.Equal(t, "fine", result.Summary)
	assert.False(t, result.BillingEnabled)
	assert.NotEmpty(t, result.SessionID)
}

func TestRun_RequiresTool(t *testing.T) {
	svc, _, _ := newTestService(t, creditsBilling())

	_, err := svc.Run(context.Background(), domain.RunRequest{Tool: "   "})
	assert.ErrorIs(t, err, domain.ErrMissingTool)
}

func TestRun_RequiresSubjectWhenBilled(t *testing.T) {
	svc, _, _ := newTestService(t, creditsBilling())

	_, err := svc.Run(context.Background(), domain.RunRequest{Tool: "ChatGPT"})
	assert.ErrorIs(t, err, domain.ErrMissingSubject)
}

func TestRun_DebitsAndReportsRemaining(t *testing.T) {
	svc, agent, _ := newTestService(t, creditsBilling())

	agent.On("Execute", mock.Anything, mock.Anything).
		Return(&domain.AgentResult{Summary: "report", SessionID: "session_agent"}, nil)

	result, err := svc.Run(context.Background(), domain.RunRequest{
		Tool:        "ChatGPT",
		UserSubject: "auth0|alice",
		UserEmail:   "alice@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "report", result.Summary)
	assert.True(t, result.BillingEnabled)
	assert.Equal(t, config.BillingModeCredits, result.BillingMode)
	assert.Equal(t, int64(1), result.Remaining)
	assert.Equal(t, "session_agent", result.SessionID)
}

func TestRun_ExhaustedCreditsAbortBeforeAgent(t *testing.T) {
	svc, agent, _ := newTestService(t, creditsBilling())

	agent.On("Execute", mock.Anything, mock.Anything).
		Return(&domain.AgentResult{Summary: "report"}, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.Run(ctx, domain.RunRequest{
			Tool:        "ChatGPT",
			UserSubject: "auth0|alice",
		})
		require.NoError(t, err)
	}

	_, err := svc.Run(ctx, domain.RunRequest{
		Tool:        "ChatGPT",
		UserSubject: "auth0|alice",
	})
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)

	// Two paid runs, no third agent call.
	agent.AssertNumberOfCalls(t, "Execute", 2)
}

func TestRun_FollowUpKeepsSessionOnOneDebit(t *testing.T) {
	svc, agent, conn := newTestService(t, creditsBilling())
	ctx := context.Background()

	agent.On("Execute", mock.Anything, mock.Anything).
		Return(&domain.AgentResult{Summary: "report"}, nil)

	first, err := svc.Run(ctx, domain.RunRequest{
		Tool:        "ChatGPT",
		RequestID:   "req-1",
		UserSubject: "auth0|alice",
	})
	require.NoError(t, err)

	// A follow-up question on the same session debits a second unit but
	// stays on the locked tool.
	_, err = svc.Run(ctx, domain.RunRequest{
		Tool:        "How does ChatGPT handle data retention?",
		SessionID:   first.SessionID,
		RequestID:   "req-2",
		UserSubject: "auth0|alice",
	})
	require.NoError(t, err)

	// Switching tools mid-session is rejected before any debit.
	_, err = svc.Run(ctx, domain.RunRequest{
		Tool:        "Microsoft Copilot",
		SessionID:   first.SessionID,
		RequestID:   "req-3",
		UserSubject: "auth0|alice",
	})
	var rejected *creditdomain.FollowUpRejectedError
	require.ErrorAs(t, err, &rejected)

	var debits int64
	require.NoError(t, conn.Model(&creditdomain.CreditLedgerEntry{}).
		Where("reason = ?", creditdomain.ReasonRequestDebit).
		Count(&debits).Error)
	assert.Equal(t, int64(2), debits, "the rejected follow-up must not debit")
}

func TestRun_DailyModeReportsRemaining(t *testing.T) {
	billing := creditsBilling()
	billing.Mode = config.BillingModeDaily
	billing.DailyLimit = 3
	svc, agent, _ := newTestService(t, billing)

	agent.On("Execute", mock.Anything, mock.Anything).
		Return(&domain.AgentResult{Summary: "report"}, nil)

	result, err := svc.Run(context.Background(), domain.RunRequest{
		Tool:        "ChatGPT",
		UserSubject: "auth0|bob",
	})
	require.NoError(t, err)
	assert.Equal(t, config.BillingModeDaily, result.BillingMode)
	assert.Equal(t, int64(2), result.Remaining)
}

func TestRun_AgentFailureSurfaces(t *testing.T) {
	billing := creditsBilling()
	billing.Enabled = false
	svc, agent, _ := newTestService(t, billing)

	agent.On("Execute", mock.Anything, mock.Anything).
		Return(nil, domain.ErrAgentUnavailable)

	_, err := svc.Run(context.Background(), domain.RunRequest{Tool: "ChatGPT"})
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)
}
