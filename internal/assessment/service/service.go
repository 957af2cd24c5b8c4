package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/complykit/complykit/internal/assessment/domain"
	"github.com/complykit/complykit/internal/config"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	identitydomain "github.com/complykit/complykit/internal/identity/domain"
	"github.com/complykit/complykit/internal/observability/metrics"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Identity identitydomain.Service
	Credits  creditdomain.Service
	Agent    domain.Agent
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	cfg      config.Config
	identity identitydomain.Service
	credits  creditdomain.Service
	agent    domain.Agent
	metrics  *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("assessment.service"),
		cfg:      p.Config,
		identity: p.Identity,
		credits:  p.Credits,
		agent:    p.Agent,
		metrics:  p.Metrics,
	}
}

// Run resolves the caller, settles quota and forwards the request to the
// agent. Quota exhaustion and tool-lock rejections abort before any
// agent work is started.
func (s *Service) Run(ctx context.Context, req domain.RunRequest) (domain.RunResult, error) {
	tool := strings.TrimSpace(req.Tool)
	if tool == "" {
		return domain.RunResult{}, domain.ErrMissingTool
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = "session_" + uuid.NewString()
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	result := domain.RunResult{
		SessionID:      sessionID,
		BillingEnabled: s.cfg.Billing.Enabled,
	}

	if s.cfg.Billing.Enabled {
		if strings.TrimSpace(req.UserSubject) == "" {
			return domain.RunResult{}, domain.ErrMissingSubject
		}

		user, err := s.identity.EnsureUser(ctx, req.UserSubject, req.UserEmail)
		if err != nil {
			return domain.RunResult{}, err
		}

		// Follow-up messages reuse the tool field as free text; the lock
		// keeps them on the session's original tool.
		if err := s.credits.ValidateFollowUp(ctx, user.ID, sessionID, tool); err != nil {
			return domain.RunResult{}, err
		}

		remaining, err := s.consume(ctx, user, requestID, sessionID, tool)
		if err != nil {
			return domain.RunResult{}, err
		}
		result.BillingMode = s.cfg.Billing.Mode
		result.Remaining = remaining
	}

	agentResult, err := s.agent.Execute(ctx, domain.AgentRequest{
		Tool:      tool,
		SessionID: sessionID,
		UserEmail: req.UserEmail,
	})
	if err != nil {
		s.metrics.RecordAgentRequest(ctx, "error")
		return domain.RunResult{}, err
	}
	s.metrics.RecordAgentRequest(ctx, "ok")

	result.Summary = agentResult.Summary
	if strings.TrimSpace(agentResult.SessionID) != "" {
		result.SessionID = agentResult.SessionID
	}
	return result, nil
}

func (s *Service) consume(ctx context.Context, user identitydomain.UserRef, requestID, sessionID, tool string) (int64, error) {
	switch s.cfg.Billing.Mode {
	case config.BillingModeDaily:
		return s.credits.ConsumeDailyCreditForRequest(ctx, user.ID, requestID, sessionID, tool)
	case config.BillingModeCredits:
		return s.credits.ConsumeCreditForRequest(ctx, user.ID, requestID, sessionID, tool)
	default:
		return 0, fmt.Errorf("unsupported billing mode %q", s.cfg.Billing.Mode)
	}
}
