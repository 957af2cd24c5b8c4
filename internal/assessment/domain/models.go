package domain

import (
	"context"
	"errors"
)

var (
	// ErrMissingTool rejects a run request without a tool name.
	ErrMissingTool = errors.New("tool name is required")
	// ErrMissingSubject rejects a billed run without an authenticated user.
	ErrMissingSubject = errors.New("missing authenticated billing user")
	// ErrAgentUnavailable wraps agent transport failures.
	ErrAgentUnavailable = errors.New("assessment agent unavailable")
)

// RunRequest is one inbound assessment request. Tool carries the tool
// name on the first request of a session and the follow-up message on
// subsequent ones.
type RunRequest struct {
	Tool        string `json:"tool_name" binding:"required"`
	SessionID   string `json:"session_id"`
	RequestID   string `json:"request_id"`
	UserSubject string `json:"user_subject"`
	UserEmail   string `json:"user_email"`
}

// RunResult is the assessment outcome plus the billing snapshot the UI
// renders next to it.
type RunResult struct {
	Summary        string `json:"summary"`
	SessionID      string `json:"session_id"`
	BillingEnabled bool   `json:"billing_enabled"`
	BillingMode    string `json:"billing_mode,omitempty"`
	Remaining      int64  `json:"remaining,omitempty"`
}

// AgentRequest is the contract with the external research agent.
type AgentRequest struct {
	Tool      string `json:"ai_tool"`
	SessionID string `json:"session_id"`
	UserEmail string `json:"user_email"`
}

// AgentResult is the agent's answer.
type AgentResult struct {
	Summary   string `json:"summary"`
	SessionID string `json:"session_id"`
}

// Agent is the external collaborator that performs the research. The
// core never inspects its internals.
type Agent interface {
	Execute(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// Service orchestrates identity, quota and the agent call.
type Service interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}
