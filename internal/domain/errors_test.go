package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMessage(t *testing.T) {
	cause := errors.New("dial unix /var/run/docker.sock: connect: permission denied")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"config", &ConfigurationError{Provider: "openai"}, "SYSTEM ERROR: Missing API Key for 'openai'."},
		{"budget", &BudgetExceededError{AgentID: 1, AgentName: "Builder"}, "Budget exceeded for Builder. Please try again tomorrow."},
		{"wrapped lifecycle", fmt.Errorf("engine: %w", &SandboxLifecycleError{Op: "create", Err: cause}), "Failed to prepare the agent workspace. Please try again later."},
		{"stream", &StreamError{CubicleID: "abc", Err: cause}, "The agent run was interrupted. Please try again."},
		{"not found", fmt.Errorf("postgres: %w", ErrAgentNotFound), "Agent not found."},
		{"raw", cause, "Internal error. Please try again later."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}

func TestLifecycleErrorUnwrap(t *testing.T) {
	cause := errors.New("no such image")
	err := fmt.Errorf("wrap: %w", &SandboxLifecycleError{Op: "create", Err: cause})

	var lerr *SandboxLifecycleError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "create", lerr.Op)
	assert.ErrorIs(t, err, cause)
}

func TestApprovalTransitions(t *testing.T) {
	req := &ApprovalRequest{Status: StatusPending}
	assert.NoError(t, req.CanTransitionTo(StatusApproved))
	assert.ErrorIs(t, req.CanTransitionTo(StatusPending), ErrInvalidTransition)

	req.Status = StatusDenied
	assert.ErrorIs(t, req.CanTransitionTo(StatusApproved), ErrAlreadyProcessed)
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]ApprovalStatus{
		"approve":  StatusApproved,
		"APPROVED": StatusApproved,
		"deny":     StatusDenied,
		" denied ": StatusDenied,
	} {
		got, err := ParseDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDecision("maybe")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
