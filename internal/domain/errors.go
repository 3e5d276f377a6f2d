package domain

import (
	"errors"
	"fmt"
)

var ErrAgentNotFound = errors.New("agent not found")

// UserFacing реализуют ошибки, текст которых можно показать конечному пользователю.
type UserFacing interface {
	error
	UserMessage() string
}

// ConfigurationError - нет ключа провайдера. Проверяется до любой работы с кабинкой.
type ConfigurationError struct {
	Provider string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: missing API key for provider %q", e.Provider)
}

func (e *ConfigurationError) UserMessage() string {
	return fmt.Sprintf("SYSTEM ERROR: Missing API Key for '%s'.", e.Provider)
}

// BudgetExceededError - дневной лимит агента исчерпан.
type BudgetExceededError struct {
	AgentID   int64
	AgentName string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget: daily limit exceeded for agent %d", e.AgentID)
}

func (e *BudgetExceededError) UserMessage() string {
	name := e.AgentName
	if name == "" {
		name = fmt.Sprintf("agent %d", e.AgentID)
	}
	return fmt.Sprintf("Budget exceeded for %s. Please try again tomorrow.", name)
}

// AgentBlockedError - агент остановлен оператором (kill-switch).
type AgentBlockedError struct {
	AgentID int64
}

func (e *AgentBlockedError) Error() string {
	return fmt.Sprintf("security: agent %d is blocked", e.AgentID)
}

func (e *AgentBlockedError) UserMessage() string {
	return "This agent is currently suspended by an operator."
}

// SandboxLifecycleError - сбой create/start/stop/remove на хосте контейнеров.
type SandboxLifecycleError struct {
	Op        string // create, start, stop, remove, inspect, list
	CubicleID string
	Err       error
}

func (e *SandboxLifecycleError) Error() string {
	if e.CubicleID == "" {
		return fmt.Sprintf("cubicle %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cubicle %s %s failed: %v", e.Op, e.CubicleID, e.Err)
}

func (e *SandboxLifecycleError) Unwrap() error { return e.Err }

func (e *SandboxLifecycleError) UserMessage() string {
	return "Failed to prepare the agent workspace. Please try again later."
}

// StreamError - поток exec оборвался посреди выполнения. Частичный вывод отбрасывается.
type StreamError struct {
	CubicleID string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("execution stream for cubicle %s failed: %v", e.CubicleID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) UserMessage() string {
	return "The agent run was interrupted. Please try again."
}

// UserMessage достает безопасный для пользователя текст из любой ошибки.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var uf UserFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return "Agent not found."
	case errors.Is(err, ErrApprovalNotFound):
		return "Approval request not found."
	case errors.Is(err, ErrInvalidTransition):
		return "Decision must be approve or deny."
	}
	return "Internal error. Please try again later."
}
