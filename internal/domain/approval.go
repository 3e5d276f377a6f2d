package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
	ErrApprovalNotFound  = errors.New("approval request not found")
)

// ApprovalRequest запись аудита для HITL. Создается, когда в выводе кабинки
// появляется маркер APPROVAL_REQUIRED.
type ApprovalRequest struct {
	ID         int64          `json:"id"`
	AgentID    int64          `json:"agent_id"`
	CubicleID  string         `json:"cubicle_id"`
	Command    string         `json:"command"`
	Status     ApprovalStatus `json:"status"`
	ApprovedBy *int64         `json:"approved_by,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

// ParseDecision принимает и глагол кнопки (approve/deny), и статус.
func ParseDecision(s string) (ApprovalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return StatusApproved, nil
	case "deny", "denied", "reject", "rejected":
		return StatusDenied, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, s)
}
