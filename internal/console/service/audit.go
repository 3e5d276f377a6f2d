package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/hermit-cubicles/internal/audit"
)

// AuditLogProvider - чтение журнала вызовов.
type AuditLogProvider interface {
	ListRecent(ctx context.Context, agentID int64, limit int) ([]audit.InvocationEvent, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// FetchLogs - последние вызовы, новые первыми. agentID = 0 - все агенты.
func (s *AuditService) FetchLogs(ctx context.Context, agentID int64, limit int) ([]audit.InvocationEvent, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	limit = min(limit, maxAuditLimit)

	logs, err := s.repo.ListRecent(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	if logs == nil {
		logs = []audit.InvocationEvent{}
	}
	return logs, nil
}
