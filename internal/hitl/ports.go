package hitl

import (
	"context"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

// AuditStore - долговременный журнал запросов на аппрув.
type AuditStore interface {
	CreateApproval(ctx context.Context, agentID int64, cubicleID, command string) (*domain.ApprovalRequest, error)
	// DecideApproval переводит pending в терминальный статус. Если запрос
	// уже решен, ничего не меняет и возвращает существующую запись с applied=false.
	DecideApproval(ctx context.Context, id int64, status domain.ApprovalStatus, approverID *int64, at time.Time) (rec *domain.ApprovalRequest, applied bool, err error)
	GetApproval(ctx context.Context, id int64) (*domain.ApprovalRequest, error)
	ListApprovals(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error)
}

// Notifier - канал аппруверов (Slack или лог).
type Notifier interface {
	NotifyApprovalNeeded(ctx context.Context, req domain.ApprovalRequest) error
}

// ArtifactWriter кладет lock-файл в файловую систему кабинки.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, cubicleID, path string) error
}

// Publisher транслирует решение другим инстансам (опционально).
type Publisher interface {
	PublishDecision(ctx context.Context, req domain.ApprovalRequest) error
}
