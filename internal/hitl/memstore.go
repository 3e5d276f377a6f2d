package hitl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

// MemoryAuditStore - AuditStore в памяти (тесты, запуск без Postgres).
type MemoryAuditStore struct {
	mu   sync.Mutex
	seq  int64
	recs map[int64]*domain.ApprovalRequest
	now  func() time.Time
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{recs: make(map[int64]*domain.ApprovalRequest), now: time.Now}
}

func (s *MemoryAuditStore) CreateApproval(_ context.Context, agentID int64, cubicleID, command string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec := &domain.ApprovalRequest{
		ID:        s.seq,
		AgentID:   agentID,
		CubicleID: cubicleID,
		Command:   command,
		Status:    domain.StatusPending,
		CreatedAt: s.now().UTC(),
	}
	s.recs[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (s *MemoryAuditStore) DecideApproval(_ context.Context, id int64, status domain.ApprovalStatus, approverID *int64, at time.Time) (*domain.ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, false, domain.ErrApprovalNotFound
	}
	if err := rec.CanTransitionTo(status); err != nil {
		cp := *rec
		return &cp, false, nil
	}
	rec.Status = status
	if approverID != nil {
		v := *approverID
		rec.ApprovedBy = &v
	}
	t := at
	rec.ApprovedAt = &t
	cp := *rec
	return &cp, true, nil
}

func (s *MemoryAuditStore) GetApproval(_ context.Context, id int64) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryAuditStore) ListApprovals(_ context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ApprovalRequest, 0, len(s.recs))
	for _, r := range s.recs {
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
