package budget

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

// MemoryStore - Store в памяти.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[int64]domain.Budget
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[int64]domain.Budget)}
}

// Put кладет бюджет как есть (тесты, сиды).
func (s *MemoryStore) Put(b domain.Budget) {
	s.mu.Lock()
	s.budgets[b.AgentID] = b
	s.mu.Unlock()
}

func (s *MemoryStore) GetBudget(_ context.Context, agentID int64) (*domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[agentID]
	if !ok {
		return nil, ErrNoBudget
	}
	return &b, nil
}

func (s *MemoryStore) ResetSpend(_ context.Context, agentID int64, today string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[agentID]
	if !ok {
		return ErrNoBudget
	}
	if b.LastResetDate != today {
		b.CurrentSpend = 0
		b.LastResetDate = today
		s.budgets[agentID] = b
	}
	return nil
}

func (s *MemoryStore) AddSpend(_ context.Context, agentID int64, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[agentID]
	if !ok {
		return ErrNoBudget
	}
	b.CurrentSpend += amount
	s.budgets[agentID] = b
	return nil
}

func (s *MemoryStore) SetLimit(_ context.Context, agentID int64, limit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[agentID]
	if !ok {
		b = domain.Budget{AgentID: agentID}
	}
	b.DailyLimit = limit
	s.budgets[agentID] = b
	return nil
}

func (s *MemoryStore) ListBudgets(_ context.Context) ([]domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
