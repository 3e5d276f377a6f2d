package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

// AgentRepository - хранилище персон.
type AgentRepository interface {
	GetAgent(ctx context.Context, id int64) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) error
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	DeleteAgent(ctx context.Context, id int64) error
}

// KillSwitch - БД + L1 + сигнал остальным инстансам одним вызовом.
type KillSwitch interface {
	SetBlocked(ctx context.Context, agentID int64, blocked bool) error
}

type BudgetInitializer interface {
	EnsureDefault(ctx context.Context, agentID int64) error
}

// CubicleRemover - кусок cubicle.Manager для каскадного удаления.
type CubicleRemover interface {
	ListAll(ctx context.Context) ([]domain.Cubicle, error)
	Remove(ctx context.Context, cubicleID string) bool
}

type AgentService struct {
	repo     AgentRepository
	ks       KillSwitch
	budgets  BudgetInitializer
	cubicles CubicleRemover
	logger   *zap.Logger
}

func NewAgentService(repo AgentRepository, ks KillSwitch, budgets BudgetInitializer, cubicles CubicleRemover, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:     repo,
		ks:       ks,
		budgets:  budgets,
		cubicles: cubicles,
		logger:   logger.Named("agent-service"),
	}
}

func (s *AgentService) GetAgent(ctx context.Context, id int64) (*domain.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

func (s *AgentService) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}
	if agents == nil {
		return []*domain.Agent{}, nil
	}
	return agents, nil
}

// CreateAgent заводит персону сразу с дефолтным бюджетом:
// без строки бюджета агент не сможет ничего потратить.
func (s *AgentService) CreateAgent(ctx context.Context, a *domain.Agent) error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return fmt.Errorf("service: agent name is required")
	}
	a.IsActive = true
	if err := s.repo.CreateAgent(ctx, a); err != nil {
		return err
	}
	if err := s.budgets.EnsureDefault(ctx, a.ID); err != nil {
		s.logger.Error("agent created without budget", zap.Int64("agent_id", a.ID), zap.Error(err))
		return err
	}
	s.logger.Info("agent created", zap.Int64("agent_id", a.ID), zap.String("name", a.Name))
	return nil
}

// UpdateAgent меняет профиль персоны. is_active принадлежит kill-switch'у,
// через профиль его не переключить.
func (s *AgentService) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	cur, err := s.repo.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		a.Name = cur.Name
	}
	a.IsActive = cur.IsActive
	a.CreatedAt = cur.CreatedAt
	return s.repo.UpdateAgent(ctx, a)
}

// DeleteAgent удаляет персону вместе с ее кабинками (бюджет уходит каскадом в БД).
// Не удалось снести хоть одну кабинку - персона остается.
func (s *AgentService) DeleteAgent(ctx context.Context, id int64) error {
	if _, err := s.repo.GetAgent(ctx, id); err != nil {
		return err
	}
	removed, err := s.removeCubicles(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAgent(ctx, id); err != nil {
		return err
	}

	// Кабинка, поднятая параллельным вызовом между проходом и удалением строки
	late, err := s.removeCubicles(ctx, id)
	if err != nil {
		s.logger.Warn("cubicle left after agent delete", zap.Int64("agent_id", id), zap.Error(err))
	}
	s.logger.Info("agent deleted", zap.Int64("agent_id", id), zap.Int("cubicles_removed", removed+late))
	return nil
}

func (s *AgentService) removeCubicles(ctx context.Context, agentID int64) (int, error) {
	list, err := s.cubicles.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range list {
		if c.AgentID != agentID {
			continue
		}
		if !s.cubicles.Remove(ctx, c.ID) {
			return removed, &domain.SandboxLifecycleError{Op: "remove", CubicleID: c.ID, Err: fmt.Errorf("agent %d still has cubicles", agentID)}
		}
		removed++
	}
	return removed, nil
}

func (s *AgentService) BlockAgent(ctx context.Context, id int64) error {
	return s.setBlocked(ctx, id, true)
}

func (s *AgentService) UnblockAgent(ctx context.Context, id int64) error {
	return s.setBlocked(ctx, id, false)
}

func (s *AgentService) setBlocked(ctx context.Context, id int64, blocked bool) error {
	if _, err := s.repo.GetAgent(ctx, id); err != nil {
		return err
	}
	if err := s.ks.SetBlocked(ctx, id, blocked); err != nil {
		s.logger.Error("kill-switch update failed", zap.Int64("agent_id", id), zap.Bool("blocked", blocked), zap.Error(err))
		return err
	}
	return nil
}
