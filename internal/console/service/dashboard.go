package service

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

type CubicleLister interface {
	ListAll(ctx context.Context) ([]domain.Cubicle, error)
	Ping(ctx context.Context) error
}

type AgentCounter interface {
	CountAgents(ctx context.Context) (total, active int, err error)
}

type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type SpendReporter interface {
	TotalSpendToday(ctx context.Context) (float64, error)
}

// DashboardService собирает сводку из хоста, БД и бюджетов параллельно.
type DashboardService struct {
	cubicles CubicleLister
	agents   AgentCounter
	pending  PendingCounter
	spend    SpendReporter
	logger   *zap.Logger
}

func NewDashboardService(c CubicleLister, a AgentCounter, p PendingCounter, s SpendReporter, logger *zap.Logger) *DashboardService {
	return &DashboardService{cubicles: c, agents: a, pending: p, spend: s, logger: logger.Named("dashboard")}
}

// GetStats: недоступный Docker не ломает дашборд, только host_status = offline.
func (s *DashboardService) GetStats(ctx context.Context) (*domain.DashboardStats, error) {
	stats := &domain.DashboardStats{HostStatus: "online"}

	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		if err := s.cubicles.Ping(ctx); err != nil {
			s.logger.Warn("container host unreachable", zap.Error(err))
			stats.HostStatus = "offline"
			return nil
		}
		list, err := s.cubicles.ListAll(ctx)
		if err != nil {
			s.logger.Warn("cubicle listing failed", zap.Error(err))
			stats.HostStatus = "offline"
			return nil
		}
		for _, c := range list {
			switch c.State {
			case domain.StateRunning:
				stats.ActiveCubicles++
			case domain.StateStopped:
				stats.StoppedCubicles++
			}
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		total, active, err := s.agents.CountAgents(ctx)
		stats.TotalAgents, stats.ActiveAgents = total, active
		return err
	})
	p.Go(func(ctx context.Context) error {
		n, err := s.pending.CountPending(ctx)
		stats.PendingApproval = n
		return err
	})
	p.Go(func(ctx context.Context) error {
		total, err := s.spend.TotalSpendToday(ctx)
		stats.TotalSpendToday = total
		return err
	})

	if err := p.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
