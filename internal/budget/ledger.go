// Package budget - дневной лимит расходов агента с ленивым сбросом по UTC-дате.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

var ErrNoBudget = errors.New("budget not found")

// Store - хранилище бюджетов. ResetSpend обнуляет расход, только если
// last_reset_date отличается от today (повторный вызов безопасен).
type Store interface {
	GetBudget(ctx context.Context, agentID int64) (*domain.Budget, error)
	ResetSpend(ctx context.Context, agentID int64, today string) error
	AddSpend(ctx context.Context, agentID int64, amount float64) error
	SetLimit(ctx context.Context, agentID int64, limit float64) error
	ListBudgets(ctx context.Context) ([]domain.Budget, error)
}

type Config struct {
	CostPerChar  float64
	DefaultLimit float64
}

type Ledger struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("budget"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Snapshot текущий бюджет с уже примененным ленивым сбросом.
func (l *Ledger) Snapshot(ctx context.Context, agentID int64) (*domain.Budget, error) {
	b, err := l.store.GetBudget(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return l.rollover(ctx, b)
}

// CanSpend: сброс при смене даты, затем currentSpend < dailyLimit.
// Нет бюджета - тратить нельзя.
func (l *Ledger) CanSpend(ctx context.Context, agentID int64) (bool, error) {
	b, err := l.Snapshot(ctx, agentID)
	if errors.Is(err, ErrNoBudget) {
		l.logger.Warn("agent has no budget row", zap.Int64("agent_id", agentID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("budget: can spend %d: %w", agentID, err)
	}
	return b.Allows(), nil
}

// RecordSpend безусловно прибавляет amount. Гейт - забота вызывающего.
func (l *Ledger) RecordSpend(ctx context.Context, agentID int64, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("budget: negative spend %f for agent %d", amount, agentID)
	}
	if amount == 0 {
		return nil
	}
	// Трата после полуночи не должна прибавиться к вчерашнему расходу
	if _, err := l.Snapshot(ctx, agentID); err != nil {
		return fmt.Errorf("budget: record spend %d: %w", agentID, err)
	}
	if err := l.store.AddSpend(ctx, agentID, amount); err != nil {
		return fmt.Errorf("budget: record spend %d: %w", agentID, err)
	}
	return nil
}

// SetLimit действует сразу для следующих проверок.
func (l *Ledger) SetLimit(ctx context.Context, agentID int64, limit float64) error {
	if limit < 0 {
		return fmt.Errorf("budget: negative limit %f", limit)
	}
	if err := l.store.SetLimit(ctx, agentID, limit); err != nil {
		return fmt.Errorf("budget: set limit %d: %w", agentID, err)
	}
	l.logger.Info("daily limit changed", zap.Int64("agent_id", agentID), zap.Float64("limit", limit))
	return nil
}

// EnsureDefault заводит бюджет с дефолтным лимитом, если его нет.
func (l *Ledger) EnsureDefault(ctx context.Context, agentID int64) error {
	_, err := l.store.GetBudget(ctx, agentID)
	if errors.Is(err, ErrNoBudget) {
		return l.SetLimit(ctx, agentID, l.cfg.DefaultLimit)
	}
	return err
}

// List все бюджеты с примененным сбросом (дашборд).
func (l *Ledger) List(ctx context.Context) ([]domain.Budget, error) {
	list, err := l.store.ListBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget: list: %w", err)
	}
	for i := range list {
		b, err := l.rollover(ctx, &list[i])
		if err != nil {
			return nil, err
		}
		list[i] = *b
	}
	return list, nil
}

// TotalSpendToday сумма расходов всех агентов за сегодня.
func (l *Ledger) TotalSpendToday(ctx context.Context) (float64, error) {
	list, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, b := range list {
		total += b.CurrentSpend
	}
	return total, nil
}

// CostOf стоимость по длине вывода в символах.
// TODO: заменить на стоимость из ответа провайдера, когда agent.py начнет ее отдавать.
func (l *Ledger) CostOf(output string) float64 {
	return float64(utf8.RuneCountInString(output)) * l.cfg.CostPerChar
}

func (l *Ledger) rollover(ctx context.Context, b *domain.Budget) (*domain.Budget, error) {
	today := domain.UTCDate(l.now())
	if b.LastResetDate == today {
		return b, nil
	}
	if err := l.store.ResetSpend(ctx, b.AgentID, today); err != nil {
		return nil, fmt.Errorf("budget: reset %d: %w", b.AgentID, err)
	}
	b.CurrentSpend = 0
	b.LastResetDate = today
	return b, nil
}
