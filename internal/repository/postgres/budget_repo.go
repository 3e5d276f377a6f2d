package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/hermit-cubicles/internal/budget"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

// BudgetRepo - budget.Store поверх agent_budgets.
// Дата хранится как DATE, наружу отдаем YYYY-MM-DD.
type BudgetRepo struct {
	pool *pgxpool.Pool
}

func NewBudgetRepo(pool *pgxpool.Pool) *BudgetRepo {
	return &BudgetRepo{pool: pool}
}

const budgetColumns = `agent_id, daily_limit_usd::float8, current_spend_usd::float8, to_char(last_reset_date, 'YYYY-MM-DD')`

func (r *BudgetRepo) GetBudget(ctx context.Context, agentID int64) (*domain.Budget, error) {
	b := &domain.Budget{}
	err := r.pool.QueryRow(ctx, `SELECT `+budgetColumns+` FROM agent_budgets WHERE agent_id = $1`, agentID).
		Scan(&b.AgentID, &b.DailyLimit, &b.CurrentSpend, &b.LastResetDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, budget.ErrNoBudget
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get budget %d: %w", agentID, err)
	}
	return b, nil
}

// ResetSpend условный: два конкурентных сброса в один день дают один эффект.
func (r *BudgetRepo) ResetSpend(ctx context.Context, agentID int64, today string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE agent_budgets
		SET current_spend_usd = 0, last_reset_date = $2::date
		WHERE agent_id = $1 AND last_reset_date <> $2::date`, agentID, today)
	if err != nil {
		return fmt.Errorf("postgres: reset spend %d: %w", agentID, err)
	}
	return nil
}

// AddSpend атомарный инкремент на стороне БД, без read-modify-write.
func (r *BudgetRepo) AddSpend(ctx context.Context, agentID int64, amount float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_budgets SET current_spend_usd = current_spend_usd + $2
		WHERE agent_id = $1`, agentID, amount)
	if err != nil {
		return fmt.Errorf("postgres: add spend %d: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return budget.ErrNoBudget
	}
	return nil
}

func (r *BudgetRepo) SetLimit(ctx context.Context, agentID int64, limit float64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agent_budgets (agent_id, daily_limit_usd)
		VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET daily_limit_usd = EXCLUDED.daily_limit_usd`, agentID, limit)
	if err != nil {
		return fmt.Errorf("postgres: set limit %d: %w", agentID, err)
	}
	return nil
}

func (r *BudgetRepo) ListBudgets(ctx context.Context) ([]domain.Budget, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+budgetColumns+` FROM agent_budgets ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list budgets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Budget, 0)
	for rows.Next() {
		var b domain.Budget
		if err := rows.Scan(&b.AgentID, &b.DailyLimit, &b.CurrentSpend, &b.LastResetDate); err != nil {
			return nil, fmt.Errorf("postgres: scan budget: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ budget.Store = (*BudgetRepo)(nil)
