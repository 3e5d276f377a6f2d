package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

const agentColumns = `id, name, role, docker_image, require_approval, is_active, llm_provider, llm_model, created_at, updated_at`

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	a := &domain.Agent{}
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Image, &a.RequireApproval, &a.IsActive,
		&a.Provider, &a.Model, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AgentRepo) GetAgent(ctx context.Context, id int64) (*domain.Agent, error) {
	a, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent %d: %w", id, err)
	}
	return a, nil
}

func (r *AgentRepo) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAgent заполняет ID и таймстемпы из RETURNING.
func (r *AgentRepo) CreateAgent(ctx context.Context, a *domain.Agent) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO agents (name, role, docker_image, require_approval, is_active, llm_provider, llm_model)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		a.Name, a.Role, a.Image, a.RequireApproval, a.IsActive, a.Provider, a.Model,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (r *AgentRepo) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE agents
		SET name = $2, role = $3, docker_image = $4, require_approval = $5,
		    is_active = $6, llm_provider = $7, llm_model = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.Name, a.Role, a.Image, a.RequireApproval, a.IsActive, a.Provider, a.Model,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: update agent %d: %w", a.ID, err)
	}
	return nil
}

func (r *AgentRepo) DeleteAgent(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete agent %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// GetBlockedAgents - холодная загрузка L1 кэша kill-switch.
// Заблокированный агент = is_active false.
func (r *AgentRepo) GetBlockedAgents(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM agents WHERE NOT is_active`)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch blocked agents: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration: %w", err)
	}
	return ids, nil
}

func (r *AgentRepo) SetAgentBlocked(ctx context.Context, id int64, blocked bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agents SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, !blocked)
	if err != nil {
		return fmt.Errorf("postgres: set blocked %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// CountAgents для дашборда: всего и активных.
func (r *AgentRepo) CountAgents(ctx context.Context) (total, active int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active)
		FROM agents`).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: count agents: %w", err)
	}
	return total, active, nil
}
