package postgres

/*
approval_logs - журнал HITL. Первое решение выигрывает: UPDATE с условием
status = 'pending' атомарен, проигравший получает уже записанное решение.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

const approvalColumns = `id, agent_id, cubicle_id, command, status, approved_by, approved_at, created_at`

type ApprovalRepo struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var (
		app    domain.ApprovalRequest
		status string
	)
	err := row.Scan(&app.ID, &app.AgentID, &app.CubicleID, &app.Command, &status,
		&app.ApprovedBy, &app.ApprovedAt, &app.CreatedAt)
	if err != nil {
		return nil, err
	}
	app.Status = domain.ApprovalStatus(status)
	return &app, nil
}

func (r *ApprovalRepo) CreateApproval(ctx context.Context, agentID int64, cubicleID, command string) (*domain.ApprovalRequest, error) {
	app, err := scanApproval(r.pool.QueryRow(ctx, `
		INSERT INTO approval_logs (agent_id, cubicle_id, command, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING `+approvalColumns, agentID, cubicleID, command))
	if err != nil {
		return nil, fmt.Errorf("postgres: create approval: %w", err)
	}
	return app, nil
}

// DecideApproval: RETURNING отдает запись за один проход. Нет строки -
// либо неверный id, либо решение уже принято: различаем повторным SELECT.
func (r *ApprovalRepo) DecideApproval(ctx context.Context, id int64, status domain.ApprovalStatus, approverID *int64, at time.Time) (*domain.ApprovalRequest, bool, error) {
	app, err := scanApproval(r.pool.QueryRow(ctx, `
		UPDATE approval_logs
		SET status = $2, approved_by = $3, approved_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+approvalColumns, id, string(status), approverID, at))
	if err == nil {
		return app, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("postgres: decide approval %d: %w", id, err)
	}

	existing, err := r.GetApproval(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *ApprovalRepo) GetApproval(ctx context.Context, id int64) (*domain.ApprovalRequest, error) {
	app, err := scanApproval(r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get approval %d: %w", id, err)
	}
	return app, nil
}

// ListApprovals - очередь решений. Пустой status - все.
func (r *ApprovalRepo) ListApprovals(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_logs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// CountPending для дашборда.
func (r *ApprovalRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_logs WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count pending: %w", err)
	}
	return n, nil
}
