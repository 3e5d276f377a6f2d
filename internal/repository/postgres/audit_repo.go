package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/hermit-cubicles/internal/audit"
)

var invocationColumns = []string{
	"id", "trace_id", "agent_id", "user_id", "cubicle_id", "provider", "model", "status",
	"commands", "approvals", "output_chars", "cost_usd", "duration_ms", "error", "timestamp",
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch пишет пачку через COPY: один round-trip на весь батч.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.InvocationEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"invocation_logs"}, invocationColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{
				e.ID, e.TraceID, e.AgentID, e.UserID, e.CubicleID, e.Provider, e.Model, e.Status,
				int32(e.Commands), int32(e.Approvals), int32(e.OutputChars), e.CostUSD, e.DurationMs,
				e.Error, e.Timestamp,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("postgres: write audit batch (%d): %w", len(events), err)
	}
	return nil
}

// ListRecent последние события, опционально по агенту (agentID 0 - все).
func (r *AuditRepo) ListRecent(ctx context.Context, agentID int64, limit int) ([]audit.InvocationEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, trace_id, agent_id, user_id, cubicle_id, provider, model, status,
		       commands, approvals, output_chars, cost_usd, duration_ms, error, timestamp
		FROM invocation_logs
		WHERE $1::bigint = 0 OR agent_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.InvocationEvent, 0)
	for rows.Next() {
		var e audit.InvocationEvent
		if err := rows.Scan(&e.ID, &e.TraceID, &e.AgentID, &e.UserID, &e.CubicleID, &e.Provider,
			&e.Model, &e.Status, &e.Commands, &e.Approvals, &e.OutputChars, &e.CostUSD,
			&e.DurationMs, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
