package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hermit-cubicles/internal/audit"
	"github.com/xela07ax/hermit-cubicles/internal/budget"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/infra"
)

// Тесты ходят в живой Postgres: HERMIT_TEST_DATABASE_URL=postgres://... go test ./...
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("HERMIT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HERMIT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, infra.DatabaseConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pool))
	t.Cleanup(pool.Close)
	return pool
}

func seedAgent(t *testing.T, pool *pgxpool.Pool) *domain.Agent {
	t.Helper()
	a := &domain.Agent{Name: "Builder-" + uuid.NewString()[:8], Role: "engineer", IsActive: true, RequireApproval: true}
	require.NoError(t, NewAgentRepo(pool).CreateAgent(context.Background(), a))
	t.Cleanup(func() { _ = NewAgentRepo(pool).DeleteAgent(context.Background(), a.ID) })
	return a
}

func TestAgentKillSwitchColumn(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewAgentRepo(pool)
	a := seedAgent(t, pool)

	require.NoError(t, repo.SetAgentBlocked(ctx, a.ID, true))
	ids, err := repo.GetBlockedAgents(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, a.ID)

	got, err := repo.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = repo.GetAgent(ctx, -1)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestBudgetResetIsConditional(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewBudgetRepo(pool)
	a := seedAgent(t, pool)

	_, err := repo.GetBudget(ctx, a.ID)
	require.ErrorIs(t, err, budget.ErrNoBudget)

	require.NoError(t, repo.SetLimit(ctx, a.ID, 5))
	require.NoError(t, repo.AddSpend(ctx, a.ID, 1.25))

	b, err := repo.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, b.CurrentSpend, 1e-9)

	// Та же дата - сброса нет
	require.NoError(t, repo.ResetSpend(ctx, a.ID, b.LastResetDate))
	b, err = repo.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, b.CurrentSpend, 1e-9)

	require.NoError(t, repo.ResetSpend(ctx, a.ID, "2099-01-01"))
	b, err = repo.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, b.CurrentSpend)
	assert.Equal(t, "2099-01-01", b.LastResetDate)
}

func TestApprovalFirstDecisionWins(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewApprovalRepo(pool)

	rec, err := repo.CreateApproval(ctx, 7, "cub-1", "rm -rf /data")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)

	approver := int64(42)
	at := time.Now().UTC().Truncate(time.Microsecond)
	first, applied, err := repo.DecideApproval(ctx, rec.ID, domain.StatusDenied, &approver, at)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusDenied, first.Status)

	second, applied, err := repo.DecideApproval(ctx, rec.ID, domain.StatusApproved, nil, at)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.StatusDenied, second.Status)
	require.NotNil(t, second.ApprovedBy)
	assert.Equal(t, approver, *second.ApprovedBy)

	_, _, err = repo.DecideApproval(ctx, -1, domain.StatusApproved, nil, at)
	assert.ErrorIs(t, err, domain.ErrApprovalNotFound)
}

func TestAuditCopyAndList(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewAuditRepo(pool)

	agentID := time.Now().UnixNano()
	events := []audit.InvocationEvent{
		{ID: uuid.NewString(), TraceID: "t1", AgentID: agentID, UserID: 1, Status: audit.StatusSuccess, Timestamp: time.Now()},
		{ID: uuid.NewString(), TraceID: "t2", AgentID: agentID, UserID: 2, Status: audit.StatusTimedOut, Timestamp: time.Now().Add(time.Second)},
	}
	require.NoError(t, repo.WriteBatch(ctx, events))

	got, err := repo.ListRecent(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].TraceID)
}
