package server_test

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hermit-cubicles/internal/audit"
	"github.com/xela07ax/hermit-cubicles/internal/budget"
	"github.com/xela07ax/hermit-cubicles/internal/console/handler"
	"github.com/xela07ax/hermit-cubicles/internal/console/server"
	"github.com/xela07ax/hermit-cubicles/internal/console/service"
	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
	"github.com/xela07ax/hermit-cubicles/internal/cubicle/cubicletest"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/engine"
	"github.com/xela07ax/hermit-cubicles/internal/execution"
	"github.com/xela07ax/hermit-cubicles/internal/hitl"
	"github.com/xela07ax/hermit-cubicles/internal/infra"
	infraauth "github.com/xela07ax/hermit-cubicles/internal/infra/auth"
	"github.com/xela07ax/hermit-cubicles/internal/notify"
	"github.com/xela07ax/hermit-cubicles/internal/reaper"
	"go.uber.org/zap"
)

const slackSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type admins map[string]*domain.Admin

func (a admins) GetAdminByUsername(_ context.Context, u string) (*domain.Admin, error) {
	return a[u], nil
}

type agentStore struct {
	agents map[int64]*domain.Agent
}

func (s *agentStore) GetAgent(_ context.Context, id int64) (*domain.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *agentStore) ListAgents(context.Context) ([]*domain.Agent, error) {
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *agentStore) CreateAgent(_ context.Context, a *domain.Agent) error {
	a.ID = int64(len(s.agents) + 100)
	s.agents[a.ID] = a
	return nil
}

func (s *agentStore) UpdateAgent(_ context.Context, a *domain.Agent) error {
	if _, ok := s.agents[a.ID]; !ok {
		return domain.ErrAgentNotFound
	}
	s.agents[a.ID] = a
	return nil
}

func (s *agentStore) DeleteAgent(_ context.Context, id int64) error {
	if _, ok := s.agents[id]; !ok {
		return domain.ErrAgentNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *agentStore) GetBlockedAgents(context.Context) ([]int64, error) { return nil, nil }

func (s *agentStore) SetAgentBlocked(_ context.Context, id int64, blocked bool) error {
	s.agents[id].IsActive = !blocked
	return nil
}

func (s *agentStore) CountAgents(context.Context) (int, int, error) {
	active := 0
	for _, a := range s.agents {
		if a.IsActive {
			active++
		}
	}
	return len(s.agents), active, nil
}

type pendingCount struct{ store *hitl.MemoryAuditStore }

func (p pendingCount) CountPending(ctx context.Context) (int, error) {
	list, err := p.store.ListApprovals(ctx, domain.StatusPending, 0)
	return len(list), err
}

type auditLog struct{ mem *audit.MemoryStorage }

func (a auditLog) Log(e audit.InvocationEvent) {
	_ = a.mem.WriteBatch(context.Background(), []audit.InvocationEvent{e})
}

func (a auditLog) ListRecent(_ context.Context, agentID int64, limit int) ([]audit.InvocationEvent, error) {
	var out []audit.InvocationEvent
	for _, e := range a.mem.Recent(limit) {
		if agentID == 0 || e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out, nil
}

type env struct {
	srv       *httptest.Server
	host      *cubicletest.FakeHost
	budgets   *budget.MemoryStore
	approvals *hitl.MemoryAuditStore
	key       *rsa.PrivateKey
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	ws, err := cubicle.NewWorkspace(filepath.Join(root, "ws"), filepath.Join(root, "cache"))
	require.NoError(t, err)

	host := cubicletest.NewFakeHost()
	host.ExecFn = func(_ string, spec cubicle.ExecSpec) cubicletest.ExecResult {
		if spec.Cmd[0] == "touch" {
			return cubicletest.ExecResult{}
		}
		return cubicletest.ExecResult{Output: "COMMAND: ls\nDone\n"}
	}
	activity := cubicle.NewMemoryActivity()
	mgr := cubicle.NewManager(host, cubicle.NewRegistry(host, activity, zap.NewNop()), ws, activity,
		cubicle.Limits{DefaultImage: "hermit/base:latest"}, zap.NewNop())

	budgets := budget.NewMemoryStore()
	budgets.Put(domain.Budget{AgentID: 7, DailyLimit: 5, LastResetDate: domain.UTCDate(time.Now())})
	ledger := budget.NewLedger(budgets, budget.Config{CostPerChar: 0.00001, DefaultLimit: 1}, zap.NewNop())

	approvals := hitl.NewMemoryAuditStore()
	coord := hitl.NewCoordinator(approvals, notify.NewLogNotifier(zap.NewNop()), hitl.NewExecArtifactWriter(host),
		hitl.Config{ApproveArtifact: "/tmp/hermit_approval.lock", DenyArtifact: "/tmp/hermit_deny.lock"}, zap.NewNop())

	agents := &agentStore{agents: map[int64]*domain.Agent{
		7: {ID: 7, Name: "Builder", IsActive: true, Provider: "openrouter"},
	}}
	ks := engine.NewKillSwitch(agents, nil, zap.NewNop())
	mem := auditLog{mem: &audit.MemoryStorage{}}

	orch := engine.NewOrchestrator(engine.Deps{
		Agents:    agents,
		Blocklist: ks,
		Ledger:    ledger,
		Creds:     infra.NewCredentials(map[string]string{"openrouter": "sk-test"}),
		Cubicles:  mgr,
		Runner:    execution.NewChannel(host, zap.NewNop()),
		Approvals: coord,
		Auditor:   mem,
	}, engine.Defaults{Provider: "openrouter", Model: "auto"}, zap.NewNop())

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hash, err := service.HashPassword("s3cret", 4)
	require.NoError(t, err)
	authSvc := service.NewAuthService(admins{
		"root": {ID: 1, Username: "root", PasswordHash: hash, Scopes: map[string]bool{"admin": true}},
	}, key, time.Hour)

	rp := reaper.New(mgr, reaper.Config{}, zap.NewNop())

	srv := server.NewConsoleServer(zap.NewNop(), authSvc, nil, server.Handlers{
		Auth:         handler.NewAuthHandler(authSvc),
		Invoke:       handler.NewInvokeHandler(orch, zap.NewNop()),
		Cubicles:     handler.NewCubicleHandler(mgr, ws, rp),
		Budgets:      handler.NewBudgetHandler(ledger),
		Approvals:    handler.NewApprovalHandler(coord, slackSecret, zap.NewNop()),
		Agents:       handler.NewAgentHandler(service.NewAgentService(agents, ks, ledger, mgr, zap.NewNop()), zap.NewNop()),
		Dashboard:    handler.NewDashboardHandler(service.NewDashboardService(mgr, agents, pendingCount{approvals}, ledger, zap.NewNop())),
		Audit:        handler.NewAuditHandler(service.NewAuditService(mem)),
		SlackEnabled: true,
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &env{srv: ts, host: host, budgets: budgets, approvals: approvals, key: key}
}

func (e *env) token(t *testing.T, userID string, scopes map[string]bool) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, domain.CustomClaims{
		UserID: userID,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    infraauth.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(e.key)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestLoginAndPerimeter(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/cubicles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "root", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := e.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "root", Password: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok domain.TokenResponse
	require.NoError(t, json.Unmarshal(raw, &tok))
	assert.Equal(t, "Bearer", tok.TokenType)

	resp, _ = e.do(t, http.MethodGet, "/v1/cubicles", tok.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvokeAndInspectCubicle(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, "1", map[string]bool{"admin": true})

	resp, raw := e.do(t, http.MethodPost, "/v1/invoke", admin, map[string]any{
		"agent_id": 7, "user_id": 42, "message": "build it",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var out struct {
		Output    string `json:"output"`
		CubicleID string `json:"cubicle_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Done", out.Output)

	resp, raw = e.do(t, http.MethodGet, "/v1/cubicles/7/42", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cub domain.Cubicle
	require.NoError(t, json.Unmarshal(raw, &cub))
	assert.Equal(t, out.CubicleID, cub.ID)
	assert.Equal(t, domain.StateRunning, cub.State)

	resp, _ = e.do(t, http.MethodPost, "/v1/cubicles/"+out.CubicleID+"/stop", admin, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = e.do(t, http.MethodGet, "/v1/cubicles/7/42", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &cub))
	assert.Equal(t, domain.StateStopped, cub.State)

	resp, raw = e.do(t, http.MethodGet, "/v1/audit?agent_id=7", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), audit.StatusSuccess)

	resp, raw = e.do(t, http.MethodGet, "/v1/dashboard/stats", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.DashboardStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, "online", stats.HostStatus)
	assert.Equal(t, 1, stats.StoppedCubicles)
}

func TestInvokeUserFacingErrors(t *testing.T) {
	e := newEnv(t)
	invoker := e.token(t, "2", map[string]bool{"invoke": true})

	e.budgets.Put(domain.Budget{AgentID: 7, DailyLimit: 1, CurrentSpend: 1, LastResetDate: domain.UTCDate(time.Now())})
	resp, raw := e.do(t, http.MethodPost, "/v1/invoke", invoker, map[string]any{"agent_id": 7, "user_id": 42, "message": "hi"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, string(raw), "Budget exceeded for Builder. Please try again tomorrow.")

	resp, _ = e.do(t, http.MethodPost, "/v1/invoke", invoker, map[string]any{"agent_id": 99, "user_id": 42, "message": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/invoke", invoker, map[string]any{"agent_id": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Без scope operator менять бюджет нельзя
	resp, _ = e.do(t, http.MethodPut, "/v1/budgets/7", invoker, map[string]any{"daily_limit_usd": 10})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBudgetLimitChange(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, "3", map[string]bool{"operator": true})

	resp, raw := e.do(t, http.MethodPut, "/v1/budgets/7", op, map[string]any{"daily_limit_usd": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var b domain.Budget
	require.NoError(t, json.Unmarshal(raw, &b))
	assert.Equal(t, 10.0, b.DailyLimit)

	resp, _ = e.do(t, http.MethodPut, "/v1/budgets/7", op, map[string]any{"daily_limit_usd": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDecideFirstWins(t *testing.T) {
	e := newEnv(t)
	e.host.Seed(cubicle.Container{ID: "cub-1", Running: true})
	rec, err := e.approvals.CreateApproval(context.Background(), 7, "cub-1", "rm -rf /data")
	require.NoError(t, err)

	approver := e.token(t, "77", map[string]bool{"approvals": true})
	viewer := e.token(t, "5", map[string]bool{})
	path := fmt.Sprintf("/v1/approvals/%d/decide", rec.ID)

	resp, _ := e.do(t, http.MethodPost, path, viewer, map[string]string{"decision": "approve"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw := e.do(t, http.MethodPost, path, approver, map[string]string{"decision": "deny"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var got domain.ApprovalRequest
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, domain.StatusDenied, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, int64(77), *got.ApprovedBy)

	resp, raw = e.do(t, http.MethodPost, path, approver, map[string]string{"decision": "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, domain.StatusDenied, got.Status)

	resp, _ = e.do(t, http.MethodPost, "/v1/approvals/9999/decide", approver, map[string]string{"decision": "approve"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path, approver, map[string]string{"decision": "later"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func slackRequest(t *testing.T, srvURL, payload string, secret string) *http.Request {
	t.Helper()
	body := "payload=" + url.QueryEscape(payload)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req, err := http.NewRequest(http.MethodPost, srvURL+"/v1/approvals/slack", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlackInteractionResolves(t *testing.T) {
	e := newEnv(t)
	e.host.Seed(cubicle.Container{ID: "cub-1", Running: true})
	rec, err := e.approvals.CreateApproval(context.Background(), 7, "cub-1", "deploy")
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"type":"block_actions","user":{"id":"U42"},"actions":[{"block_id":"hermit_approval_%d","action_id":%q,"value":%q}]}`,
		rec.ID, notify.ActionApprove, notify.ActionValue(domain.StatusApproved, rec.ID, "cub-1"))

	// Чужая подпись
	resp, err := e.srv.Client().Do(slackRequest(t, e.srv.URL, payload, "wrong-secret"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = e.srv.Client().Do(slackRequest(t, e.srv.URL, payload, slackSecret))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := e.approvals.GetApproval(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Nil(t, got.ApprovedBy, "slack users have no operator id")

	var touched []string
	for _, c := range e.host.ExecCalls() {
		touched = append(touched, strings.Join(c.Spec.Cmd, " "))
	}
	assert.Contains(t, touched, "touch /tmp/hermit_approval.lock")
}

func TestKillSwitchEndpoints(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, "3", map[string]bool{"operator": true, "invoke": true})

	resp, _ := e.do(t, http.MethodPost, "/v1/agents/7/block", op, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw := e.do(t, http.MethodPost, "/v1/invoke", op, map[string]any{"agent_id": 7, "user_id": 1, "message": "hi"})
	assert.Equal(t, http.StatusLocked, resp.StatusCode, string(raw))
	assert.Zero(t, e.host.Count())

	resp, _ = e.do(t, http.MethodPost, "/v1/agents/7/unblock", op, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/agents/404/block", op, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentProfileCannotFlipKillSwitch(t *testing.T) {
	e := newEnv(t)
	op := e.token(t, "3", map[string]bool{"operator": true})

	resp, _ := e.do(t, http.MethodPost, "/v1/agents/7/block", op, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw := e.do(t, http.MethodPut, "/v1/agents/7", op, map[string]any{
		"name": "Builder v2", "role": "engineer", "is_active": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var a domain.Agent
	require.NoError(t, json.Unmarshal(raw, &a))
	assert.Equal(t, "Builder v2", a.Name)
	assert.False(t, a.IsActive)

	resp, _ = e.do(t, http.MethodDelete, "/v1/agents/7", op, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/v1/agents/7", op, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteAgentRemovesItsCubicles(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, "1", map[string]bool{"admin": true})

	resp, raw := e.do(t, http.MethodPost, "/v1/invoke", admin, map[string]any{
		"agent_id": 7, "user_id": 42, "message": "build it",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var out struct {
		CubicleID string `json:"cubicle_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	now := time.Now()
	e.host.Seed(cubicle.Container{ID: "foreign", Running: true, Labels: cubicletest.Labels(8, 42, now, now)})

	resp, _ = e.do(t, http.MethodDelete, "/v1/agents/7", admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := e.host.Get(out.CubicleID)
	assert.False(t, ok, "cubicle of a deleted agent must not keep running")
	_, ok = e.host.Get("foreign")
	assert.True(t, ok)

	resp, raw = e.do(t, http.MethodGet, "/v1/cubicles/7/42", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cub domain.Cubicle
	require.NoError(t, json.Unmarshal(raw, &cub))
	assert.Equal(t, domain.StateAbsent, cub.State)
}

func TestDeleteAgentKeptWhenCubicleRemovalFails(t *testing.T) {
	e := newEnv(t)
	admin := e.token(t, "1", map[string]bool{"admin": true})

	resp, raw := e.do(t, http.MethodPost, "/v1/invoke", admin, map[string]any{
		"agent_id": 7, "user_id": 42, "message": "build it",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var out struct {
		CubicleID string `json:"cubicle_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	e.host.RemoveErr[out.CubicleID] = fmt.Errorf("daemon busy")

	resp, _ = e.do(t, http.MethodDelete, "/v1/agents/7", admin, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/agents/7", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := e.host.Get(out.CubicleID)
	assert.True(t, ok)
}
