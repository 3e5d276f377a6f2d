package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xela07ax/hermit-cubicles/internal/audit"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/execution"
	"github.com/xela07ax/hermit-cubicles/internal/hitl"
	"go.uber.org/zap"
)

const defaultMaxTokens = 1000

// AgentDirectory - откуда берем настройки агента.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id int64) (*domain.Agent, error)
}

type Credentials interface {
	APIKey(provider string) (string, bool)
}

// Cubicles - часть Lifecycle Manager, нужная пути запроса.
type Cubicles interface {
	GetOrCreate(ctx context.Context, cfg domain.CubicleConfig) (*domain.Cubicle, error)
	Stop(ctx context.Context, cubicleID string) bool
	Touch(ctx context.Context, cub *domain.Cubicle)
}

type Runner interface {
	Run(ctx context.Context, cubicleID string, req execution.Request, emit func(execution.Event)) (execution.Completion, error)
}

type Approvals interface {
	Observe(ctx context.Context, run hitl.Run, ev execution.Event) (*domain.ApprovalRequest, error)
	EndRun(runID string)
}

type Ledger interface {
	CanSpend(ctx context.Context, agentID int64) (bool, error)
	RecordSpend(ctx context.Context, agentID int64, amount float64) error
	CostOf(output string) float64
}

type Blocklist interface {
	IsBlocked(agentID int64) bool
}

type Defaults struct {
	Provider        string
	Model           string
	OrchestratorURL string
}

// Orchestrator - фасад invokeAgent: гейты, кабинка, прогон, расход, аудит.
type Orchestrator struct {
	agents    AgentDirectory
	blocklist Blocklist
	ledger    Ledger
	creds     Credentials
	cubicles  Cubicles
	runner    Runner
	approvals Approvals
	auditor   audit.Auditor
	metrics   *Metrics
	defaults  Defaults
	logger    *zap.Logger
}

type Deps struct {
	Agents    AgentDirectory
	Blocklist Blocklist
	Ledger    Ledger
	Creds     Credentials
	Cubicles  Cubicles
	Runner    Runner
	Approvals Approvals
	Auditor   audit.Auditor
	Metrics   *Metrics
}

func NewOrchestrator(d Deps, defaults Defaults, logger *zap.Logger) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		agents:    d.Agents,
		blocklist: d.Blocklist,
		ledger:    d.Ledger,
		creds:     d.Creds,
		cubicles:  d.Cubicles,
		runner:    d.Runner,
		approvals: d.Approvals,
		auditor:   d.Auditor,
		metrics:   d.Metrics,
		defaults:  defaults,
		logger:    logger.Named("orchestrator"),
	}
}

// InvokeAgent - один запрос пользователя к агенту.
// Ошибки типизированы (domain.*Error), текст для пользователя - domain.UserMessage.
func (o *Orchestrator) InvokeAgent(ctx context.Context, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	start := time.Now()
	agentLabel := strconv.FormatInt(req.AgentID, 10)
	o.metrics.InvokeTotal.WithLabelValues(agentLabel).Inc()

	event := audit.InvocationEvent{
		ID:        uuid.New().String(),
		TraceID:   TraceID(ctx),
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		Timestamp: start,
	}
	log := o.logger.With(
		zap.String("trace_id", event.TraceID),
		zap.Int64("agent_id", req.AgentID),
		zap.Int64("user_id", req.UserID))

	res, err := o.invoke(ctx, req, &event, log)

	event.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		event.Status = statusOf(err)
		event.Error = err.Error()
		o.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
		log.Warn("invocation failed", zap.String("status", event.Status), zap.Error(err))
	}
	o.metrics.InvokeDuration.WithLabelValues(agentLabel, event.Status).Observe(time.Since(start).Seconds())
	if o.auditor != nil {
		o.auditor.Log(event)
	}
	return res, err
}

func (o *Orchestrator) invoke(ctx context.Context, req domain.InvokeRequest, event *audit.InvocationEvent, log *zap.Logger) (*domain.InvokeResult, error) {
	agent, err := o.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("engine: load agent %d: %w", req.AgentID, err)
	}

	// 1. Kill-Switch (RAM, самая дешевая проверка)
	if !agent.IsActive || (o.blocklist != nil && o.blocklist.IsBlocked(agent.ID)) {
		return nil, &domain.AgentBlockedError{AgentID: agent.ID}
	}

	// 2. Бюджет, до любой работы с кабинкой
	ok, err := o.ledger.CanSpend(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: budget check: %w", err)
	}
	if !ok {
		return nil, &domain.BudgetExceededError{AgentID: agent.ID, AgentName: agent.Name}
	}

	// 3. Ключ провайдера
	provider := firstNonEmpty(req.ProviderOverride, agent.Provider, o.defaults.Provider)
	model := firstNonEmpty(req.ModelOverride, agent.Model, o.defaults.Model)
	event.Provider, event.Model = provider, model
	// Ключ только проверяется: в кабинку он не передается
	if _, ok := o.creds.APIKey(provider); !ok {
		return nil, &domain.ConfigurationError{Provider: provider}
	}

	// 4. Кабинка
	cub, err := o.cubicles.GetOrCreate(ctx, domain.CubicleConfig{
		AgentID:         agent.ID,
		UserID:          req.UserID,
		AgentName:       agent.Name,
		AgentRole:       agent.Role,
		Image:           agent.Image,
		RequireApproval: agent.RequireApproval,
		Provider:        provider,
		Model:           model,
	})
	if err != nil {
		return nil, err
	}
	event.CubicleID = cub.ID
	log = log.With(zap.String("cubicle_id", cub.ShortID()))

	// 5. Прогон
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	run := hitl.Run{ID: uuid.NewString(), AgentID: agent.ID, CubicleID: cub.ID}
	defer o.approvals.EndRun(run.ID)

	emit := func(ev execution.Event) {
		switch ev.Kind {
		case execution.EventProgress:
			if req.OnProgress != nil {
				req.OnProgress(ev.Status, ev.Details)
			}
		case execution.EventApprovalRequired, execution.EventApprovalConfirmed:
			rec, err := o.approvals.Observe(ctx, run, ev)
			if err != nil {
				log.Error("approval bookkeeping failed", zap.Error(err))
				return
			}
			if rec != nil {
				if ev.Kind == execution.EventApprovalRequired {
					event.Approvals++
				}
				o.metrics.ApprovalsTotal.WithLabelValues(string(rec.Status)).Inc()
			}
		}
	}

	log.Info("invoking agent", zap.String("provider", provider), zap.String("model", model))
	comp, err := o.runner.Run(ctx, cub.ID, execution.Request{
		Message:         req.Message,
		History:         req.History,
		MaxTokens:       maxTokens,
		Provider:        provider,
		Model:           model,
		OrchestratorURL: o.defaults.OrchestratorURL,
		AgentName:       agent.Name,
		AgentRole:       agent.Role,
		RequireApproval: agent.RequireApproval,
	}, emit)
	if err != nil {
		return nil, err
	}
	event.Commands = comp.Commands

	if comp.TimedOut {
		// Бесконечный цикл агента не должен держать кабинку вечно
		if !o.cubicles.Stop(context.WithoutCancel(ctx), cub.ID) {
			log.Warn("could not stop timed out cubicle")
		}
	} else {
		o.cubicles.Touch(ctx, cub)
	}

	// 6. Расход. Ответ уже есть, ошибка учета его не отменяет.
	cost := o.ledger.CostOf(comp.Output)
	if err := o.ledger.RecordSpend(context.WithoutCancel(ctx), agent.ID, cost); err != nil {
		log.Error("failed to record spend", zap.Float64("cost", cost), zap.Error(err))
	} else {
		o.metrics.SpendTotal.WithLabelValues(strconv.FormatInt(agent.ID, 10)).Add(cost)
	}

	event.Status = audit.StatusSuccess
	if comp.TimedOut {
		event.Status = audit.StatusTimedOut
		o.metrics.ErrorTotal.WithLabelValues("timeout").Inc()
	}
	event.OutputChars = utf8.RuneCountInString(comp.Output)
	event.CostUSD = cost

	return &domain.InvokeResult{
		Output:    comp.Output,
		CubicleID: cub.ID,
		Cost:      cost,
		TimedOut:  comp.TimedOut,
	}, nil
}

func statusOf(err error) string {
	var (
		blocked *domain.AgentBlockedError
		budget  *domain.BudgetExceededError
		cfg     *domain.ConfigurationError
	)
	switch {
	case errors.As(err, &blocked):
		return audit.StatusBlocked
	case errors.As(err, &budget):
		return audit.StatusBudgetExceeded
	case errors.As(err, &cfg):
		return audit.StatusConfigError
	}
	return audit.StatusFailed
}

func errorType(err error) string {
	var (
		blocked   *domain.AgentBlockedError
		budget    *domain.BudgetExceededError
		cfg       *domain.ConfigurationError
		lifecycle *domain.SandboxLifecycleError
		stream    *domain.StreamError
	)
	switch {
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &budget):
		return "budget"
	case errors.As(err, &cfg):
		return "config"
	case errors.As(err, &lifecycle):
		return "lifecycle"
	case errors.As(err, &stream):
		return "stream"
	case errors.Is(err, domain.ErrAgentNotFound):
		return "not_found"
	}
	return "internal"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
