package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/execution"
	"go.uber.org/zap"
)

// Config пути lock-файлов и времена жизни.
type Config struct {
	ApproveArtifact string
	DenyArtifact    string
	ArtifactTimeout time.Duration
	NotifyTimeout   time.Duration
	PendingTTL      time.Duration
}

// Run - идентичность одного прогона Execution Channel.
type Run struct {
	ID        string
	AgentID   int64
	CubicleID string
}

// Coordinator превращает маркер APPROVAL_REQUIRED во внешнее решение
// и сигналит решение обратно в кабинку lock-файлом.
type Coordinator struct {
	store     AuditStore
	notifier  Notifier
	artifacts ArtifactWriter
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	pending  *arena
	inflight conc.WaitGroup
}

type Option func(*Coordinator)

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store AuditStore, notifier Notifier, artifacts ArtifactWriter, cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if cfg.ArtifactTimeout <= 0 {
		cfg.ArtifactTimeout = 10 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	c := &Coordinator{
		store:     store,
		notifier:  notifier,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger.Named("hitl"),
		now:       time.Now,
		pending:   newArena(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Observe реагирует на события канала. Для маркера аппрува возвращает
// созданную запись, для остальных событий nil.
func (c *Coordinator) Observe(ctx context.Context, run Run, ev execution.Event) (*domain.ApprovalRequest, error) {
	switch ev.Kind {
	case execution.EventApprovalRequired:
		return c.open(ctx, run, ev.Command)
	case execution.EventApprovalConfirmed:
		return c.confirmInBand(ctx, run)
	}
	return nil, nil
}

func (c *Coordinator) open(ctx context.Context, run Run, command string) (*domain.ApprovalRequest, error) {
	if command == "" {
		command = "Unknown command"
	}

	rec, err := c.store.CreateApproval(ctx, run.AgentID, run.CubicleID, command)
	if err != nil {
		c.logger.Error("failed to create approval record",
			zap.Int64("agent_id", run.AgentID),
			zap.String("cubicle_id", run.CubicleID),
			zap.Error(err))
		return nil, fmt.Errorf("hitl: create approval: %w", err)
	}
	c.pending.add(run.ID, *rec, c.now())

	c.logger.Info("approval requested",
		zap.Int64("log_id", rec.ID),
		zap.Int64("agent_id", run.AgentID),
		zap.String("cubicle_id", run.CubicleID),
		zap.String("command", command))

	// Уведомление не держит чтение потока: Slack может ретраить секундами
	req := *rec
	c.inflight.Go(func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.notifier.NotifyApprovalNeeded(nctx, req); err != nil {
			c.logger.Error("approver notification failed", zap.Int64("log_id", req.ID), zap.Error(err))
		}
	})
	return rec, nil
}

// confirmInBand: кабинка сама подтвердила выполнение. Закрываем самый
// свежий pending этого прогона без артефакта.
func (c *Coordinator) confirmInBand(ctx context.Context, run Run) (*domain.ApprovalRequest, error) {
	id, ok := c.pending.latestForRun(run.ID)
	if !ok {
		return nil, nil
	}

	rec, applied, err := c.store.DecideApproval(ctx, id, domain.StatusApproved, nil, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("hitl: in-band confirm %d: %w", id, err)
	}
	c.pending.remove(id)
	if applied {
		c.logger.Info("approval confirmed in-band", zap.Int64("log_id", id), zap.String("cubicle_id", run.CubicleID))
		c.publish(ctx, *rec)
	}
	return rec, nil
}

// Resolve - решение аппрувера. Побеждает первое терминальное решение,
// повторный вызов ничего не меняет и возвращает первую запись.
// approverID = 0 означает "неизвестен" (сохраняется как NULL).
func (c *Coordinator) Resolve(ctx context.Context, logID int64, decision domain.ApprovalStatus, approverID int64) (*domain.ApprovalRequest, error) {
	if !decision.IsTerminal() {
		return nil, fmt.Errorf("hitl: resolve %d: %w", logID, domain.ErrInvalidTransition)
	}

	var approver *int64
	if approverID != 0 {
		approver = &approverID
	}

	rec, applied, err := c.store.DecideApproval(ctx, logID, decision, approver, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("hitl: resolve %d: %w", logID, err)
	}
	if !applied {
		c.logger.Info("approval already resolved, ignoring",
			zap.Int64("log_id", logID),
			zap.String("requested", string(decision)),
			zap.String("status", string(rec.Status)))
		return rec, nil
	}
	c.pending.remove(logID)

	// Запись аудита уже авторитетна. Артефакт - fire-and-forget:
	// ошибка пишется в лог и решение не откатывает.
	path := c.cfg.DenyArtifact
	if decision == domain.StatusApproved {
		path = c.cfg.ApproveArtifact
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ArtifactTimeout)
	defer cancel()
	if err := c.artifacts.WriteArtifact(actx, rec.CubicleID, path); err != nil {
		c.logger.Warn("failed to signal decision into cubicle",
			zap.Int64("log_id", logID),
			zap.String("cubicle_id", rec.CubicleID),
			zap.String("artifact", path),
			zap.Error(err))
	}

	c.publish(ctx, *rec)

	c.logger.Info("approval resolved",
		zap.Int64("log_id", logID),
		zap.String("status", string(rec.Status)),
		zap.Int64("approver_id", approverID))
	return rec, nil
}

// EndRun снимает индекс прогона. Сами pending-записи живут до решения или TTL.
func (c *Coordinator) EndRun(runID string) {
	c.pending.endRun(runID)
}

// Pending - запросы, ожидающие решения в этом процессе, старые первыми.
func (c *Coordinator) Pending() []domain.ApprovalRequest {
	list := c.pending.pending()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (c *Coordinator) Get(ctx context.Context, logID int64) (*domain.ApprovalRequest, error) {
	return c.store.GetApproval(ctx, logID)
}

func (c *Coordinator) List(ctx context.Context, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error) {
	return c.store.ListApprovals(ctx, status, limit)
}

// Sweep выселяет из арены записи старше PendingTTL. В журнале они остаются pending.
func (c *Coordinator) Sweep() int {
	if c.cfg.PendingTTL <= 0 {
		return 0
	}
	expired := c.pending.evict(c.now().Add(-c.cfg.PendingTTL))
	for _, r := range expired {
		c.logger.Warn("pending approval expired without decision",
			zap.Int64("log_id", r.ID),
			zap.String("cubicle_id", r.CubicleID))
	}
	return len(expired)
}

// StartSweeper крутит Sweep до отмены ctx.
func (c *Coordinator) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep()
			}
		}
	}()
}

// Wait дожидается отправки уведомлений (graceful shutdown, тесты).
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) publish(ctx context.Context, rec domain.ApprovalRequest) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishDecision(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("decision broadcast failed", zap.Int64("log_id", rec.ID), zap.Error(err))
	}
}
