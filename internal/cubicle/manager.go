package cubicle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

// Limits ресурсные потолки и команда простоя новой кабинки.
type Limits struct {
	DefaultImage string
	MemoryBytes  int64
	CPUQuota     int64
	PidsLimit    int64
	NetworkMode  string
	IdleCommand  string
}

type Option func(*Manager)

// WithClock подменяет часы (тесты Reaper'а и lastActiveAt).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager - жизненный цикл кабинок: создать, разбудить, усыпить, удалить.
type Manager struct {
	host     Host
	registry *Registry
	ws       *Workspace
	activity ActivityTracker
	limits   Limits
	logger   *zap.Logger
	now      func() time.Time

	locks *keyedMutex

	// последний выданный lastActiveAt, чтобы он строго рос даже при
	// одинаковых показаниях часов
	touchMu   sync.Mutex
	lastTouch map[string]time.Time
}

func NewManager(host Host, registry *Registry, ws *Workspace, activity ActivityTracker, limits Limits, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		host:      host,
		registry:  registry,
		ws:        ws,
		activity:  activity,
		limits:    limits,
		logger:    logger.Named("cubicles"),
		now:       time.Now,
		locks:     newKeyedMutex(),
		lastTouch: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreate находит кабинку пары или создает новую. Остановленную будит.
// Мьютекс на ключ закрывает гонку двойного создания внутри процесса.
func (m *Manager) GetOrCreate(ctx context.Context, cfg domain.CubicleConfig) (*domain.Cubicle, error) {
	unlock := m.locks.Lock(domain.WorkspaceID(cfg.AgentID, cfg.UserID))
	defer unlock()

	cub, err := m.registry.Find(ctx, cfg.AgentID, cfg.UserID)
	if err != nil {
		return nil, &domain.SandboxLifecycleError{Op: "list", Err: err}
	}
	if cub == nil {
		return m.create(ctx, cfg)
	}

	if cub.State != domain.StateRunning {
		m.logger.Info("waking cubicle",
			zap.String("cubicle_id", cub.ShortID()),
			zap.Int64("agent_id", cfg.AgentID),
			zap.Int64("user_id", cfg.UserID))
		if err := m.host.Start(ctx, cub.ID); err != nil {
			return nil, &domain.SandboxLifecycleError{Op: "start", CubicleID: cub.ID, Err: err}
		}
		cub.State = domain.StateRunning
	}

	m.touch(ctx, cub)
	return cub, nil
}

// Create всегда создает новую кабинку, не глядя в реестр.
func (m *Manager) Create(ctx context.Context, cfg domain.CubicleConfig) (*domain.Cubicle, error) {
	unlock := m.locks.Lock(domain.WorkspaceID(cfg.AgentID, cfg.UserID))
	defer unlock()
	return m.create(ctx, cfg)
}

func (m *Manager) create(ctx context.Context, cfg domain.CubicleConfig) (*domain.Cubicle, error) {
	if _, err := m.ws.Ensure(cfg.AgentID, cfg.UserID); err != nil {
		return nil, &domain.SandboxLifecycleError{Op: "create", Err: err}
	}

	image := cfg.Image
	if image == "" {
		image = m.limits.DefaultImage
	}

	now := m.now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	spec := CreateSpec{
		Name:  fmt.Sprintf("hermit-%d-%d-%s", cfg.AgentID, cfg.UserID, uuid.NewString()[:8]),
		Image: image,
		Cmd:   strings.Fields(m.limits.IdleCommand),
		Env:   containerEnv(cfg, image),
		Labels: map[string]string{
			LabelAgentID:    strconv.FormatInt(cfg.AgentID, 10),
			LabelUserID:     strconv.FormatInt(cfg.UserID, 10),
			LabelStatus:     "active",
			LabelCreatedAt:  stamp,
			LabelLastActive: stamp,
		},
		Mounts:      m.ws.Mounts(cfg.AgentID, cfg.UserID),
		MemoryBytes: m.limits.MemoryBytes,
		CPUQuota:    m.limits.CPUQuota,
		PidsLimit:   m.limits.PidsLimit,
		NetworkMode: m.limits.NetworkMode,
	}

	id, err := m.host.Create(ctx, spec)
	if err != nil {
		return nil, &domain.SandboxLifecycleError{Op: "create", Err: err}
	}

	if err := m.host.Start(ctx, id); err != nil {
		// Не оставляем мертвый контейнер с нашими лейблами
		if rmErr := m.host.Remove(context.WithoutCancel(ctx), id, true); rmErr != nil {
			m.logger.Warn("cleanup after failed start", zap.String("cubicle_id", id), zap.Error(rmErr))
		}
		return nil, &domain.SandboxLifecycleError{Op: "start", CubicleID: id, Err: err}
	}

	cub := &domain.Cubicle{
		ID:           id,
		AgentID:      cfg.AgentID,
		UserID:       cfg.UserID,
		Image:        image,
		State:        domain.StateRunning,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.remember(id, now)
	if err := m.activity.Touch(ctx, id, now); err != nil {
		m.logger.Warn("activity touch failed", zap.String("cubicle_id", id), zap.Error(err))
	}

	m.logger.Info("cubicle created",
		zap.String("cubicle_id", cub.ShortID()),
		zap.Int64("agent_id", cfg.AgentID),
		zap.Int64("user_id", cfg.UserID),
		zap.String("image", image))
	return cub, nil
}

// Stop усыпляет кабинку. Ошибки глотаются и логируются: вызывающий
// (Reaper, оператор) не должен зависеть от одной сбойной кабинки.
func (m *Manager) Stop(ctx context.Context, cubicleID string) bool {
	if err := m.host.Stop(ctx, cubicleID); err != nil {
		m.logger.Warn("stop failed", zap.String("cubicle_id", cubicleID), zap.Error(err))
		return false
	}
	m.logger.Info("cubicle stopped", zap.String("cubicle_id", cubicleID))
	return true
}

// StopIdle усыпляет кабинку, только если она и под ключом пары простаивает
// с cutoff. Вызов, разбудивший или тронувший ее после снимка, кабинку бережет.
func (m *Manager) StopIdle(ctx context.Context, cub domain.Cubicle, cutoff time.Time) (bool, error) {
	unlock := m.locks.Lock(domain.WorkspaceID(cub.AgentID, cub.UserID))
	defer unlock()

	c, err := m.host.Inspect(ctx, cub.ID)
	if err != nil {
		return false, &domain.SandboxLifecycleError{Op: "inspect", CubicleID: cub.ID, Err: err}
	}
	cur, ok := m.registry.toCubicle(ctx, c)
	if !ok || cur.State != domain.StateRunning {
		return false, nil
	}
	m.touchMu.Lock()
	if at, seen := m.lastTouch[cub.ID]; seen && at.After(cur.LastActiveAt) {
		cur.LastActiveAt = at
	}
	m.touchMu.Unlock()
	if !cur.LastActiveAt.Before(cutoff) {
		return false, nil
	}

	if err := m.host.Stop(ctx, cub.ID); err != nil {
		return false, &domain.SandboxLifecycleError{Op: "stop", CubicleID: cub.ID, Err: err}
	}
	m.logger.Info("cubicle stopped", zap.String("cubicle_id", cub.ID))
	return true, nil
}

// Remove удаляет кабинку принудительно. Рабочее пространство остается.
func (m *Manager) Remove(ctx context.Context, cubicleID string) bool {
	if err := m.host.Remove(ctx, cubicleID, true); err != nil {
		m.logger.Warn("remove failed", zap.String("cubicle_id", cubicleID), zap.Error(err))
		return false
	}
	if err := m.activity.Forget(ctx, cubicleID); err != nil {
		m.logger.Warn("activity forget failed", zap.String("cubicle_id", cubicleID), zap.Error(err))
	}
	m.touchMu.Lock()
	delete(m.lastTouch, cubicleID)
	m.touchMu.Unlock()

	m.logger.Info("cubicle removed", zap.String("cubicle_id", cubicleID))
	return true
}

// Restart: stop + start на месте. Кабинки нет - false, новую не создаем.
func (m *Manager) Restart(ctx context.Context, agentID, userID int64) (bool, error) {
	unlock := m.locks.Lock(domain.WorkspaceID(agentID, userID))
	defer unlock()

	cub, err := m.registry.Find(ctx, agentID, userID)
	if err != nil {
		return false, &domain.SandboxLifecycleError{Op: "list", Err: err}
	}
	if cub == nil {
		return false, nil
	}

	if cub.State == domain.StateRunning {
		if err := m.host.Stop(ctx, cub.ID); err != nil {
			return false, &domain.SandboxLifecycleError{Op: "stop", CubicleID: cub.ID, Err: err}
		}
	}
	if err := m.host.Start(ctx, cub.ID); err != nil {
		return false, &domain.SandboxLifecycleError{Op: "start", CubicleID: cub.ID, Err: err}
	}
	cub.State = domain.StateRunning
	m.touch(ctx, cub)

	m.logger.Info("cubicle restarted", zap.String("cubicle_id", cub.ShortID()))
	return true, nil
}

func (m *Manager) ListAll(ctx context.Context) ([]domain.Cubicle, error) {
	list, err := m.registry.List(ctx)
	if err != nil {
		return nil, &domain.SandboxLifecycleError{Op: "list", Err: err}
	}
	return list, nil
}

// Status кабинка пары. Нет кабинки - State = absent.
func (m *Manager) Status(ctx context.Context, agentID, userID int64) (*domain.Cubicle, error) {
	cub, err := m.registry.Find(ctx, agentID, userID)
	if err != nil {
		return nil, &domain.SandboxLifecycleError{Op: "list", Err: err}
	}
	if cub == nil {
		return &domain.Cubicle{AgentID: agentID, UserID: userID, State: domain.StateAbsent}, nil
	}
	return cub, nil
}

// Touch отмечает активность кабинки без поиска в реестре (после exec).
func (m *Manager) Touch(ctx context.Context, cub *domain.Cubicle) {
	m.touch(ctx, cub)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.host.Ping(ctx)
}

func (m *Manager) touch(ctx context.Context, cub *domain.Cubicle) {
	at := m.now().UTC()
	if !at.After(cub.LastActiveAt) {
		at = cub.LastActiveAt.Add(time.Microsecond)
	}

	m.touchMu.Lock()
	if prev, ok := m.lastTouch[cub.ID]; ok && !at.After(prev) {
		at = prev.Add(time.Microsecond)
	}
	m.lastTouch[cub.ID] = at
	m.touchMu.Unlock()

	cub.LastActiveAt = at
	if err := m.activity.Touch(ctx, cub.ID, at); err != nil {
		m.logger.Warn("activity touch failed", zap.String("cubicle_id", cub.ID), zap.Error(err))
	}
}

func (m *Manager) remember(id string, at time.Time) {
	m.touchMu.Lock()
	m.lastTouch[id] = at
	m.touchMu.Unlock()
}

func containerEnv(cfg domain.CubicleConfig, image string) []string {
	return []string{
		"AGENT_ID=" + strconv.FormatInt(cfg.AgentID, 10),
		"AGENT_NAME=" + cfg.AgentName,
		"AGENT_ROLE=" + cfg.AgentRole,
		"DOCKER_IMAGE=" + image,
		"LLM_PROVIDER=" + cfg.Provider,
		"LLM_MODEL=" + cfg.Model,
		"HITL_ENABLED=" + strconv.FormatBool(cfg.RequireApproval),
	}
}
