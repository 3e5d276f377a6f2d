package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/hermit-cubicles/internal/infra"
	"go.uber.org/zap"
)

// BlockedAgentsStore - долговременное состояние kill-switch (Postgres).
type BlockedAgentsStore interface {
	GetBlockedAgents(ctx context.Context) ([]int64, error)
	SetAgentBlocked(ctx context.Context, agentID int64, blocked bool) error
}

// KillSwitch - оперативная остановка агента. L1 - мапа в памяти (Hot Path),
// L2 - Redis set, сигналы между инстансами через Pub/Sub.
// Без Redis работает только L1.
type KillSwitch struct {
	mu      sync.RWMutex
	blocked map[int64]struct{}

	repo   BlockedAgentsStore
	rdb    *redis.Client
	logger *zap.Logger
}

func NewKillSwitch(repo BlockedAgentsStore, rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blocked: make(map[int64]struct{}),
		repo:    repo,
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "killswitch")),
	}
}

// Init грузит блокировки из БД в L1 и, если Redis пуст, прогревает его.
func (k *KillSwitch) Init(ctx context.Context) error {
	ids, err := k.repo.GetBlockedAgents(ctx)
	if err != nil {
		return fmt.Errorf("killswitch: load blocked agents: %w", err)
	}

	k.mu.Lock()
	k.blocked = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		k.blocked[id] = struct{}{}
	}
	k.mu.Unlock()

	if k.rdb == nil {
		return nil
	}
	return k.warmup(ctx, ids)
}

// warmup: только один инстанс (SetNX-лок) заливает set в пустой Redis.
func (k *KillSwitch) warmup(ctx context.Context, ids []int64) error {
	ok, err := k.rdb.SetNX(ctx, infra.RedisKeyLockBlocked, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // ошибка сети или другой инстанс уже греет
	}

	count, err := k.rdb.SCard(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		count = 0
		k.logger.Warn("could not check Redis set size, proceeding with warm-up", zap.Error(err))
	}
	if count > 0 || len(ids) == 0 {
		return nil
	}

	k.logger.Info("Redis cache is empty, performing warm-up from DB...", zap.Int("count", len(ids)))
	pipe := k.rdb.Pipeline()
	for _, id := range ids {
		pipe.SAdd(ctx, infra.RedisKeyBlockedAgents, strconv.FormatInt(id, 10))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// IsBlocked - самая дешевая проверка пути запроса, только RAM.
func (k *KillSwitch) IsBlocked(agentID int64) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.blocked[agentID]
	return ok
}

// SetBlocked: БД - источник правды, затем L1, затем Redis + сигнал остальным.
func (k *KillSwitch) SetBlocked(ctx context.Context, agentID int64, blocked bool) error {
	if err := k.repo.SetAgentBlocked(ctx, agentID, blocked); err != nil {
		return fmt.Errorf("killswitch: persist: %w", err)
	}
	k.apply(agentID, blocked)

	k.logger.Warn("kill-switch changed", zap.Int64("agent_id", agentID), zap.Bool("blocked", blocked))

	if k.rdb == nil {
		return nil
	}
	id := strconv.FormatInt(agentID, 10)
	pipe := k.rdb.TxPipeline()
	if blocked {
		pipe.SAdd(ctx, infra.RedisKeyBlockedAgents, id)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlockedAgents, id)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, fmt.Sprintf("%s:%t", id, blocked))
	if _, err := pipe.Exec(ctx); err != nil {
		// Локально уже применено, остальные инстансы догонят при переподключении
		k.logger.Error("kill-switch broadcast failed", zap.Int64("agent_id", agentID), zap.Error(err))
	}
	return nil
}

// Blocked список заблокированных агентов (консоль).
func (k *KillSwitch) Blocked() []int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]int64, 0, len(k.blocked))
	for id := range k.blocked {
		out = append(out, id)
	}
	return out
}

// StartListener держит подписку на сигналы других инстансов.
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch, 5*time.Second,
		func() error { return k.Init(ctx) },
		func(id string, on bool) {
			agentID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				k.logger.Error("invalid agent id in signal", zap.String("id", id))
				return
			}
			k.apply(agentID, on)
		},
	)
}

func (k *KillSwitch) apply(agentID int64, blocked bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if blocked {
		k.blocked[agentID] = struct{}{}
	} else {
		delete(k.blocked, agentID)
	}
}
