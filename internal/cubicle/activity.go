package cubicle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/hermit-cubicles/internal/infra"
)

// ActivityTracker хранит живой lastActiveAt кабинки. Лейблы Docker
// неизменяемы, поэтому last_active лейбл - только значение на момент создания.
type ActivityTracker interface {
	Touch(ctx context.Context, cubicleID string, at time.Time) error
	LastActive(ctx context.Context, cubicleID string) (time.Time, bool, error)
	Forget(ctx context.Context, cubicleID string) error
}

// RedisActivity - hash hermit:cubicles:last_active, поле = id контейнера.
type RedisActivity struct {
	rdb *redis.Client
	key string
}

func NewRedisActivity(rdb *redis.Client) *RedisActivity {
	return &RedisActivity{rdb: rdb, key: infra.RedisKeyLastActive}
}

func (a *RedisActivity) Touch(ctx context.Context, cubicleID string, at time.Time) error {
	if err := a.rdb.HSet(ctx, a.key, cubicleID, at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("redis: touch %s: %w", cubicleID, err)
	}
	return nil
}

func (a *RedisActivity) LastActive(ctx context.Context, cubicleID string) (time.Time, bool, error) {
	raw, err := a.rdb.HGet(ctx, a.key, cubicleID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: last active %s: %w", cubicleID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: bad last active %q: %w", raw, err)
	}
	return t, true, nil
}

func (a *RedisActivity) Forget(ctx context.Context, cubicleID string) error {
	return a.rdb.HDel(ctx, a.key, cubicleID).Err()
}

// MemoryActivity для тестов и запуска без Redis.
type MemoryActivity struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func NewMemoryActivity() *MemoryActivity {
	return &MemoryActivity{seen: make(map[string]time.Time)}
}

func (a *MemoryActivity) Touch(_ context.Context, cubicleID string, at time.Time) error {
	a.mu.Lock()
	a.seen[cubicleID] = at
	a.mu.Unlock()
	return nil
}

func (a *MemoryActivity) LastActive(_ context.Context, cubicleID string) (time.Time, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.seen[cubicleID]
	return t, ok, nil
}

func (a *MemoryActivity) Forget(_ context.Context, cubicleID string) error {
	a.mu.Lock()
	delete(a.seen, cubicleID)
	a.mu.Unlock()
	return nil
}
