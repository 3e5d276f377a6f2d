package hitl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"github.com/xela07ax/hermit-cubicles/internal/infra"
)

// RedisPublisher рассылает решения в канал hermit:approvals
// (дашборды и соседние инстансы).
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: infra.RedisChanApprovalDecisions}
}

func (p *RedisPublisher) PublishDecision(ctx context.Context, req domain.ApprovalRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("redis: encode decision: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish decision %d: %w", req.ID, err)
	}
	return nil
}
