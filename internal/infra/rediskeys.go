package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "hermit"
)

// Ключи (состояние)
const (
	// RedisKeyLastActive hash: cubicle_id -> RFC3339 последней активности.
	// Docker-лейблы неизменяемы, поэтому живой lastActiveAt держим здесь.
	RedisKeyLastActive    = RedisNamespace + ":cubicles:last_active"
	RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"
	RedisKeyLockBlocked   = RedisNamespace + ":lock:warmup:blocked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions — канал для трансляции решений оператора (HITL).
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	RedisChanKillSwitch        = RedisNamespace + ":agents:kill-switch-signal"
)
