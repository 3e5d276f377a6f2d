package cubicle

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityConfig параметры защиты Docker API.
type ReliabilityConfig struct {
	RateLimit     float64
	RateBurst     int
	CBMaxRequests int
	CBInterval    time.Duration
	CBTimeout     time.Duration
	// OnState - новое состояние предохранителя (метрика)
	OnState func(gobreaker.State)
}

// ReliableHost оборачивает Host лимитером и предохранителем.
// Ретраев нет: повтор для хоста - это следующий проход Reaper'а.
type ReliableHost struct {
	next    Host
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliableHost(next Host, cfg ReliabilityConfig, logger *zap.Logger) *ReliableHost {
	log := logger.Named("host-cb")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cubicle-host",
		MaxRequests: uint32(cfg.CBMaxRequests),
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Демон лежит - 5 ошибок подряд, дальше не долбим
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if cfg.OnState != nil {
				cfg.OnState(to)
			}
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &ReliableHost{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (h *ReliableHost) guard(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("host rate limit: %w", err)
	}
	return h.cb.Execute(fn)
}

func (h *ReliableHost) List(ctx context.Context, labels map[string]string) ([]Container, error) {
	res, err := h.guard(ctx, func() (interface{}, error) {
		return h.next.List(ctx, labels)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Container), nil
}

func (h *ReliableHost) Create(ctx context.Context, spec CreateSpec) (string, error) {
	res, err := h.guard(ctx, func() (interface{}, error) {
		return h.next.Create(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (h *ReliableHost) Start(ctx context.Context, id string) error {
	_, err := h.guard(ctx, func() (interface{}, error) {
		return nil, h.next.Start(ctx, id)
	})
	return err
}

func (h *ReliableHost) Stop(ctx context.Context, id string) error {
	_, err := h.guard(ctx, func() (interface{}, error) {
		return nil, h.next.Stop(ctx, id)
	})
	return err
}

func (h *ReliableHost) Remove(ctx context.Context, id string, force bool) error {
	_, err := h.guard(ctx, func() (interface{}, error) {
		return nil, h.next.Remove(ctx, id, force)
	})
	return err
}

func (h *ReliableHost) Inspect(ctx context.Context, id string) (Container, error) {
	res, err := h.guard(ctx, func() (interface{}, error) {
		return h.next.Inspect(ctx, id)
	})
	if err != nil {
		return Container{}, err
	}
	return res.(Container), nil
}

// Exec защищаем только на старте. Сам поток живет сколько угодно.
func (h *ReliableHost) Exec(ctx context.Context, id string, spec ExecSpec) (io.ReadCloser, error) {
	res, err := h.guard(ctx, func() (interface{}, error) {
		return h.next.Exec(ctx, id, spec)
	})
	if err != nil {
		return nil, err
	}
	return res.(io.ReadCloser), nil
}

func (h *ReliableHost) Ping(ctx context.Context) error {
	_, err := h.guard(ctx, func() (interface{}, error) {
		return nil, h.next.Ping(ctx)
	})
	return err
}

// State для /health и метрик.
func (h *ReliableHost) State() gobreaker.State {
	return h.cb.State()
}
