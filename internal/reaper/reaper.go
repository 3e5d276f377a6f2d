// Package reaper усыпляет простаивающие кабинки и удаляет старые.
// Работает по таймеру, вне пути запроса.
package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

var errRemoveFailed = errors.New("reaper: remove failed")

// Cubicles - то, что Reaper'у нужно от Lifecycle Manager.
type Cubicles interface {
	ListAll(ctx context.Context) ([]domain.Cubicle, error)
	StopIdle(ctx context.Context, cub domain.Cubicle, cutoff time.Time) (bool, error)
	Remove(ctx context.Context, cubicleID string) bool
}

type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	MaxAge        time.Duration
	Concurrency   int
}

// Summary итог одного прохода.
type Summary struct {
	Hibernated int `json:"hibernated"`
	Removed    int `json:"removed"`
	Skipped    int `json:"skipped"` // ожили между снимком и действием
	Failed     int `json:"failed"`
}

type Reaper struct {
	cubicles Cubicles
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	actions *prometheus.CounterVec
	gauge   *prometheus.GaugeVec

	trigger chan struct{}
}

type Option func(*Reaper)

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithMetrics: счетчик действий {action} и gauge кабинок {state}.
func WithMetrics(actions *prometheus.CounterVec, cubicles *prometheus.GaugeVec) Option {
	return func(r *Reaper) {
		r.actions = actions
		r.gauge = cubicles
	}
}

func New(cubicles Cubicles, cfg Config, logger *zap.Logger, opts ...Option) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 48 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	r := &Reaper{
		cubicles: cubicles,
		cfg:      cfg,
		logger:   logger.Named("reaper"),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HibernateIdle останавливает running-кабинки, которые простаивают дольше threshold.
func (r *Reaper) HibernateIdle(ctx context.Context, threshold time.Duration) (Summary, error) {
	list, err := r.cubicles.ListAll(ctx)
	if err != nil {
		return Summary{}, err
	}
	cutoff := r.now().Add(-threshold)

	var victims []domain.Cubicle
	for _, c := range list {
		if c.State == domain.StateRunning && c.LastActiveAt.Before(cutoff) {
			victims = append(victims, c)
		}
	}

	done, skipped, failed := r.fanOut(ctx, victims, func(ctx context.Context, c domain.Cubicle) (bool, error) {
		stopped, err := r.cubicles.StopIdle(ctx, c, cutoff)
		if err != nil {
			r.logger.Warn("hibernate failed", zap.String("cubicle_id", c.ShortID()), zap.Error(err))
			return false, err
		}
		if stopped {
			r.logger.Info("hibernated idle cubicle",
				zap.String("cubicle_id", c.ShortID()),
				zap.Int64("agent_id", c.AgentID),
				zap.Int64("user_id", c.UserID),
				zap.Duration("idle", r.now().Sub(c.LastActiveAt)))
		}
		return stopped, nil
	})
	r.count("hibernated", done)
	r.count("failed", failed)
	return Summary{Hibernated: done, Skipped: skipped, Failed: failed}, nil
}

// ReclaimStale удаляет кабинки (в любом состоянии) старше maxAge.
// Рабочее пространство не трогаем.
func (r *Reaper) ReclaimStale(ctx context.Context, maxAge time.Duration) (Summary, error) {
	list, err := r.cubicles.ListAll(ctx)
	if err != nil {
		return Summary{}, err
	}
	cutoff := r.now().Add(-maxAge)

	var victims []domain.Cubicle
	for _, c := range list {
		if c.CreatedAt.Before(cutoff) {
			victims = append(victims, c)
		}
	}

	done, _, failed := r.fanOut(ctx, victims, func(ctx context.Context, c domain.Cubicle) (bool, error) {
		r.logger.Info("reclaiming stale cubicle",
			zap.String("cubicle_id", c.ShortID()),
			zap.Int64("agent_id", c.AgentID),
			zap.Int64("user_id", c.UserID),
			zap.Time("created_at", c.CreatedAt))
		if !r.cubicles.Remove(ctx, c.ID) {
			return false, errRemoveFailed
		}
		return true, nil
	})
	r.count("removed", done)
	r.count("failed", failed)
	return Summary{Removed: done, Failed: failed}, nil
}

// Sweep: сначала удаляем старые, потом усыпляем оставшиеся.
func (r *Reaper) Sweep(ctx context.Context) (Summary, error) {
	reclaimed, err := r.ReclaimStale(ctx, r.cfg.MaxAge)
	if err != nil {
		return Summary{}, err
	}
	hibernated, err := r.HibernateIdle(ctx, r.cfg.IdleThreshold)
	if err != nil {
		return reclaimed, err
	}

	sum := Summary{
		Hibernated: hibernated.Hibernated,
		Removed:    reclaimed.Removed,
		Skipped:    hibernated.Skipped,
		Failed:     reclaimed.Failed + hibernated.Failed,
	}
	r.observe(ctx)
	r.logger.Info("sweep finished",
		zap.Int("hibernated", sum.Hibernated),
		zap.Int("removed", sum.Removed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

// Trigger просит внеочередной проход. Повторные вызовы до прохода схлопываются.
func (r *Reaper) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run крутит проходы до отмены ctx. Периодичность и есть ретрай
// для временных сбоев хоста.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("idle_threshold", r.cfg.IdleThreshold),
		zap.Duration("max_age", r.cfg.MaxAge))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
	}
}

// fanOut: один сбойный элемент не прерывает проход, паника тоже.
// act: (true, nil) - сделано, (false, nil) - пропущено, err - сбой.
func (r *Reaper) fanOut(ctx context.Context, items []domain.Cubicle, act func(context.Context, domain.Cubicle) (bool, error)) (done, skipped, failed int) {
	var ok, skip, bad atomic.Int64
	p := pool.New().WithMaxGoroutines(r.cfg.Concurrency)
	for _, c := range items {
		p.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("reaper action panicked", zap.String("cubicle_id", c.ID), zap.Any("panic", rec))
					bad.Add(1)
				}
			}()
			acted, err := act(ctx, c)
			switch {
			case err != nil:
				bad.Add(1)
			case acted:
				ok.Add(1)
			default:
				skip.Add(1)
			}
		})
	}
	p.Wait()
	return int(ok.Load()), int(skip.Load()), int(bad.Load())
}

func (r *Reaper) count(action string, n int) {
	if r.actions != nil && n > 0 {
		r.actions.WithLabelValues(action).Add(float64(n))
	}
}

func (r *Reaper) observe(ctx context.Context) {
	if r.gauge == nil {
		return
	}
	list, err := r.cubicles.ListAll(ctx)
	if err != nil {
		return
	}
	counts := map[domain.CubicleState]int{domain.StateRunning: 0, domain.StateStopped: 0}
	for _, c := range list {
		counts[c.State]++
	}
	for state, n := range counts {
		r.gauge.WithLabelValues(string(state)).Set(float64(n))
	}
}
