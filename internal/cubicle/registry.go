package cubicle

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

// Registry - единственный источник правды о том, есть ли кабинка у пары
// (агент, пользователь). Идентичность только по двум лейблам: имя, env и
// образ повторяются у разных кабинок и для этого не годятся.
type Registry struct {
	host     Host
	activity ActivityTracker
	logger   *zap.Logger
}

func NewRegistry(host Host, activity ActivityTracker, logger *zap.Logger) *Registry {
	return &Registry{
		host:     host,
		activity: activity,
		logger:   logger.Named("registry"),
	}
}

// Find возвращает nil, nil если кабинки нет.
func (r *Registry) Find(ctx context.Context, agentID, userID int64) (*domain.Cubicle, error) {
	found, err := r.host.List(ctx, map[string]string{
		LabelAgentID: strconv.FormatInt(agentID, 10),
		LabelUserID:  strconv.FormatInt(userID, 10),
	})
	if err != nil {
		return nil, err
	}

	var matches []domain.Cubicle
	for _, c := range found {
		cub, ok := r.toCubicle(ctx, c)
		// Хост уже отфильтровал, но лейблы перепроверяем сами
		if !ok || cub.AgentID != agentID || cub.UserID != userID {
			continue
		}
		matches = append(matches, cub)
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	}

	// Дубликаты - несогласованность (гонка двойного создания). Не валим запрос.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ShortID())
	}
	r.logger.Warn("duplicate cubicles for one tenant, using newest",
		zap.Int64("agent_id", agentID),
		zap.Int64("user_id", userID),
		zap.Strings("cubicle_ids", ids))
	return &matches[0], nil
}

// List все кабинки хоста, запущенные и остановленные.
func (r *Registry) List(ctx context.Context) ([]domain.Cubicle, error) {
	found, err := r.host.List(ctx, map[string]string{LabelAgentID: ""})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Cubicle, 0, len(found))
	for _, c := range found {
		cub, ok := r.toCubicle(ctx, c)
		if !ok {
			r.logger.Warn("container with broken identity labels", zap.String("cubicle_id", c.ID))
			continue
		}
		out = append(out, cub)
	}
	return out, nil
}

func (r *Registry) toCubicle(ctx context.Context, c Container) (domain.Cubicle, bool) {
	agentID, err := strconv.ParseInt(c.Labels[LabelAgentID], 10, 64)
	if err != nil {
		return domain.Cubicle{}, false
	}
	userID, err := strconv.ParseInt(c.Labels[LabelUserID], 10, 64)
	if err != nil {
		return domain.Cubicle{}, false
	}

	cub := domain.Cubicle{
		ID:      c.ID,
		AgentID: agentID,
		UserID:  userID,
		Image:   c.Image,
		State:   domain.StateStopped,
	}
	if c.Running {
		cub.State = domain.StateRunning
	}

	cub.CreatedAt = parseLabelTime(c.Labels[LabelCreatedAt], c.Created)
	cub.LastActiveAt = parseLabelTime(c.Labels[LabelLastActive], cub.CreatedAt)

	if r.activity != nil {
		t, ok, err := r.activity.LastActive(ctx, c.ID)
		switch {
		case err != nil:
			r.logger.Warn("activity lookup failed, using label", zap.String("cubicle_id", c.ID), zap.Error(err))
		case ok && t.After(cub.LastActiveAt):
			cub.LastActiveAt = t
		}
	}
	return cub, true
}

func parseLabelTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback
	}
	return t
}
