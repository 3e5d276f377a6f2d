package cubicle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
	"github.com/xela07ax/hermit-cubicles/internal/cubicle/cubicletest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFindPicksNewestDuplicate(t *testing.T) {
	host := cubicletest.NewFakeHost()
	now := time.Now().UTC()

	host.Seed(cubicle.Container{ID: "old", Labels: cubicletest.Labels(3, 9, now.Add(-2*time.Hour), now.Add(-2*time.Hour))})
	host.Seed(cubicle.Container{ID: "new", Running: true, Labels: cubicletest.Labels(3, 9, now.Add(-time.Minute), now.Add(-time.Minute))})
	host.Seed(cubicle.Container{ID: "other", Labels: cubicletest.Labels(3, 10, now, now)})

	core, logs := observer.New(zap.WarnLevel)
	reg := cubicle.NewRegistry(host, nil, zap.New(core))

	cub, err := reg.Find(context.Background(), 3, 9)
	require.NoError(t, err)
	require.NotNil(t, cub)
	assert.Equal(t, "new", cub.ID)
	assert.Equal(t, 1, logs.FilterMessage("duplicate cubicles for one tenant, using newest").Len())
}

func TestFindIgnoresNonLabelIdentity(t *testing.T) {
	host := cubicletest.NewFakeHost()
	// Похожий контейнер без наших лейблов - не наш
	host.Seed(cubicle.Container{ID: "stranger", Image: "hermit/base:latest", Labels: map[string]string{"AGENT_ID": "3"}})

	reg := cubicle.NewRegistry(host, nil, zap.NewNop())
	cub, err := reg.Find(context.Background(), 3, 9)
	require.NoError(t, err)
	assert.Nil(t, cub)
}

func TestLastActivePrefersTracker(t *testing.T) {
	host := cubicletest.NewFakeHost()
	created := time.Now().UTC().Add(-time.Hour)
	host.Seed(cubicle.Container{ID: "c1", Running: true, Labels: cubicletest.Labels(1, 1, created, created)})

	activity := cubicle.NewMemoryActivity()
	recent := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, activity.Touch(context.Background(), "c1", recent))

	reg := cubicle.NewRegistry(host, activity, zap.NewNop())
	list, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].LastActiveAt.Equal(recent))
	assert.True(t, list[0].CreatedAt.Equal(created))
}

func TestListSkipsBrokenLabels(t *testing.T) {
	host := cubicletest.NewFakeHost()
	host.Seed(cubicle.Container{ID: "bad", Labels: map[string]string{cubicle.LabelAgentID: "x", cubicle.LabelUserID: "1"}})
	host.Seed(cubicle.Container{ID: "good", Labels: cubicletest.Labels(1, 1, time.Now(), time.Now())})

	list, err := cubicle.NewRegistry(host, nil, zap.NewNop()).List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}
