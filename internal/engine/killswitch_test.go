package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memBlocked struct {
	ids    map[int64]bool
	setErr error
}

func (m *memBlocked) GetBlockedAgents(context.Context) ([]int64, error) {
	var out []int64
	for id, on := range m.ids {
		if on {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memBlocked) SetAgentBlocked(_ context.Context, id int64, on bool) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.ids[id] = on
	return nil
}

func TestKillSwitchInitLoadsL1(t *testing.T) {
	ks := NewKillSwitch(&memBlocked{ids: map[int64]bool{3: true, 4: false}}, nil, zap.NewNop())
	require.NoError(t, ks.Init(context.Background()))

	assert.True(t, ks.IsBlocked(3))
	assert.False(t, ks.IsBlocked(4))
	assert.ElementsMatch(t, []int64{3}, ks.Blocked())
}

func TestKillSwitchPersistFailureKeepsState(t *testing.T) {
	store := &memBlocked{ids: map[int64]bool{}, setErr: errors.New("db down")}
	ks := NewKillSwitch(store, nil, zap.NewNop())

	err := ks.SetBlocked(context.Background(), 5, true)
	require.Error(t, err)
	assert.False(t, ks.IsBlocked(5), "L1 follows the database")
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in   string
		id   string
		on   bool
		isOK bool
	}{
		{"7:true", "7", true, true},
		{"7:false", "7", false, true},
		{"garbage", "", false, false},
		{"7:maybe", "", false, false},
	}
	for _, c := range cases {
		id, on, ok := ParseSignal(c.in)
		assert.Equal(t, c.isOK, ok, c.in)
		if c.isOK {
			assert.Equal(t, c.id, id)
			assert.Equal(t, c.on, on)
		}
	}
}
