package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStopFlushesEverything(t *testing.T) {
	store := &MemoryStorage{}
	fs := NewAgentFS(store, Options{BufferSize: 100, BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()

	for i := 0; i < 25; i++ {
		fs.Log(InvocationEvent{ID: "e", AgentID: int64(i), Status: StatusSuccess})
	}
	fs.Stop()

	got := store.Recent(100)
	require.Len(t, got, 25)
	assert.Equal(t, int64(24), got[0].AgentID)
	assert.False(t, got[0].Timestamp.IsZero())

	// После Stop события отбрасываются, повторный Stop безопасен
	fs.Log(InvocationEvent{ID: "late"})
	fs.Stop()
	assert.Len(t, store.Recent(100), 25)
}

type blockingStorage struct {
	release chan struct{}
}

func (b *blockingStorage) WriteBatch(_ context.Context, _ []InvocationEvent) error {
	<-b.release
	return nil
}

func TestOverflowSheds(t *testing.T) {
	store := &blockingStorage{release: make(chan struct{})}
	fs := NewAgentFS(store, Options{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()

	for i := 0; i < 10; i++ {
		fs.Log(InvocationEvent{AgentID: 1})
	}
	assert.Positive(t, fs.Dropped())

	close(store.release)
	fs.Stop()
}

type failingStorage struct{ calls int }

func (f *failingStorage) WriteBatch(context.Context, []InvocationEvent) error {
	f.calls++
	return errors.New("connection refused")
}

func TestFlushErrorDoesNotStopWorker(t *testing.T) {
	store := &failingStorage{}
	fs := NewAgentFS(store, Options{BufferSize: 10, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()
	fs.Log(InvocationEvent{AgentID: 1})
	fs.Log(InvocationEvent{AgentID: 2})
	fs.Stop()
	assert.Equal(t, 2, store.calls)
}
