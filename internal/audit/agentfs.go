package audit

/*
AgentFS - неблокирующий журнал вызовов агентов.

- Hot Path: Log только кладет событие в буферизованный канал, запись в БД
  не влияет на время ответа invokeAgent.
- Batching: пакетная запись по таймеру или при достижении BatchSize.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остатки и делает
  финальный flush.
- Load Shedding: при переполнении буфера событие уходит в лог, а не блокирует запрос.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	WriteBatch(ctx context.Context, events []InvocationEvent) error
}

type Auditor interface {
	Log(event InvocationEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// OnFill вызывается после каждого flush с текущей заполненностью буфера (метрика)
	OnFill func(n int)
}

type AgentFS struct {
	ch     chan InvocationEvent
	repo   Storage
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed int32 // 0 - открыт, 1 - закрыт
	dropped  atomic.Int64
}

func NewAgentFS(repo Storage, opts Options, logger *zap.Logger) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	return &AgentFS{
		ch:     make(chan InvocationEvent, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	if !atomic.CompareAndSwapInt32(&fs.isClosed, 0, 1) {
		return
	}
	// Даем текущим Log проскочить
	time.Sleep(10 * time.Millisecond)

	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully", zap.Int64("dropped", fs.dropped.Load()))
}

func (fs *AgentFS) Log(event InvocationEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
	default:
		fs.dropped.Add(1)
		fs.logger.Error("audit_buffer_overflow",
			zap.Int64("agent_id", event.AgentID),
			zap.String("trace_id", event.TraceID),
			zap.String("status", event.Status),
		)
	}
}

// Dropped сколько событий потеряно из-за переполнения.
func (fs *AgentFS) Dropped() int64 {
	return fs.dropped.Load()
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]InvocationEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к этому моменту может быть закрыт
			if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
				fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
		if fs.opts.OnFill != nil {
			fs.opts.OnFill(len(fs.ch))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// MemoryStorage держит события в памяти (тесты, запуск без Postgres).
type MemoryStorage struct {
	mu     sync.Mutex
	events []InvocationEvent
}

func (m *MemoryStorage) WriteBatch(_ context.Context, events []InvocationEvent) error {
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
	return nil
}

// Recent последние n событий, новые первыми.
func (m *MemoryStorage) Recent(n int) []InvocationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InvocationEvent, 0, n)
	for i := len(m.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.events[i])
	}
	return out
}
