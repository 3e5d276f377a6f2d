// Package cubicletest - in-memory Host для юнит-тестов.
package cubicletest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
)

var ErrNotFound = errors.New("fake host: no such container")

// ExecResult сценарий одного exec: что отдать в поток и чем его оборвать.
type ExecResult struct {
	Output    string
	StreamErr error // ошибка после Output; nil - нормальный EOF
	StartErr  error // ошибка на самом старте exec
	Block     bool  // после Output висим до закрытия ридера или ctx
}

type ExecCall struct {
	ContainerID string
	Spec        cubicle.ExecSpec
}

// FakeHost реализует cubicle.Host в памяти.
type FakeHost struct {
	mu         sync.Mutex
	containers map[string]*cubicle.Container
	seq        int
	now        func() time.Time

	// Инъекция сбоев
	CreateErr error
	StartErr  error
	PingErr   error
	StopErrs  map[string]error
	RemoveErr map[string]error
	ListErr   error

	// ExecFn решает, что ответить на exec. По умолчанию пустой вывод.
	ExecFn func(id string, spec cubicle.ExecSpec) ExecResult

	Execs   []ExecCall
	Created []cubicle.CreateSpec
	Stops   []string
	Removes []string
	Starts  []string
}

func NewFakeHost() *FakeHost {
	return &FakeHost{
		containers: make(map[string]*cubicle.Container),
		now:        time.Now,
		StopErrs:   make(map[string]error),
		RemoveErr:  make(map[string]error),
	}
}

// Seed кладет готовый контейнер (для тестов реестра и Reaper'а).
func (h *FakeHost) Seed(c cubicle.Container) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := c
	cp.Labels = copyLabels(c.Labels)
	h.containers[c.ID] = &cp
}

func (h *FakeHost) Get(id string) (cubicle.Container, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[id]
	if !ok {
		return cubicle.Container{}, false
	}
	return *c, true
}

func (h *FakeHost) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.containers)
}

func (h *FakeHost) ExecCalls() []ExecCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ExecCall(nil), h.Execs...)
}

func (h *FakeHost) List(_ context.Context, labels map[string]string) ([]cubicle.Container, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ListErr != nil {
		return nil, h.ListErr
	}

	var out []cubicle.Container
	for _, c := range h.containers {
		if matches(c.Labels, labels) {
			cp := *c
			cp.Labels = copyLabels(c.Labels)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (h *FakeHost) Create(_ context.Context, spec cubicle.CreateSpec) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return "", h.CreateErr
	}
	h.seq++
	id := fmt.Sprintf("%064x", h.seq)
	h.containers[id] = &cubicle.Container{
		ID:      id,
		Image:   spec.Image,
		Labels:  copyLabels(spec.Labels),
		Created: h.now(),
	}
	h.Created = append(h.Created, spec)
	return id, nil
}

func (h *FakeHost) Start(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.StartErr != nil {
		return h.StartErr
	}
	c, ok := h.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.Running = true
	h.Starts = append(h.Starts, id)
	return nil
}

func (h *FakeHost) Stop(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.StopErrs[id]; err != nil {
		return err
	}
	c, ok := h.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.Running = false
	h.Stops = append(h.Stops, id)
	return nil
}

func (h *FakeHost) Remove(_ context.Context, id string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.RemoveErr[id]; err != nil {
		return err
	}
	c, ok := h.containers[id]
	if !ok {
		return ErrNotFound
	}
	if c.Running && !force {
		return fmt.Errorf("fake host: container %s is running", id)
	}
	delete(h.containers, id)
	h.Removes = append(h.Removes, id)
	return nil
}

func (h *FakeHost) Inspect(_ context.Context, id string) (cubicle.Container, error) {
	c, ok := h.Get(id)
	if !ok {
		return cubicle.Container{}, ErrNotFound
	}
	return c, nil
}

func (h *FakeHost) Exec(ctx context.Context, id string, spec cubicle.ExecSpec) (io.ReadCloser, error) {
	h.mu.Lock()
	c, ok := h.containers[id]
	running := ok && c.Running
	h.Execs = append(h.Execs, ExecCall{ContainerID: id, Spec: spec})
	fn := h.ExecFn
	h.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !running {
		return nil, fmt.Errorf("fake host: container %s is not running", id)
	}

	var res ExecResult
	if fn != nil {
		res = fn(id, spec)
	}
	if res.StartErr != nil {
		return nil, res.StartErr
	}
	return newScriptedStream(ctx, res), nil
}

func (h *FakeHost) Ping(context.Context) error {
	return h.PingErr
}

// scriptedStream отдает Output, затем StreamErr/EOF или блокируется.
type scriptedStream struct {
	r      *strings.Reader
	res    ExecResult
	ctx    context.Context
	closed chan struct{}
	once   sync.Once
}

func newScriptedStream(ctx context.Context, res ExecResult) *scriptedStream {
	return &scriptedStream{
		r:      strings.NewReader(res.Output),
		res:    res,
		ctx:    ctx,
		closed: make(chan struct{}),
	}
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.r.Len() > 0 {
		return s.r.Read(p)
	}
	if s.res.Block {
		select {
		case <-s.closed:
			return 0, io.ErrClosedPipe
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}
	if s.res.StreamErr != nil {
		return 0, s.res.StreamErr
	}
	return 0, io.EOF
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok {
			return false
		}
		if v != "" && got != v {
			return false
		}
	}
	return true
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Labels - хелпер для Seed: лейблы идентичности с временными метками.
func Labels(agentID, userID int64, created, lastActive time.Time) map[string]string {
	return map[string]string{
		cubicle.LabelAgentID:    fmt.Sprint(agentID),
		cubicle.LabelUserID:     fmt.Sprint(userID),
		cubicle.LabelStatus:     "active",
		cubicle.LabelCreatedAt:  created.UTC().Format(time.RFC3339Nano),
		cubicle.LabelLastActive: lastActive.UTC().Format(time.RFC3339Nano),
	}
}

// SetClock подменяет время создания контейнеров.
func (h *FakeHost) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}
