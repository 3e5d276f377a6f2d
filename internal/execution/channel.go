package execution

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

// agentCommand запускает агента внутри кабинки и дописывает весь вывод в лог work/.
const agentCommand = "python3 /usr/local/bin/agent.py 2>&1 | tee -a /app/workspace/work/.hermit.log"

// Execer - кусок Host, нужный каналу.
type Execer interface {
	Exec(ctx context.Context, id string, spec cubicle.ExecSpec) (io.ReadCloser, error)
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventApprovalRequired
	EventApprovalConfirmed
	EventCompletion
)

// Event - то, что канал сообщает наружу по ходу прогона.
type Event struct {
	Kind    EventKind
	Status  string // EventProgress
	Details string // EventProgress
	Command string // EventApprovalRequired
	Output  string // EventCompletion
}

// Request - одна команда для агента в кабинке.
type Request struct {
	Message         string
	History         []domain.Message
	MaxTokens       int
	Provider        string
	Model           string
	OrchestratorURL string
	// Профиль агента уходит в каждый exec: окружение exec перекрывает
	// окружение контейнера, поэтому правка профиля действует сразу.
	AgentName       string
	AgentRole       string
	RequireApproval bool
}

type Completion struct {
	Output   string
	Commands int
	TimedOut bool
}

type Option func(*Channel)

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithTimeout страховочный таймаут прогона. 0 - без ограничения.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

func WithProgressInterval(d time.Duration) Option {
	return func(c *Channel) { c.interval = d }
}

// Channel запускает агента в кабинке и превращает поток вывода в события.
type Channel struct {
	host     Execer
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewChannel(host Execer, logger *zap.Logger, opts ...Option) *Channel {
	c := &Channel{
		host:     host,
		logger:   logger.Named("exec"),
		interval: 500 * time.Millisecond,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// session - состояние одного прогона. Живет только внутри Run.
type session struct {
	raw          strings.Builder
	lastProgress time.Time
	commands     int
}

// Run блокируется до конца потока. emit вызывается из той же горутины,
// поэтому события строго упорядочены относительно потока.
// При обрыве потока частичный вывод отбрасывается и возвращается StreamError.
func (c *Channel) Run(ctx context.Context, cubicleID string, req Request, emit func(Event)) (Completion, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	spec, err := c.execSpec(req)
	if err != nil {
		return Completion{}, &domain.StreamError{CubicleID: cubicleID, Err: err}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	stream, err := c.host.Exec(runCtx, cubicleID, spec)
	if err != nil {
		return Completion{}, &domain.StreamError{CubicleID: cubicleID, Err: err}
	}
	defer stream.Close()

	// Закрытие потока по ctx будит заблокированный Read
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			stream.Close()
		case <-done:
		}
	}()

	s := &session{}
	c.progress(s, emit, "🧠 Thinking...", "", true)

	r := bufio.NewReader(stream)
	for {
		line, readErr := r.ReadString('\n')
		if line != "" {
			s.raw.WriteString(line)
			c.observe(s, Classify(line), emit)
		}
		if readErr == nil {
			continue
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		// Сработал страховочный таймаут, а не отмена вызывающим
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out := Finalize(s.raw.String()) + fmt.Sprintf("\n\n⏱ Execution stopped after %s.", c.timeout)
			c.logger.Warn("execution timed out",
				zap.String("cubicle_id", cubicleID),
				zap.Duration("timeout", c.timeout),
				zap.Int("commands", s.commands))
			emit(Event{Kind: EventCompletion, Output: out})
			return Completion{Output: out, Commands: s.commands, TimedOut: true}, nil
		}

		if ctx.Err() != nil {
			readErr = ctx.Err()
		}
		return Completion{}, &domain.StreamError{CubicleID: cubicleID, Err: readErr}
	}

	out := Finalize(s.raw.String())
	emit(Event{Kind: EventCompletion, Output: out})
	return Completion{Output: out, Commands: s.commands}, nil
}

func (c *Channel) observe(s *session, l Line, emit func(Event)) {
	switch l.Kind {
	case KindProgress:
		switch l.Marker {
		case MarkerCommand:
			s.commands++
			cmd := l.Payload
			if cmd == "" {
				cmd = "command"
			}
			c.progress(s, emit, "⚙️ Executing command #"+strconv.Itoa(s.commands), truncate(cmd, 50), false)
		case MarkerCommandOutput:
			c.progress(s, emit, "📤 Processing output...", "", false)
		case MarkerMeeting:
			c.progress(s, emit, "🤝 Coordinating with other agents...", "", false)
		}

	case KindApprovalRequired:
		// Запрос аппрува не троттлится: каждый маркер - отдельная запись аудита
		emit(Event{Kind: EventApprovalRequired, Command: l.Payload})
		c.progress(s, emit, "⏳ Waiting for approval...", truncate(l.Payload, 40), false)

	case KindApprovalConfirmed:
		emit(Event{Kind: EventApprovalConfirmed})
	}
}

// progress с троттлингом: не чаще interval, лишнее выбрасывается.
func (c *Channel) progress(s *session, emit func(Event), status, details string, force bool) {
	now := c.now()
	if !force && !s.lastProgress.IsZero() && now.Sub(s.lastProgress) < c.interval {
		return
	}
	s.lastProgress = now
	emit(Event{Kind: EventProgress, Status: status, Details: details})
}

func (c *Channel) execSpec(req Request) (cubicle.ExecSpec, error) {
	history := req.History
	if history == nil {
		history = []domain.Message{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return cubicle.ExecSpec{}, fmt.Errorf("encode history: %w", err)
	}

	env := []string{
		"USER_MSG=" + req.Message,
		"HISTORY=" + base64.StdEncoding.EncodeToString(raw),
		"MAX_TOKENS=" + strconv.Itoa(req.MaxTokens),
		"LLM_PROVIDER=" + req.Provider,
		"LLM_MODEL=" + req.Model,
		"AGENT_NAME=" + req.AgentName,
		"AGENT_ROLE=" + req.AgentRole,
		"HITL_ENABLED=" + strconv.FormatBool(req.RequireApproval),
	}
	// Ключ провайдера в кабинку не уходит: агент ходит к модели через оркестратор
	if req.OrchestratorURL != "" {
		env = append(env, "ORCHESTRATOR_URL="+req.OrchestratorURL)
	}

	return cubicle.ExecSpec{
		Cmd: []string{"sh", "-c", agentCommand},
		Env: env,
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
