package cubicle

import (
	"context"
	"io"
	"time"
)

// Лейблы идентичности. Ставятся один раз при создании, Docker их не меняет.
const (
	LabelAgentID    = "hermitshell.agent_id"
	LabelUserID     = "hermitshell.user_id"
	LabelStatus     = "hermitshell.status"
	LabelCreatedAt  = "hermitshell.created_at"
	LabelLastActive = "hermitshell.last_active"
)

// Container - то, что хост знает о контейнере. Словарь лейблов
// дальше Registry не уходит.
type Container struct {
	ID      string
	Image   string
	Labels  map[string]string
	Running bool
	Created time.Time
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateSpec описание новой кабинки для хоста.
type CreateSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Mounts      []Mount
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64
	NetworkMode string
}

type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
}

// Host - минимальная поверхность контейнерного хоста.
// Для тестов подменяется cubicletest.FakeHost.
type Host interface {
	// List отдает все контейнеры (включая остановленные) с заданными лейблами.
	// Пустое значение лейбла означает "ключ присутствует".
	List(ctx context.Context, labels map[string]string) ([]Container, error)
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (Container, error)
	// Exec запускает одноразовую команду без stdin. Ридер отдает уже
	// демультиплексированный stdout+stderr, Close рвет поток.
	Exec(ctx context.Context, id string, spec ExecSpec) (io.ReadCloser, error)
	Ping(ctx context.Context) error
}
