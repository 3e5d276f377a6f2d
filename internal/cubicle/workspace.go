package cubicle

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

// Подкаталоги рабочего пространства
const (
	DirInbound  = "in"
	DirOutbound = "out"
	DirWork     = "work"
	DirWWW      = "www"
)

const (
	containerWorkspace = "/app/workspace"
	containerPipCache  = "/root/.cache/pip"
	containerNpmCache  = "/root/.npm"

	logFileName = ".hermit.log"
)

var workspaceDirs = []string{DirInbound, DirOutbound, DirWork, DirWWW}

// Workspace - дерево {root}/{agentId}_{userId}/{in,out,work,www} на хосте.
// Переживает кабинку и никогда не удаляется автоматически.
type Workspace struct {
	root      string
	cacheRoot string
}

func NewWorkspace(root, cacheRoot string) (*Workspace, error) {
	// Docker принимает bind-mount только с абсолютными путями
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: root: %w", err)
	}
	absCache, err := filepath.Abs(cacheRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace: cache root: %w", err)
	}
	return &Workspace{root: absRoot, cacheRoot: absCache}, nil
}

func (w *Workspace) Path(agentID, userID int64) string {
	return filepath.Join(w.root, domain.WorkspaceID(agentID, userID))
}

// LogPath - лог, в который дописывает каждый exec.
func (w *Workspace) LogPath(agentID, userID int64) string {
	return filepath.Join(w.Path(agentID, userID), DirWork, logFileName)
}

// Ensure создает недостающие каталоги. Существующее содержимое не трогает.
func (w *Workspace) Ensure(agentID, userID int64) (string, error) {
	base := w.Path(agentID, userID)
	for _, d := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return "", fmt.Errorf("workspace: ensure %s: %w", d, err)
		}
	}
	for _, d := range []string{"pip", "npm"} {
		if err := os.MkdirAll(filepath.Join(w.cacheRoot, d), 0o755); err != nil {
			return "", fmt.Errorf("workspace: ensure cache %s: %w", d, err)
		}
	}
	return base, nil
}

// Mounts: рабочее пространство эксклюзивно, кэши pip/npm общие на всех.
func (w *Workspace) Mounts(agentID, userID int64) []Mount {
	return []Mount{
		{Source: w.Path(agentID, userID), Target: containerWorkspace},
		{Source: filepath.Join(w.cacheRoot, "pip"), Target: containerPipCache},
		{Source: filepath.Join(w.cacheRoot, "npm"), Target: containerNpmCache},
	}
}

// TailLog последние n строк лога действий. Нет лога - пустой срез.
func (w *Workspace) TailLog(agentID, userID int64, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(w.LogPath(agentID, userID))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: open log: %w", err)
	}
	defer f.Close()

	// Кольцевой буфер на n строк
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("workspace: read log: %w", err)
	}
	return ring, nil
}

// Deliverable файл из out/, который агент отдал пользователю.
type Deliverable struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListOutbound файлы из out/, новые первыми.
func (w *Workspace) ListOutbound(agentID, userID int64) ([]Deliverable, error) {
	dir := filepath.Join(w.Path(agentID, userID), DirOutbound)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Deliverable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: list outbound: %w", err)
	}

	out := make([]Deliverable, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Deliverable{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}
