package hitl

import (
	"context"
	"fmt"
	"io"

	"github.com/xela07ax/hermit-cubicles/internal/cubicle"
	"github.com/xela07ax/hermit-cubicles/internal/execution"
)

// ExecArtifactWriter создает пустой lock-файл короткоживущим exec'ом.
type ExecArtifactWriter struct {
	host execution.Execer
}

func NewExecArtifactWriter(host execution.Execer) *ExecArtifactWriter {
	return &ExecArtifactWriter{host: host}
}

func (w *ExecArtifactWriter) WriteArtifact(ctx context.Context, cubicleID, path string) error {
	stream, err := w.host.Exec(ctx, cubicleID, cubicle.ExecSpec{Cmd: []string{"touch", path}})
	if err != nil {
		return fmt.Errorf("artifact %s: %w", path, err)
	}
	defer stream.Close()

	// Ждем завершения touch, вывод не нужен
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("artifact %s: %w", path, err)
	}
	return nil
}
