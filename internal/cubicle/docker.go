package cubicle

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerHost реализует Host поверх Docker Engine API.
type DockerHost struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerHost подключается по DOCKER_HOST/DOCKER_CERT_PATH из окружения.
func NewDockerHost(logger *zap.Logger) (*DockerHost, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: client init: %w", err)
	}
	return &DockerHost{cli: cli, logger: logger.Named("docker")}, nil
}

func (h *DockerHost) Close() error {
	return h.cli.Close()
}

func (h *DockerHost) Ping(ctx context.Context) error {
	if _, err := h.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	return nil
}

func (h *DockerHost) List(ctx context.Context, labels map[string]string) ([]Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			args.Add("label", k)
			continue
		}
		args.Add("label", k+"="+v)
	}

	list, err := h.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker: list: %w", err)
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		out = append(out, fromSummary(c))
	}
	return out, nil
}

func (h *DockerHost) Create(ctx context.Context, spec CreateSpec) (string, error) {
	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
		Tty:    false,
	}

	pids := spec.PidsLimit
	hostCfg := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			PidsLimit: &pids,
		},
	}

	resp, err := h.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("docker: create %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		h.logger.Warn("create warning", zap.String("cubicle_id", resp.ID), zap.String("warning", w))
	}
	return resp.ID, nil
}

func (h *DockerHost) Start(ctx context.Context, id string) error {
	if err := h.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker: start: %w", err)
	}
	return nil
}

func (h *DockerHost) Stop(ctx context.Context, id string) error {
	if err := h.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("docker: stop: %w", err)
	}
	return nil
}

func (h *DockerHost) Remove(ctx context.Context, id string, force bool) error {
	if err := h.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("docker: remove: %w", err)
	}
	return nil
}

func (h *DockerHost) Inspect(ctx context.Context, id string) (Container, error) {
	info, err := h.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Container{}, fmt.Errorf("docker: inspect: %w", err)
	}

	c := Container{ID: info.ID}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if info.State != nil {
		c.Running = info.State.Running
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.Created = t
	}
	return c, nil
}

// Exec: create + attach, мультиплексированный поток Docker разбираем
// stdcopy в пайп. Закрытие ридера закрывает hijacked-соединение.
func (h *DockerHost) Exec(ctx context.Context, id string, spec ExecSpec) (io.ReadCloser, error) {
	created, err := h.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: exec create: %w", err)
	}

	hijacked, err := h.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: exec attach: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, hijacked.Reader)
		pw.CloseWithError(err)
	}()

	return &execStream{PipeReader: pr, conn: hijacked}, nil
}

type execStream struct {
	*io.PipeReader
	conn types.HijackedResponse
}

func (s *execStream) Close() error {
	s.conn.Close()
	return s.PipeReader.Close()
}

func fromSummary(c types.Container) Container {
	return Container{
		ID:      c.ID,
		Image:   c.Image,
		Labels:  c.Labels,
		Running: strings.EqualFold(c.State, "running"),
		Created: time.Unix(c.Created, 0).UTC(),
	}
}
