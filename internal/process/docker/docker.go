// Package docker implements process.Launcher by running each process in its
// own container on the host Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"segmentd/internal/apperrors"
	"segmentd/internal/process"
)

const managedByLabel = "segmentd"

// Launcher spawns processes as containers.
type Launcher struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

// NewLauncher connects to the Docker daemon described by the environment.
func NewLauncher(cfg Config) (*Launcher, error) {
	cfg = cfg.withDefaults()
	if cfg.Image == "" {
		return nil, apperrors.Validation("image", "container image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Launcher{
		client: dockerClient,
		cfg:    cfg,
		logger: slog.With("component", "docker"),
	}, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (l *Launcher) Ready(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Close releases the Docker client. Running containers are not stopped.
func (l *Launcher) Close() error {
	return l.client.Close()
}

// Spawn creates, attaches and starts a container running spec.
func (l *Launcher) Spawn(ctx context.Context, spec process.Spec) (process.Process, error) {
	if spec.Command == "" {
		return nil, apperrors.Validation("command", "command is required")
	}
	name := spec.Label()

	if err := l.pullImageIfNeeded(ctx, l.cfg.Image); err != nil {
		return nil, apperrors.Spawn(name, fmt.Errorf("pull %s: %w", l.cfg.Image, err))
	}

	containerConfig, hostConfig := l.containerConfigs(spec)
	created, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, apperrors.Spawn(name, err)
	}
	id := created.ID

	// Attach and register the exit waiter before starting so no output or exit is missed.
	attach, err := l.client.ContainerAttach(context.Background(), id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(id)
		return nil, apperrors.Spawn(name, err)
	}
	waitCh, waitErrCh := l.client.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	if err := l.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(id)
		return nil, apperrors.Spawn(name, err)
	}

	pid := 0
	if inspect, err := l.client.ContainerInspect(ctx, id); err == nil && inspect.State != nil {
		pid = inspect.State.Pid
	}

	p := &containerProcess{
		launcher:   l,
		id:         id,
		pid:        pid,
		conn:       attach.Conn,
		closeWrite: attach.CloseWrite,
		lines:      process.NewLineChannel(),
		done:       make(chan struct{}),
	}

	logger := l.logger.With("name", name, "container", shortID(id))
	logger.Info("Container started", "image", l.cfg.Image, "pid", pid)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		if err != nil {
			logger.Debug("Attach stream ended", "error", err)
		}
		stdoutW.Close()
		stderrW.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go process.ForwardLines(stdoutR, process.Stdout, p.lines, &wg)
	go process.ForwardLines(stderrR, process.Stderr, p.lines, &wg)

	go func() {
		status := waitForExit(waitCh, waitErrCh)

		// The attach stream is a separate connection and may still hold the last frames.
		flush := time.NewTimer(l.cfg.OutputFlushTimeout)
		select {
		case <-copyDone:
		case <-flush.C:
			logger.Warn("Attach stream still open after exit, closing", "timeout", l.cfg.OutputFlushTimeout)
		}
		flush.Stop()
		attach.Close()
		wg.Wait()

		p.mu.Lock()
		p.status = status
		p.inputClosed = true
		p.mu.Unlock()

		logger.Info("Container exited", "status", status.String())
		l.remove(id)
		close(p.lines)
		close(p.done)
	}()

	return p, nil
}

func (l *Launcher) containerConfigs(spec process.Spec) (*container.Config, *container.HostConfig) {
	containerConfig := &container.Config{
		Image:        l.cfg.Image,
		Cmd:          append([]string{spec.Command}, spec.Args...),
		Env:          envList(spec.Env),
		WorkingDir:   spec.Dir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
		Labels: map[string]string{
			"managed-by":   managedByLabel,
			"process.name": spec.Label(),
		},
	}

	hostConfig := &container.HostConfig{
		Binds:      l.cfg.Binds,
		ExtraHosts: l.cfg.ExtraHosts,
	}
	if l.cfg.GPUs {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}
	return containerConfig, hostConfig
}

func (l *Launcher) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := l.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// remove deletes an exited or never-started container.
func (l *Launcher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		l.logger.Warn("Failed to remove container", "container", shortID(id), "error", err)
	}
}

func (l *Launcher) kill(id, signal string) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StopTimeout)
	defer cancel()
	return l.client.ContainerKill(ctx, id, signal)
}

func waitForExit(statusCh <-chan container.WaitResponse, errCh <-chan error) process.ExitStatus {
	select {
	case err := <-errCh:
		return process.ExitStatus{Code: -1, Err: err}
	case status := <-statusCh:
		return exitStatusOf(status)
	}
}

func exitStatusOf(resp container.WaitResponse) process.ExitStatus {
	status := process.ExitStatus{Code: int(resp.StatusCode)}
	if resp.Error != nil && resp.Error.Message != "" {
		status.Err = fmt.Errorf("%s", resp.Error.Message)
	}
	return status
}

// envList renders env as sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type containerProcess struct {
	launcher   *Launcher
	id         string
	pid        int
	conn       net.Conn
	closeWrite func() error
	lines      chan process.Line
	done       chan struct{}

	mu          sync.Mutex
	inputClosed bool
	status      process.ExitStatus
}

func (p *containerProcess) PID() int {
	return p.pid
}

func (p *containerProcess) WriteLine(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return apperrors.Validation("line", "line must not contain newlines")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputClosed {
		return apperrors.BrokenPipe(p.pid, net.ErrClosed)
	}
	if _, err := io.WriteString(p.conn, text+"\n"); err != nil {
		return apperrors.BrokenPipe(p.pid, err)
	}
	return nil
}

func (p *containerProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	return p.closeWrite()
}

func (p *containerProcess) Lines() <-chan process.Line {
	return p.lines
}

func (p *containerProcess) Done() <-chan struct{} {
	return p.done
}

func (p *containerProcess) ExitStatus() process.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *containerProcess) Terminate() error {
	return p.signal("SIGTERM")
}

func (p *containerProcess) Kill() error {
	return p.signal("SIGKILL")
}

func (p *containerProcess) signal(sig string) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.launcher.kill(p.id, sig)
}

var _ process.Launcher = (*Launcher)(nil)
