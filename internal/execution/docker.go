package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ashureev/livedeck/internal/domain"
)

const (
	// Container configuration.
	containerUser    = "1000"
	containerWorkDir = "/tmp"
	runLabel         = "livedeck.run"

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	dockerCallTimeout = 10 * time.Second

	// Exit statuses of a container stopped by SIGKILL and SIGTERM.
	exitSIGKILL = 128 + 9
	exitSIGTERM = 128 + 15
)

// DockerRunner runs each command in a fresh, network-less container that is
// removed once the command exits.
type DockerRunner struct {
	cli       *client.Client
	image     string
	runtime   string // "" = default (runc), "runsc" = gVisor
	waitDelay time.Duration
	logger    *slog.Logger
}

// NewDockerRunner creates a Docker-backed runner using image for every run.
func NewDockerRunner(image, runtime string, logger *slog.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		logger.Info("Docker client initialized", "image", image, "runtime", runtime)
	} else {
		logger.Info("Docker client initialized", "image", image, "runtime", "default")
	}
	return newDockerRunner(cli, image, runtime, logger), nil
}

func newDockerRunner(cli *client.Client, image, runtime string, logger *slog.Logger) *DockerRunner {
	return &DockerRunner{
		cli:       cli,
		image:     image,
		runtime:   runtime,
		waitDelay: defaultWaitDelay,
		logger:    logger,
	}
}

// Ping checks that the Docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Start creates the container, attaches to its streams and starts it with
// the source written to stdin.
func (r *DockerRunner) Start(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", domain.ErrProcessSpawnFailed)
	}

	config := &container.Config{
		Image:        r.image,
		Cmd:          cmd.Argv,
		Env:          cmd.Env,
		User:         containerUser,
		WorkingDir:   containerWorkDir,
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{runLabel: "true"},
	}

	hostConfig := &container.HostConfig{
		Runtime:     r.runtime,
		NetworkMode: container.NetworkMode("none"),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %w", domain.ErrProcessSpawnFailed, err)
	}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("%w: attach container %s: %w", domain.ErrProcessSpawnFailed, resp.ID, err)
	}

	// Registered before start so a fast exit is not missed.
	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.remove(resp.ID)
		return nil, fmt.Errorf("%w: start container %s: %w", domain.ErrProcessSpawnFailed, resp.ID, err)
	}

	p := &dockerProcess{
		runner: r,
		id:     resp.ID,
		waitCh: waitCh,
		errCh:  errCh,
		copied: make(chan error, 1),
		detach: attach.Close,
	}

	go func() {
		if _, err := io.WriteString(attach.Conn, cmd.Stdin); err != nil {
			r.logger.Debug("Failed to write source to container", "container_id", resp.ID, "error", err)
		}
		if err := attach.CloseWrite(); err != nil {
			r.logger.Debug("Failed to close container stdin", "container_id", resp.ID, "error", err)
		}
	}()
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		p.copied <- err
	}()

	r.logger.Debug("Container started", "container_id", resp.ID, "image", r.image)
	return p, nil
}

// remove force-removes a container, tolerating one that is already gone.
func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerCallTimeout)
	defer cancel()

	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
		return
	}
	r.logger.Warn("Failed to remove container", "container_id", containerID, "error", err)
}

// signal reports whether the container received sig.
func (r *DockerRunner) signal(containerID, sig string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerCallTimeout)
	defer cancel()

	if err := r.cli.ContainerKill(ctx, containerID, sig); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			// Already gone or no longer running.
			return false, nil
		}
		return false, fmt.Errorf("signal container %s with %s: %w", containerID, sig, err)
	}
	return true, nil
}

type dockerProcess struct {
	runner   *DockerRunner
	id       string
	waitCh   <-chan container.WaitResponse
	errCh    <-chan error
	copied   chan error
	detach   func()
	signaled atomic.Bool
}

// Wait returns once the container has exited and its output is fully
// copied. Output still open after the wait delay is cut off by closing the
// attach stream. Exit statuses caused by our own signals are reported as
// ExitSignaled.
func (p *dockerProcess) Wait() (int, error) {
	code, err := -1, error(nil)
	select {
	case res := <-p.waitCh:
		code = int(res.StatusCode)
		if res.Error != nil && res.Error.Message != "" {
			err = errors.New(res.Error.Message)
		}
	case werr := <-p.errCh:
		err = fmt.Errorf("wait container %s: %w", p.id, werr)
	}

	var cerr error
	select {
	case cerr = <-p.copied:
		p.detach()
	case <-time.After(p.runner.waitDelay):
		p.runner.logger.Warn("Container output still open after exit", "container_id", p.id)
		p.detach()
		cerr = <-p.copied
	}
	if cerr != nil {
		p.runner.logger.Debug("Container output copy ended with error", "container_id", p.id, "error", cerr)
	}
	p.runner.remove(p.id)

	if p.signaled.Load() && (code == exitSIGKILL || code == exitSIGTERM) {
		code = ExitSignaled
	}
	return code, err
}

func (p *dockerProcess) Terminate() error {
	return p.send("SIGTERM")
}

func (p *dockerProcess) Kill() error {
	return p.send("SIGKILL")
}

func (p *dockerProcess) send(sig string) error {
	sent, err := p.runner.signal(p.id, sig)
	if sent {
		p.signaled.Store(true)
	}
	return err
}

func ptr[T any](v T) *T {
	return &v
}
