package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ashureev/livedeck/internal/domain"
)

// defaultWaitDelay bounds how long Wait keeps copying output after the
// process exits, in case a grandchild still holds the pipes open.
const defaultWaitDelay = 2 * time.Second

// LocalRunner runs commands on the host. The working directory and
// environment are inherited from the server unless Command overrides them.
type LocalRunner struct {
	WaitDelay time.Duration
}

// NewLocalRunner creates a host process runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{WaitDelay: defaultWaitDelay}
}

// Start spawns cmd with stdout and stderr captured separately.
func (r *LocalRunner) Start(_ context.Context, cmd Command, stdout, stderr io.Writer) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", domain.ErrProcessSpawnFailed)
	}

	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Stdin = strings.NewReader(cmd.Stdin)
	c.Stdout = stdout
	c.Stderr = stderr
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.WaitDelay = r.WaitDelay
	setProcessGroup(c)

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrProcessSpawnFailed, cmd.Argv[0], err)
	}
	return &localProcess{cmd: c}, nil
}

type localProcess struct {
	cmd *exec.Cmd
}

// Wait returns the exit code. A process ended by a signal reports
// ExitSignaled.
func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *localProcess) Terminate() error {
	return terminate(p.cmd.Process)
}

func (p *localProcess) Kill() error {
	return kill(p.cmd.Process)
}
