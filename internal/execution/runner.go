// Package execution runs code blocks as subprocesses and records their output.
package execution

import (
	"context"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/ashureev/livedeck/internal/domain"
)

// Command is what a Runner starts: an interpreter argv fed with Stdin.
type Command struct {
	Argv  []string
	Stdin string
	Dir   string
	Env   []string
}

// ExitSignaled is the exit code Wait reports for a process ended by a signal.
const ExitSignaled = -1

// Process is a started subprocess.
type Process interface {
	// Wait blocks until the process exits and returns its exit code, or
	// ExitSignaled if a signal ended it.
	Wait() (int, error)
	// Terminate asks the process to stop.
	Terminate() error
	// Kill stops the process forcefully.
	Kill() error
}

// Runner starts processes. Output must be written to stdout and stderr until
// Wait returns; no writes may happen afterwards.
type Runner interface {
	Start(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Process, error)
}

// Interpreters maps a code block language to the argv that reads source from stdin.
type Interpreters map[string][]string

// DefaultInterpreters returns the built-in language table.
func DefaultInterpreters() Interpreters {
	return Interpreters{
		"sh":         {"sh", "-s"},
		"bash":       {"bash", "-s"},
		"zsh":        {"zsh", "-s"},
		"python":     {"python3", "-u", "-"},
		"python3":    {"python3", "-u", "-"},
		"py":         {"python3", "-u", "-"},
		"node":       {"node", "-"},
		"javascript": {"node", "-"},
		"js":         {"node", "-"},
		"ruby":       {"ruby", "-"},
		"perl":       {"perl", "-"},
	}
}

// Merge returns a copy of i with entries from override replacing its own.
func (i Interpreters) Merge(override Interpreters) Interpreters {
	out := maps.Clone(i)
	if out == nil {
		out = Interpreters{}
	}
	maps.Copy(out, override)
	return out
}

// Resolve returns the argv for language.
func (i Interpreters) Resolve(language string) ([]string, error) {
	argv, ok := i[strings.ToLower(language)]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("%w: no interpreter for language %q", domain.ErrProcessSpawnFailed, language)
	}
	return argv, nil
}
