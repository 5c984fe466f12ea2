package execution

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/recording"
)

type fixedDeck struct{ d *domain.Deck }

func (f fixedDeck) Current() *domain.Deck { return f.d }

type observed struct {
	kind   string
	deckID domain.DeckID
	runID  string
	offset int
	exec   domain.Execution
}

type collector struct {
	mu     sync.Mutex
	events []observed
}

func (c *collector) ExecutionStarted(deckID domain.DeckID, exec domain.Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, observed{kind: "started", deckID: deckID, runID: exec.RunID, exec: exec})
}

func (c *collector) ExecutionOutput(deckID domain.DeckID, runID string, offset int, _ domain.RecordingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, observed{kind: "output", deckID: deckID, runID: runID, offset: offset})
}

func (c *collector) ExecutionEnded(deckID domain.DeckID, exec domain.Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, observed{kind: "ended", deckID: deckID, runID: exec.RunID, exec: exec})
}

func (c *collector) forRun(runID string) []observed {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []observed
	for _, ev := range c.events {
		if ev.runID == runID {
			out = append(out, ev)
		}
	}
	return out
}

type memArchive struct {
	mu   sync.Mutex
	runs map[string][]domain.RecordingEvent
}

func (a *memArchive) ArchiveRun(_ context.Context, exec domain.Execution, events []domain.RecordingEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs == nil {
		a.runs = make(map[string][]domain.RecordingEvent)
	}
	a.runs[exec.RunID] = events
	return nil
}

func (a *memArchive) get(runID string) ([]domain.RecordingEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	events, ok := a.runs[runID]
	return events, ok
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newTestDeck(t *testing.T, blocks ...domain.CodeBlock) *domain.Deck {
	t.Helper()
	d, err := domain.NewDeck("test", "Test", []domain.Slide{{CodeBlocks: blocks}})
	require.NoError(t, err)
	return d
}

func newTestEngine(t *testing.T, d *domain.Deck, opts Options) (*Engine, *collector) {
	t.Helper()
	if opts.KillGrace == 0 {
		opts.KillGrace = 200 * time.Millisecond
	}
	e := NewEngine(fixedDeck{d}, recording.NewStore(recording.Limits{}, nil), opts)
	obs := &collector{}
	e.SetObserver(obs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, obs
}

func waitRun(t *testing.T, e *Engine, runID string) domain.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	return exec
}

func TestEngine_AlreadyRunningThenFailedThenRestart(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "sleep 0.3\necho done\nexit 1\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	e, _ := newTestEngine(t, d, Options{})
	ctx := context.Background()

	first, err := e.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, first.Status)

	_, err = e.Start(ctx, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	ended := waitRun(t, e, first.RunID)
	assert.Equal(t, domain.StatusFailed, ended.Status)
	require.NotNil(t, ended.ExitCode)
	assert.Equal(t, 1, *ended.ExitCode)
	assert.NotNil(t, ended.EndedAt)

	second, err := e.Start(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	waitRun(t, e, second.RunID)
}

func TestEngine_RecordingIsOrderedAndIdempotent(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "echo one\necho two >&2\necho three\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	archive := &memArchive{}
	e, _ := newTestEngine(t, d, Options{Archiver: archive})

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)
	ended := waitRun(t, e, exec.RunID)
	assert.Equal(t, domain.StatusSucceeded, ended.Status)
	assert.Equal(t, 0, *ended.ExitCode)

	_, events, err := e.GetRecording(exec.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var stdout, stderr strings.Builder
	for i, ev := range events {
		if i > 0 {
			assert.Greater(t, ev.RelativeTimeMs, events[i-1].RelativeTimeMs)
		}
		switch ev.Stream {
		case domain.StreamStdout:
			stdout.Write(ev.Data)
		case domain.StreamStderr:
			stderr.Write(ev.Data)
		}
	}
	assert.Equal(t, "one\nthree\n", stdout.String())
	assert.Equal(t, "two\n", stderr.String())

	_, again, err := e.GetRecording(exec.RunID)
	require.NoError(t, err)
	assert.Equal(t, events, again)

	archived, ok := archive.get(exec.RunID)
	require.True(t, ok)
	assert.Equal(t, events, archived)
}

func TestEngine_ObserverOrder(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "for i in 1 2 3 4 5; do echo $i; sleep 0.01; done\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	e, obs := newTestEngine(t, d, Options{})

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)
	waitRun(t, e, exec.RunID)

	seen := obs.forRun(exec.RunID)
	require.GreaterOrEqual(t, len(seen), 3)
	for _, ev := range seen {
		assert.Equal(t, d.ID, ev.deckID)
	}
	assert.Equal(t, "started", seen[0].kind)
	assert.Equal(t, "ended", seen[len(seen)-1].kind)
	for i, ev := range seen[1 : len(seen)-1] {
		assert.Equal(t, "output", ev.kind)
		assert.Equal(t, i, ev.offset)
	}

	n, err := e.store.Len(exec.RunID)
	require.NoError(t, err)
	assert.Equal(t, n, len(seen)-2)
}

func TestEngine_GetRecordingWhileRunning(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "sleep 30\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	e, _ := newTestEngine(t, d, Options{})

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)

	_, _, err = e.GetRecording(exec.RunID)
	assert.ErrorIs(t, err, domain.ErrRunNotTerminal)

	_, _, err = e.GetRecording("missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	_, err = e.Kill(context.Background(), id)
	require.NoError(t, err)
}

func TestEngine_Kill(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "echo start\nsleep 30\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	e, _ := newTestEngine(t, d, Options{})

	_, err := e.Kill(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotRunning)

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)

	killed, err := e.Kill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusKilled, killed.Status)
	assert.NotNil(t, killed.EndedAt)

	ended := waitRun(t, e, exec.RunID)
	assert.Equal(t, domain.StatusKilled, ended.Status)

	_, err = e.Kill(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestEngine_KillEscalatesAfterGrace(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "trap '' TERM\necho ready\nwhile :; do sleep 0.05; done\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	grace := 150 * time.Millisecond
	e, _ := newTestEngine(t, d, Options{KillGrace: grace})

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		events, err := e.ReadRecording(exec.RunID, 0)
		return err == nil && len(events) > 0
	}, 5*time.Second, 10*time.Millisecond)

	begin := time.Now()
	killed, err := e.Kill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusKilled, killed.Status)
	assert.GreaterOrEqual(t, time.Since(begin), grace)
}

func TestEngine_BurstOutputStaysWithinRunDuration(t *testing.T) {
	requireShell(t)
	const lines = 4000
	d := newTestDeck(t, domain.CodeBlock{
		Language: "sh",
		Source:   "i=0\nwhile [ $i -lt 4000 ]; do echo out$i; echo err$i >&2; i=$((i+1)); done\n",
	})
	id := d.Slides[0].CodeBlocks[0].ID
	e, _ := newTestEngine(t, d, Options{})

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)
	ended := waitRun(t, e, exec.RunID)
	require.Equal(t, domain.StatusSucceeded, ended.Status)

	_, events, err := e.GetRecording(exec.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var stdout, stderr, wantOut, wantErr strings.Builder
	for i, ev := range events {
		if i > 0 {
			require.Greater(t, ev.RelativeTimeMs, events[i-1].RelativeTimeMs)
		}
		switch ev.Stream {
		case domain.StreamStdout:
			stdout.Write(ev.Data)
		case domain.StreamStderr:
			stderr.Write(ev.Data)
		}
	}
	for i := range lines {
		fmt.Fprintf(&wantOut, "out%d\n", i)
		fmt.Fprintf(&wantErr, "err%d\n", i)
	}
	assert.Equal(t, wantOut.String(), stdout.String())
	assert.Equal(t, wantErr.String(), stderr.String())

	duration := ended.EndedAt.Sub(ended.StartedAt).Milliseconds()
	assert.LessOrEqual(t, events[len(events)-1].RelativeTimeMs, duration+5)
}

// gatedProcess exits with status 0 only once released.
type gatedProcess struct {
	release    chan struct{}
	terminated chan struct{}
	once       sync.Once
}

func newGatedProcess() *gatedProcess {
	return &gatedProcess{release: make(chan struct{}), terminated: make(chan struct{})}
}

func (p *gatedProcess) Wait() (int, error) {
	<-p.release
	return 0, nil
}

func (p *gatedProcess) Terminate() error {
	p.once.Do(func() { close(p.terminated) })
	return nil
}

func (p *gatedProcess) Kill() error { return p.Terminate() }

type gatedRunner struct{ proc *gatedProcess }

func (r gatedRunner) Start(context.Context, Command, io.Writer, io.Writer) (Process, error) {
	return r.proc, nil
}

func TestEngine_KillAfterNaturalExitKeepsExitStatus(t *testing.T) {
	d := newTestDeck(t, domain.CodeBlock{Language: "sh", Source: "true\n"})
	id := d.Slides[0].CodeBlocks[0].ID
	proc := newGatedProcess()
	e, _ := newTestEngine(t, d, Options{Runner: gatedRunner{proc}})

	exec, err := e.Start(context.Background(), id)
	require.NoError(t, err)

	type result struct {
		exec domain.Execution
		err  error
	}
	killed := make(chan result, 1)
	go func() {
		got, err := e.Kill(context.Background(), id)
		killed <- result{got, err}
	}()

	// The process exits on its own right as the kill request lands.
	<-proc.terminated
	close(proc.release)

	res := <-killed
	require.NoError(t, res.err)
	assert.Equal(t, domain.StatusSucceeded, res.exec.Status)
	require.NotNil(t, res.exec.ExitCode)
	assert.Equal(t, 0, *res.exec.ExitCode)

	ended := waitRun(t, e, exec.RunID)
	assert.Equal(t, domain.StatusSucceeded, ended.Status)
}

func TestEngine_SpawnFailure(t *testing.T) {
	d := newTestDeck(t, domain.CodeBlock{Language: "cobol", Source: "DISPLAY 'HI'."})
	id := d.Slides[0].CodeBlocks[0].ID
	archive := &memArchive{}
	e, obs := newTestEngine(t, d, Options{Archiver: archive})

	exec, err := e.Start(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrProcessSpawnFailed)
	assert.Equal(t, domain.StatusFailed, exec.Status)
	require.NotNil(t, exec.ExitCode)
	assert.Equal(t, -1, *exec.ExitCode)

	_, events, err := e.GetRecording(exec.RunID)
	require.NoError(t, err)
	assert.Empty(t, events)

	seen := obs.forRun(exec.RunID)
	require.Len(t, seen, 2)
	assert.Equal(t, "started", seen[0].kind)
	assert.Equal(t, "ended", seen[1].kind)

	_, ok := archive.get(exec.RunID)
	assert.True(t, ok)

	// The block is free again right away.
	_, err = e.Start(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrProcessSpawnFailed)
}

func TestEngine_UnknownCodeBlock(t *testing.T) {
	d := newTestDeck(t)
	e, _ := newTestEngine(t, d, Options{})

	_, err := e.Start(context.Background(), "cb_missing")
	assert.ErrorIs(t, err, domain.ErrCodeBlockNotFound)
}

func TestEngine_ConcurrentBlocks(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t,
		domain.CodeBlock{Language: "sh", Source: "sleep 0.1\necho a\n"},
		domain.CodeBlock{Language: "sh", Source: "sleep 0.1\necho b\n"},
	)
	e, _ := newTestEngine(t, d, Options{})

	a, err := e.Start(context.Background(), d.Slides[0].CodeBlocks[0].ID)
	require.NoError(t, err)
	b, err := e.Start(context.Background(), d.Slides[0].CodeBlocks[1].ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSucceeded, waitRun(t, e, a.RunID).Status)
	assert.Equal(t, domain.StatusSucceeded, waitRun(t, e, b.RunID).Status)
	assert.Len(t, e.Executions(), 2)
	assert.Len(t, e.ExecutionsOf(d.Slides[0].CodeBlocks[0].ID), 1)
}

func TestEngine_Detach(t *testing.T) {
	requireShell(t)
	d := newTestDeck(t,
		domain.CodeBlock{Language: "sh", Source: "sleep 30\n"},
		domain.CodeBlock{Language: "sh", Source: "echo quick\n"},
	)
	slow, quick := d.Slides[0].CodeBlocks[0].ID, d.Slides[0].CodeBlocks[1].ID
	e, obs := newTestEngine(t, d, Options{})
	ctx := context.Background()

	done, err := e.Start(ctx, quick)
	require.NoError(t, err)
	waitRun(t, e, done.RunID)

	old, err := e.Start(ctx, slow)
	require.NoError(t, err)

	e.Detach()
	assert.Empty(t, e.Executions())
	_, err = e.Execution(done.RunID)
	assert.ErrorIs(t, err, domain.ErrRunNotFound, "finished runs are evicted on detach")

	_, err = e.Kill(ctx, slow)
	assert.ErrorIs(t, err, domain.ErrNotRunning)

	fresh, err := e.Start(ctx, slow)
	require.NoError(t, err)
	assert.NotEqual(t, old.RunID, fresh.RunID)
	assert.Len(t, e.Executions(), 1)

	_, err = e.Kill(ctx, slow)
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(closeCtx))

	for _, ev := range obs.forRun(old.RunID) {
		assert.Equal(t, "started", ev.kind, "detached runs are no longer reported")
	}
}

func TestInterpreters(t *testing.T) {
	base := DefaultInterpreters()

	argv, err := base.Resolve("Python")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-u", "-"}, argv)

	_, err = base.Resolve("cobol")
	assert.ErrorIs(t, err, domain.ErrProcessSpawnFailed)

	merged := base.Merge(Interpreters{"sh": {"dash", "-s"}, "lua": {"lua", "-"}})
	argv, err = merged.Resolve("sh")
	require.NoError(t, err)
	assert.Equal(t, []string{"dash", "-s"}, argv)
	_, err = merged.Resolve("lua")
	assert.NoError(t, err)

	argv, _ = base.Resolve("sh")
	assert.Equal(t, []string{"sh", "-s"}, argv, "merge leaves the base table untouched")
}
