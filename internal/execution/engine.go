package execution

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/metrics"
	"github.com/ashureev/livedeck/internal/recording"
	"github.com/ashureev/livedeck/internal/shared"
)

const (
	// DefaultKillGrace is how long Kill waits after the termination signal
	// before stopping the process forcefully.
	DefaultKillGrace = 3 * time.Second

	archiveRetries   = 5
	archiveBaseDelay = 50 * time.Millisecond
	archiveTimeout   = 10 * time.Second
)

// Observer receives execution events. Calls for one run arrive in order:
// ExecutionStarted, every ExecutionOutput by increasing offset, then
// ExecutionEnded. Each call carries the deck the run was started from. The
// engine never holds its own locks while calling it.
type Observer interface {
	ExecutionStarted(deckID domain.DeckID, exec domain.Execution)
	ExecutionOutput(deckID domain.DeckID, runID string, offset int, ev domain.RecordingEvent)
	ExecutionEnded(deckID domain.DeckID, exec domain.Execution)
}

// Archiver persists terminal runs beyond the in-memory store.
type Archiver interface {
	ArchiveRun(ctx context.Context, exec domain.Execution, events []domain.RecordingEvent) error
}

// DeckSource returns the deck code blocks are looked up in.
type DeckSource interface {
	Current() *domain.Deck
}

// Options configures an Engine.
type Options struct {
	Runner       Runner
	Interpreters Interpreters
	WorkDir      string
	Env          []string
	KillGrace    time.Duration
	Archiver     Archiver
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type run struct {
	generation uint64
	deckID     domain.DeckID

	mu            sync.Mutex
	exec          domain.Execution
	proc          Process
	killRequested bool

	exited chan struct{} // closed once the terminal status is recorded
	done   chan struct{} // closed once ExecutionEnded is delivered
}

func (r *run) snapshot() domain.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec
}

// Engine starts, tracks and kills code block executions. At most one run per
// code block is running at any time.
type Engine struct {
	deck         DeckSource
	store        *recording.Store
	runner       Runner
	interpreters Interpreters
	workDir      string
	env          []string
	killGrace    time.Duration
	archiver     Archiver
	metrics      *metrics.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	runs       map[string]*run
	running    map[domain.CodeBlockID]*run
	generation uint64
	observer   Observer
	closed     bool
}

// NewEngine creates an engine recording into store.
func NewEngine(deck DeckSource, store *recording.Store, opts Options) *Engine {
	if opts.Runner == nil {
		opts.Runner = NewLocalRunner()
	}
	if opts.Interpreters == nil {
		opts.Interpreters = DefaultInterpreters()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deck:         deck,
		store:        store,
		runner:       opts.Runner,
		interpreters: opts.Interpreters,
		workDir:      opts.WorkDir,
		env:          opts.Env,
		killGrace:    opts.KillGrace,
		archiver:     opts.Archiver,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		ctx:          ctx,
		cancel:       cancel,
		runs:         make(map[string]*run),
		running:      make(map[domain.CodeBlockID]*run),
	}
}

// SetObserver registers the receiver of execution events.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

func (e *Engine) getObserver() Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observer
}

// attached reports whether r belongs to the current deck generation.
func (e *Engine) attached(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.generation == e.generation
}

// Start runs the code block identified by id. If the process cannot be
// spawned, the returned execution is already Failed and the error wraps
// domain.ErrProcessSpawnFailed.
func (e *Engine) Start(ctx context.Context, id domain.CodeBlockID) (domain.Execution, error) {
	if err := ctx.Err(); err != nil {
		return domain.Execution{}, err
	}
	d := e.deck.Current()
	block, ok := d.CodeBlock(id)
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrCodeBlockNotFound, id)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.Execution{}, errors.New("execution engine closed")
	}
	if cur, busy := e.running[id]; busy {
		e.mu.Unlock()
		return domain.Execution{}, fmt.Errorf("%w: %s (run %s)", domain.ErrAlreadyRunning, id, cur.exec.RunID)
	}
	startedAt := time.Now()
	r := &run{
		generation: e.generation,
		deckID:     d.ID,
		exec: domain.Execution{
			CodeBlockID: id,
			RunID:       uuid.NewString(),
			Language:    block.Language,
			Status:      domain.StatusRunning,
			StartedAt:   startedAt,
		},
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.runs[r.exec.RunID] = r
	e.running[id] = r
	e.mu.Unlock()

	runID := r.exec.RunID
	started := r.snapshot()
	logger := e.logger.With("run_id", runID, "code_block_id", id)

	if err := e.store.Open(runID, id); err != nil {
		e.mu.Lock()
		delete(e.runs, runID)
		delete(e.running, id)
		e.mu.Unlock()
		return domain.Execution{}, fmt.Errorf("open recording: %w", err)
	}

	proc, capt, err := e.spawn(block, runID, startedAt)
	if err != nil {
		if !errors.Is(err, domain.ErrProcessSpawnFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrProcessSpawnFailed, err)
		}
		logger.Warn("Failed to spawn code block", "language", block.Language, "error", err)

		ended := e.finalize(r, -1, domain.StatusFailed)
		if obs := e.getObserver(); obs != nil && e.attached(r) {
			obs.ExecutionStarted(r.deckID, started)
			obs.ExecutionEnded(r.deckID, ended)
		}
		e.archive(ended, nil)
		close(r.done)
		return ended, err
	}

	r.mu.Lock()
	r.proc = proc
	killNow := r.killRequested
	r.mu.Unlock()
	if killNow {
		if err := proc.Terminate(); err != nil {
			logger.Debug("Failed to terminate process", "error", err)
		}
	}

	logger.Info("Code block started", "language", block.Language)
	e.metrics.ExecutionStarted(block.Language)
	if obs := e.getObserver(); obs != nil && e.attached(r) {
		obs.ExecutionStarted(r.deckID, started)
	}

	e.wg.Add(2)
	go e.wait(r, proc, capt)
	go e.broadcast(r)
	return started, nil
}

func (e *Engine) spawn(block domain.CodeBlock, runID string, startedAt time.Time) (Process, *capture, error) {
	argv, err := e.interpreters.Resolve(block.Language)
	if err != nil {
		return nil, nil, err
	}
	c := newCapture(e.store, runID, startedAt, e.metrics, e.logger)
	proc, err := e.runner.Start(e.ctx, Command{
		Argv:  argv,
		Stdin: block.Source,
		Dir:   e.workDir,
		Env:   e.env,
	}, c.writer(domain.StreamStdout), c.writer(domain.StreamStderr))
	if err != nil {
		return nil, nil, err
	}
	return proc, c, nil
}

// wait records the terminal status once the process exits. Runners finish
// writing output before Wait returns, so the recording is complete once the
// capture is closed.
func (e *Engine) wait(r *run, proc Process, c *capture) {
	defer e.wg.Done()

	code, err := proc.Wait()
	c.close()
	if err != nil {
		e.logger.Warn("Process wait failed", "run_id", r.exec.RunID, "error", err)
		e.finalize(r, code, domain.StatusFailed)
		return
	}
	e.finalize(r, code, "")
}

// finalize moves r to its terminal status. forced overrides the status
// derived from the exit code. A run counts as killed only if it was asked to
// stop and then ended by a signal.
func (e *Engine) finalize(r *run, code int, forced domain.ExecutionStatus) domain.Execution {
	now := time.Now()

	e.mu.Lock()
	r.mu.Lock()
	status := forced
	if status == "" {
		switch {
		case r.killRequested && code == ExitSignaled:
			status = domain.StatusKilled
		case code != 0:
			status = domain.StatusFailed
		default:
			status = domain.StatusSucceeded
		}
	}
	r.exec.Status = status
	r.exec.EndedAt = &now
	r.exec.ExitCode = &code
	exec := r.exec
	r.mu.Unlock()
	if e.running[exec.CodeBlockID] == r {
		delete(e.running, exec.CodeBlockID)
	}
	e.mu.Unlock()
	close(r.exited)

	if err := e.store.Finish(exec.RunID); err != nil {
		e.logger.Warn("Failed to finish recording", "run_id", exec.RunID, "error", err)
	}

	e.logger.Info("Code block ended",
		"run_id", exec.RunID,
		"code_block_id", exec.CodeBlockID,
		"status", exec.Status,
		"exit_code", code,
		"duration_ms", now.Sub(exec.StartedAt).Milliseconds(),
	)
	e.metrics.ExecutionFinished(string(exec.Status), now.Sub(exec.StartedAt))
	e.prune()
	return exec
}

// broadcast follows the recording of r and reports every event to the
// observer, then reports the end of the run and archives it.
func (e *Engine) broadcast(r *run) {
	defer e.wg.Done()
	defer close(r.done)

	runID := r.snapshot().RunID
	var events []domain.RecordingEvent
	for ev, err := range e.store.Tail(e.ctx, runID, 0) {
		if err != nil {
			e.logger.Warn("Recording tail stopped", "run_id", runID, "error", err)
			break
		}
		if obs := e.getObserver(); obs != nil && e.attached(r) {
			obs.ExecutionOutput(r.deckID, runID, len(events), ev)
		}
		events = append(events, ev)
	}

	exec := r.snapshot()
	if !exec.Status.Terminal() {
		return
	}
	if obs := e.getObserver(); obs != nil && e.attached(r) {
		obs.ExecutionEnded(r.deckID, exec)
	}
	e.archive(exec, events)
}

func (e *Engine) archive(exec domain.Execution, events []domain.RecordingEvent) {
	if e.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, archiveTimeout)
	defer cancel()

	err := shared.RetryOnConflict(ctx, archiveRetries, archiveBaseDelay, func(ctx context.Context) error {
		return e.archiver.ArchiveRun(ctx, exec, events)
	})
	if err != nil {
		e.logger.Error("Failed to archive run", "run_id", exec.RunID, "error", err)
	}
}

// prune forgets finished runs whose recordings the store has evicted.
func (e *Engine) prune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.runs {
		select {
		case <-r.done:
		default:
			continue
		}
		if !e.store.Has(id) {
			delete(e.runs, id)
		}
	}
	e.metrics.Retained(e.store.Stats())
}

// Kill stops the running execution of the code block. It sends a
// termination signal, escalates to a forceful stop after the grace period,
// and returns once the run is terminal or ctx is done.
func (e *Engine) Kill(ctx context.Context, id domain.CodeBlockID) (domain.Execution, error) {
	e.mu.Lock()
	r, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrNotRunning, id)
	}

	r.mu.Lock()
	r.killRequested = true
	proc := r.proc
	r.mu.Unlock()

	logger := e.logger.With("run_id", r.exec.RunID, "code_block_id", id)
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			logger.Warn("Failed to terminate process", "error", err)
		}
	}

	grace := time.NewTimer(e.killGrace)
	defer grace.Stop()

	select {
	case <-r.exited:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	case <-grace.C:
	}

	logger.Warn("Process ignored termination, killing", "grace", e.killGrace)
	r.mu.Lock()
	proc = r.proc
	r.mu.Unlock()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			logger.Warn("Failed to kill process", "error", err)
		}
	}

	select {
	case <-r.exited:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Wait blocks until every event of runID has been delivered to the observer.
func (e *Engine) Wait(ctx context.Context, runID string) (domain.Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return domain.Execution{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

func (e *Engine) lookup(runID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return r, nil
}

// Execution returns the current state of runID.
func (e *Engine) Execution(runID string) (domain.Execution, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return domain.Execution{}, err
	}
	return r.snapshot(), nil
}

// Executions returns the runs of the current deck, oldest first.
func (e *Engine) Executions() []domain.Execution {
	e.mu.Lock()
	out := make([]domain.Execution, 0, len(e.runs))
	for _, r := range e.runs {
		if r.generation != e.generation {
			continue
		}
		out = append(out, r.snapshot())
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Execution) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// ExecutionsOf returns the retained runs of one code block, oldest first.
func (e *Engine) ExecutionsOf(id domain.CodeBlockID) []domain.Execution {
	var out []domain.Execution
	for _, exec := range e.Executions() {
		if exec.CodeBlockID == id {
			out = append(out, exec)
		}
	}
	return out
}

// GetRecording returns the complete recording of a terminal run.
func (e *Engine) GetRecording(runID string) (domain.Execution, []domain.RecordingEvent, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return domain.Execution{}, nil, err
	}
	exec := r.snapshot()
	if !exec.Status.Terminal() {
		return exec, nil, fmt.Errorf("%w: %s", domain.ErrRunNotTerminal, runID)
	}
	events, _, err := e.store.Read(runID, 0)
	if err != nil {
		return exec, nil, err
	}
	return exec, events, nil
}

// TailRecording follows the recording of runID from offset from until the
// run is terminal.
func (e *Engine) TailRecording(ctx context.Context, runID string, from int) iter.Seq2[domain.RecordingEvent, error] {
	return e.store.Tail(ctx, runID, from)
}

// ReadRecording returns the events of runID recorded so far from offset from.
func (e *Engine) ReadRecording(runID string, from int) ([]domain.RecordingEvent, error) {
	events, _, err := e.store.Read(runID, from)
	return events, err
}

// Detach separates all current runs from the code block identities of the
// deck being replaced. Running processes keep going and are still archived,
// but they no longer block new starts and are no longer reported. Finished
// recordings are evicted.
func (e *Engine) Detach() {
	e.mu.Lock()
	e.generation++
	detached := len(e.running)
	clear(e.running)
	e.mu.Unlock()

	evicted := e.store.EvictTerminal()
	e.prune()
	e.logger.Info("Executions detached from previous deck",
		"running", detached,
		"evicted_recordings", len(evicted),
	)
}

// Close stops every live process and waits for their runs to be archived.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	var live []*run
	for _, r := range e.runs {
		select {
		case <-r.exited:
		default:
			live = append(live, r)
		}
	}
	e.mu.Unlock()

	for _, r := range live {
		r.mu.Lock()
		r.killRequested = true
		proc := r.proc
		r.mu.Unlock()
		if proc != nil {
			if err := proc.Kill(); err != nil {
				e.logger.Warn("Failed to kill process on shutdown", "run_id", r.exec.RunID, "error", err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	defer e.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close execution engine: %w", ctx.Err())
	}
}
