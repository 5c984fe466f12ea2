// Package recording provides the append-only terminal recording store.
package recording

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/livedeck/internal/domain"
)

const (
	// DefaultMaxRuns caps how many recordings are retained in memory.
	DefaultMaxRuns = 64
	// DefaultMaxBytes caps the captured output retained in memory.
	DefaultMaxBytes int64 = 64 << 20
)

// Limits bounds retention. Only terminal runs are ever evicted; running
// recordings count toward the limits but stay until they finish.
type Limits struct {
	MaxRuns  int
	MaxBytes int64
}

type runLog struct {
	codeBlockID domain.CodeBlockID

	mu       sync.RWMutex
	events   []domain.RecordingEvent
	bytes    int64
	terminal bool
	notify   chan struct{}
}

// wake must be called with r.mu held.
func (r *runLog) wake() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// Store keeps one append-only log per run. Writes to a single run are
// serialized; different runs append concurrently.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*runLog
	order  []string
	limits Limits
	total  atomic.Int64
	logger *slog.Logger
}

// NewStore creates a store with the given limits. Zero values use defaults.
func NewStore(limits Limits, logger *slog.Logger) *Store {
	if limits.MaxRuns <= 0 {
		limits.MaxRuns = DefaultMaxRuns
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		runs:   make(map[string]*runLog),
		limits: limits,
		logger: logger,
	}
}

// Open registers a new, empty recording for runID.
func (s *Store) Open(runID string, codeBlockID domain.CodeBlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return fmt.Errorf("open run %s: already exists", runID)
	}
	s.runs[runID] = &runLog{
		codeBlockID: codeBlockID,
		notify:      make(chan struct{}),
	}
	s.order = append(s.order, runID)
	return nil
}

func (s *Store) get(runID string) (*runLog, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return r, nil
}

// Append adds ev to the recording of runID. Event times must strictly increase.
func (s *Store) Append(runID string, ev domain.RecordingEvent) error {
	r, err := s.get(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunAlreadyTerminal, runID)
	}
	if n := len(r.events); n > 0 && ev.RelativeTimeMs <= r.events[n-1].RelativeTimeMs {
		last := r.events[n-1].RelativeTimeMs
		r.mu.Unlock()
		return fmt.Errorf("append run %s: time %dms not after %dms", runID, ev.RelativeTimeMs, last)
	}
	ev.RunID = runID
	r.events = append(r.events, ev)
	r.bytes += int64(len(ev.Data))
	r.wake()
	r.mu.Unlock()

	if s.total.Add(int64(len(ev.Data))) > s.limits.MaxBytes {
		s.evict()
	}
	return nil
}

// Finish marks runID terminal. Its recording is immutable afterwards.
func (s *Store) Finish(runID string) error {
	r, err := s.get(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunAlreadyTerminal, runID)
	}
	r.terminal = true
	r.wake()
	r.mu.Unlock()

	s.evict()
	return nil
}

// Read returns every event of runID at or after offset from, and whether the
// run is terminal.
func (s *Store) Read(runID string, from int) ([]domain.RecordingEvent, bool, error) {
	r, err := s.get(runID)
	if err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if from >= len(r.events) {
		return nil, r.terminal, nil
	}
	out := make([]domain.RecordingEvent, len(r.events)-from)
	copy(out, r.events[from:])
	return out, r.terminal, nil
}

// Len returns the number of events recorded so far for runID.
func (s *Store) Len(runID string) (int, error) {
	r, err := s.get(runID)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events), nil
}

// Has reports whether runID is still retained.
func (s *Store) Has(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runID]
	return ok
}

// Tail yields events of runID starting at offset from, waiting for new
// events until the run turns terminal or ctx is done.
func (s *Store) Tail(ctx context.Context, runID string, from int) iter.Seq2[domain.RecordingEvent, error] {
	return func(yield func(domain.RecordingEvent, error) bool) {
		r, err := s.get(runID)
		if err != nil {
			yield(domain.RecordingEvent{}, err)
			return
		}
		offset := max(from, 0)
		for {
			r.mu.RLock()
			batch := r.events[min(offset, len(r.events)):]
			terminal := r.terminal
			notify := r.notify
			r.mu.RUnlock()

			// Events are never mutated once appended, so the batch is safe to
			// read without the lock.
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				offset++
			}
			if terminal {
				return
			}

			select {
			case <-notify:
			case <-ctx.Done():
				yield(domain.RecordingEvent{}, ctx.Err())
				return
			}
		}
	}
}

// EvictTerminal drops every finished recording and returns their run IDs.
// Used when the deck is replaced.
func (s *Store) EvictTerminal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	kept := s.order[:0]
	for _, id := range s.order {
		r := s.runs[id]
		if s.removeIfTerminal(id, r) {
			evicted = append(evicted, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return evicted
}

// evict removes the oldest terminal runs until both limits hold.
func (s *Store) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	over := func() bool {
		return len(s.runs) > s.limits.MaxRuns || s.total.Load() > s.limits.MaxBytes
	}
	if !over() {
		return
	}

	kept := s.order[:0]
	for i, id := range s.order {
		if !over() {
			kept = append(kept, s.order[i:]...)
			break
		}
		if s.removeIfTerminal(id, s.runs[id]) {
			s.logger.Debug("Recording evicted", "run_id", id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if over() {
		s.logger.Warn("Recording limits exceeded by running executions",
			"runs", len(s.runs),
			"bytes", s.total.Load(),
			"max_runs", s.limits.MaxRuns,
			"max_bytes", s.limits.MaxBytes,
		)
	}
}

// removeIfTerminal must be called with s.mu held.
func (s *Store) removeIfTerminal(id string, r *runLog) bool {
	r.mu.RLock()
	terminal, size := r.terminal, r.bytes
	r.mu.RUnlock()
	if !terminal {
		return false
	}
	delete(s.runs, id)
	s.total.Add(-size)
	return true
}

// Stats reports the retained run count and byte size.
func (s *Store) Stats() (runs int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs), s.total.Load()
}
