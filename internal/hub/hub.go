// Package hub keeps every connected view in step with the presentation state.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/livedeck/internal/deck"
	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/metrics"
	"github.com/ashureev/livedeck/internal/navigation"
)

const (
	// DefaultQueueSize bounds the undelivered messages per view.
	DefaultQueueSize = 1024
	// DefaultEventLogSize bounds the retained broadcast history.
	DefaultEventLogSize = 4096
	// DefaultEventLogBytes bounds the output bytes held by the retained history.
	DefaultEventLogBytes = 8 << 20
)

// Executor is the execution surface the hub drives.
type Executor interface {
	Start(ctx context.Context, id domain.CodeBlockID) (domain.Execution, error)
	Kill(ctx context.Context, id domain.CodeBlockID) (domain.Execution, error)
	Executions() []domain.Execution
	ReadRecording(runID string, from int) ([]domain.RecordingEvent, error)
	Detach()
}

// Options configures a Hub.
type Options struct {
	QueueSize     int
	EventLogSize  int
	EventLogBytes int
	Metrics       *metrics.Metrics
	Logger       *slog.Logger
}

// Hub is the single source of truth for what every view shows. All
// broadcasts are sequenced under one lock, so every view receives events in
// the same order.
type Hub struct {
	holder  *deck.Holder
	machine *navigation.Machine
	exec    Executor
	metrics *metrics.Metrics
	logger  *slog.Logger

	queueSize     int
	eventLogSize  int
	eventLogBytes int

	// cmdMu serializes presenter commands and deck replacement.
	cmdMu sync.Mutex

	mu       sync.Mutex
	deckID   domain.DeckID
	seq      uint64
	log      []Envelope
	logBytes int
	clients  map[string]*Client
}

// New creates a hub for the deck in holder.
func New(holder *deck.Holder, machine *navigation.Machine, exec Executor, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EventLogSize <= 0 {
		opts.EventLogSize = DefaultEventLogSize
	}
	if opts.EventLogBytes <= 0 {
		opts.EventLogBytes = DefaultEventLogBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		holder:        holder,
		machine:       machine,
		exec:          exec,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		queueSize:     opts.QueueSize,
		eventLogSize:  opts.EventLogSize,
		eventLogBytes: opts.EventLogBytes,
		deckID:        holder.Current().ID,
		clients:       make(map[string]*Client),
	}
}

// Register connects a view and queues its initial snapshot. A view
// registering with an ID already connected replaces the old connection.
func (h *Hub) Register(id string, role domain.Role) *Client {
	c := newClient(id, role, h.queueSize)

	h.mu.Lock()
	if existing, ok := h.clients[id]; ok {
		h.removeLocked(existing, "session replaced")
	}
	snap := h.snapshotLocked()
	c.enqueue(ServerMessage{Kind: KindSnapshot, Snapshot: &snap})
	c.lastSeq.Store(snap.Seq)
	h.clients[id] = c
	h.mu.Unlock()

	h.metrics.ClientConnected(string(role))
	h.logger.Info("View connected", "client_id", id, "role", role, "seq", snap.Seq)
	return c
}

// Unregister disconnects a view. Only the given connection is affected.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		h.removeLocked(c, "disconnected")
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(c *Client, reason string) {
	delete(h.clients, c.ID)
	c.close(reason)
	h.metrics.ClientDisconnected(string(c.Role))
	h.logger.Info("View disconnected", "client_id", c.ID, "role", c.Role, "reason", reason)
}

// Clients returns the number of connected views.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Snapshot returns the current full state.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// snapshotLocked must be called with h.mu held so no event can be sequenced
// while it is built.
func (h *Hub) snapshotLocked() Snapshot {
	snap := Snapshot{
		DeckID:     h.deckID,
		Seq:        h.seq,
		Navigation: h.machine.Current(),
		Executions: []RunSnapshot{},
	}
	for _, exec := range h.exec.Executions() {
		events, err := h.exec.ReadRecording(exec.RunID, 0)
		if err != nil {
			// Evicted recordings are left out; views ignore events for unknown runs.
			h.logger.Debug("Recording unavailable for snapshot", "run_id", exec.RunID, "error", err)
			continue
		}
		if events == nil {
			events = []domain.RecordingEvent{}
		}
		snap.Executions = append(snap.Executions, RunSnapshot{Execution: exec, Events: events})
	}
	return snap
}

// Log returns the retained events of the current deck load, oldest first.
func (h *Hub) Log() []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Envelope, len(h.log))
	copy(out, h.log)
	return out
}

// publishRun broadcasts an execution event unless its run was started from
// a deck that has since been replaced.
func (h *Hub) publishRun(deckID domain.DeckID, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if deckID != h.deckID {
		h.logger.Debug("Dropped event from replaced deck", "event", ev.Type(), "deck_id", deckID, "current_deck_id", h.deckID)
		return
	}
	h.publishLocked(ev)
}

// publishLocked assigns the next sequence number to ev and queues it for
// every view. Views whose queue is full are disconnected; they recover with
// a snapshot on reconnect.
func (h *Hub) publishLocked(ev Event) {
	h.seq++
	env := Envelope{Seq: h.seq, DeckID: h.deckID, Event: ev}

	h.log = append(h.log, env)
	h.logBytes += eventBytes(ev)
	h.trimLogLocked()

	msg := ServerMessage{Kind: KindEvent, Envelope: &env}
	for _, c := range h.clients {
		if !c.enqueue(msg) {
			h.metrics.SlowClient()
			h.logger.Warn("View queue full, disconnecting", "client_id", c.ID, "seq", env.Seq, "queue_size", h.queueSize)
			h.removeLocked(c, "slow consumer")
			continue
		}
		c.lastSeq.Store(env.Seq)
	}
	h.metrics.EventBroadcast(string(ev.Type()))
}

// trimLogLocked drops the oldest retained events until the history fits both
// the entry and the byte bound. The newest event is always kept.
func (h *Hub) trimLogLocked() {
	drop := 0
	for drop < len(h.log)-1 && (len(h.log)-drop > h.eventLogSize || h.logBytes > h.eventLogBytes) {
		h.logBytes -= eventBytes(h.log[drop].Event)
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(h.log, h.log[drop:])
	clear(h.log[n:])
	h.log = h.log[:n]
}

func eventBytes(ev Event) int {
	if out, ok := ev.(ExecutionOutput); ok {
		return len(out.Event.Data)
	}
	return 0
}

// Resync queues a fresh snapshot for c.
func (h *Hub) Resync(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}
	snap := h.snapshotLocked()
	if !c.enqueue(ServerMessage{Kind: KindSnapshot, Snapshot: &snap}) {
		h.metrics.SlowClient()
		h.removeLocked(c, "slow consumer")
		return
	}
	c.lastSeq.Store(snap.Seq)
	h.logger.Debug("View resynchronized", "client_id", c.ID, "seq", snap.Seq)
}

// HandleCommand applies a command from c. Control commands from audience
// views are dropped without a reply. Failures of presenter commands are
// returned and also sent to c as a notice.
func (h *Hub) HandleCommand(ctx context.Context, c *Client, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		h.notify(c, cmd, err)
		return err
	}

	switch cmd.Type {
	case CommandPing:
		c.enqueue(ServerMessage{Kind: KindPong})
		return nil
	case CommandResync:
		h.Resync(c)
		return nil
	}

	if cmd.Control() && !c.Role.CanControl() {
		h.logger.Warn("Command from audience view dropped", "client_id", c.ID, "command", cmd.Type)
		return fmt.Errorf("%w: %s", domain.ErrForbidden, c.Role)
	}

	err := h.Execute(ctx, cmd)
	if err != nil {
		h.logger.Info("Command failed", "client_id", c.ID, "command", cmd.Type, "error", err)
		h.notify(c, cmd, err)
	}
	return err
}

func (h *Hub) notify(c *Client, cmd Command, err error) {
	if !c.Role.CanControl() {
		return
	}
	c.enqueue(ServerMessage{Kind: KindNotice, Notice: &Notice{
		Code:    domain.ErrorCode(err),
		Message: err.Error(),
		Command: cmd.Type,
		Ref:     cmd.Ref,
	}})
}

// Execute applies a control command on behalf of a presenter.
func (h *Hub) Execute(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	// Kill waits for the process and runs outside cmdMu so navigation stays
	// responsive during the grace period.
	if cmd.Type == CommandKillExecution {
		_, err := h.exec.Kill(ctx, cmd.CodeBlockID)
		return err
	}

	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()

	switch cmd.Type {
	case CommandNext:
		h.navigate("next", h.machine.Next)
		return nil
	case CommandPrev:
		h.navigate("prev", h.machine.Prev)
		return nil
	case CommandGotoSlide:
		index := *cmd.Index
		var err error
		h.navigate("goto_slide", func() (domain.NavigationState, bool) {
			var (
				state   domain.NavigationState
				changed bool
			)
			state, changed, err = h.machine.GotoSlide(index)
			return state, changed
		})
		return err
	case CommandRunCodeBlock:
		_, err := h.exec.Start(ctx, cmd.CodeBlockID)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

// navigate runs a transition under h.mu so the new state and its event are
// sequenced atomically with respect to snapshots.
func (h *Hub) navigate(name string, transition func() (domain.NavigationState, bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, changed := transition()
	if !changed {
		return
	}
	h.metrics.NavigationTransition(name)
	h.publishLocked(NavigationChanged{NavigationState: state})
}

// ReplaceDeck swaps in d, resets navigation to the first position, detaches
// running executions and restarts sequencing with a DeckReplaced event.
func (h *Hub) ReplaceDeck(d *domain.Deck) {
	if d == nil {
		return
	}
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.holder.Swap(d)
	h.machine.Reset(d)
	h.exec.Detach()

	h.deckID = d.ID
	h.seq = 0
	clear(h.log)
	h.log = h.log[:0]
	h.logBytes = 0
	h.publishLocked(DeckReplaced{DeckID: d.ID, Title: d.Title, Slides: d.Len()})
	h.metrics.DeckReloaded()

	var oldID domain.DeckID
	if old != nil {
		oldID = old.ID
	}
	h.logger.Info("Deck replaced", "old_deck_id", oldID, "deck_id", d.ID, "slides", d.Len())
}

// Close disconnects every view.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.removeLocked(c, "server shutting down")
	}
}

// ExecutionStarted implements execution.Observer.
func (h *Hub) ExecutionStarted(deckID domain.DeckID, exec domain.Execution) {
	h.publishRun(deckID, ExecutionStarted{Execution: exec})
}

// ExecutionOutput implements execution.Observer.
func (h *Hub) ExecutionOutput(deckID domain.DeckID, runID string, offset int, ev domain.RecordingEvent) {
	h.publishRun(deckID, ExecutionOutput{RunID: runID, Offset: offset, Event: ev})
}

// ExecutionEnded implements execution.Observer.
func (h *Hub) ExecutionEnded(deckID domain.DeckID, exec domain.Execution) {
	h.publishRun(deckID, ExecutionEnded{Execution: exec})
}

// IsClosedError reports whether err only means the view went away.
func IsClosedError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, errClientClosed)
}
