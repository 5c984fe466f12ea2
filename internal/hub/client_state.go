package hub

import (
	"fmt"

	"github.com/ashureev/livedeck/internal/domain"
)

// RunView is a view's copy of one execution and its recording.
type RunView struct {
	Execution domain.Execution
	Events    []domain.RecordingEvent
}

// ClientState is the state a view derives from the messages it receives.
// Snapshots replace it; events must arrive in sequence.
type ClientState struct {
	DeckID     domain.DeckID
	Seq        uint64
	Navigation domain.NavigationState
	Runs       map[string]*RunView

	stale bool
}

// NewClientState returns an empty state that waits for a snapshot.
func NewClientState() *ClientState {
	return &ClientState{Runs: make(map[string]*RunView), stale: true}
}

// Stale reports whether the state needs a snapshot before events apply.
func (s *ClientState) Stale() bool {
	return s.stale
}

// Apply folds msg into the state. It returns domain.ErrSyncGap when an event
// is missing; the state then ignores events until the next snapshot.
func (s *ClientState) Apply(msg ServerMessage) error {
	switch msg.Kind {
	case KindSnapshot:
		s.applySnapshot(msg.Snapshot)
		return nil
	case KindEvent:
		return s.applyEnvelope(msg.Envelope)
	default:
		return nil
	}
}

func (s *ClientState) applySnapshot(snap *Snapshot) {
	s.DeckID = snap.DeckID
	s.Seq = snap.Seq
	s.Navigation = snap.Navigation
	s.Runs = make(map[string]*RunView, len(snap.Executions))
	for _, rs := range snap.Executions {
		events := make([]domain.RecordingEvent, len(rs.Events))
		copy(events, rs.Events)
		s.Runs[rs.Execution.RunID] = &RunView{Execution: rs.Execution, Events: events}
	}
	s.stale = false
}

func (s *ClientState) applyEnvelope(env *Envelope) error {
	if env == nil {
		return nil
	}

	if replaced, ok := env.Event.(DeckReplaced); ok && env.Seq == 1 && env.DeckID != s.DeckID {
		s.DeckID = replaced.DeckID
		s.Seq = 1
		s.Navigation = domain.NavigationState{}
		s.Runs = make(map[string]*RunView)
		s.stale = false
		return nil
	}
	if s.stale {
		return nil
	}
	if env.DeckID != s.DeckID {
		return s.gap(fmt.Errorf("%w: event for deck %s while showing %s", domain.ErrSyncGap, env.DeckID, s.DeckID))
	}
	if env.Seq <= s.Seq {
		return nil
	}
	if env.Seq != s.Seq+1 {
		return s.gap(fmt.Errorf("%w: expected seq %d, got %d", domain.ErrSyncGap, s.Seq+1, env.Seq))
	}

	switch ev := env.Event.(type) {
	case DeckReplaced:
	case NavigationChanged:
		s.Navigation = ev.NavigationState
	case ExecutionStarted:
		if _, ok := s.Runs[ev.Execution.RunID]; !ok {
			s.Runs[ev.Execution.RunID] = &RunView{Execution: ev.Execution}
		}
	case ExecutionOutput:
		if rv, ok := s.Runs[ev.RunID]; ok {
			switch {
			case ev.Offset == len(rv.Events):
				rv.Events = append(rv.Events, ev.Event)
			case ev.Offset > len(rv.Events):
				return s.gap(fmt.Errorf("%w: run %s output offset %d, have %d", domain.ErrSyncGap, ev.RunID, ev.Offset, len(rv.Events)))
			}
		}
	case ExecutionEnded:
		if rv, ok := s.Runs[ev.Execution.RunID]; ok {
			rv.Execution = ev.Execution
		}
	}
	s.Seq = env.Seq
	return nil
}

func (s *ClientState) gap(err error) error {
	s.stale = true
	return err
}
