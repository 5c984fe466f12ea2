package hub

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/livedeck/internal/domain"
)

// EventType names a sequenced broadcast event.
type EventType string

const (
	EventDeckReplaced      EventType = "deck_replaced"
	EventNavigationChanged EventType = "navigation_changed"
	EventExecutionStarted  EventType = "execution_started"
	EventExecutionOutput   EventType = "execution_output"
	EventExecutionEnded    EventType = "execution_ended"
)

// Event is one of DeckReplaced, NavigationChanged, ExecutionStarted,
// ExecutionOutput or ExecutionEnded. The set is closed.
type Event interface {
	Type() EventType
	isEvent()
}

// DeckReplaced announces a new deck load. It is always sequence 1 of that load.
type DeckReplaced struct {
	DeckID domain.DeckID `json:"deck_id"`
	Title  string        `json:"title,omitempty"`
	Slides int           `json:"slides"`
}

// NavigationChanged carries the new position.
type NavigationChanged struct {
	domain.NavigationState
}

// ExecutionStarted announces a new run.
type ExecutionStarted struct {
	Execution domain.Execution `json:"execution"`
}

// ExecutionOutput carries one recording event and its offset in the run.
type ExecutionOutput struct {
	RunID  string                `json:"run_id"`
	Offset int                   `json:"offset"`
	Event  domain.RecordingEvent `json:"event"`
}

// ExecutionEnded carries the terminal state of a run.
type ExecutionEnded struct {
	Execution domain.Execution `json:"execution"`
}

func (DeckReplaced) Type() EventType      { return EventDeckReplaced }
func (NavigationChanged) Type() EventType { return EventNavigationChanged }
func (ExecutionStarted) Type() EventType  { return EventExecutionStarted }
func (ExecutionOutput) Type() EventType   { return EventExecutionOutput }
func (ExecutionEnded) Type() EventType    { return EventExecutionEnded }

func (DeckReplaced) isEvent()      {}
func (NavigationChanged) isEvent() {}
func (ExecutionStarted) isEvent()  {}
func (ExecutionOutput) isEvent()   {}
func (ExecutionEnded) isEvent()    {}

func decodeEvent(t EventType, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case EventDeckReplaced:
		var e DeckReplaced
		err = json.Unmarshal(data, &e)
		ev = e
	case EventNavigationChanged:
		var e NavigationChanged
		err = json.Unmarshal(data, &e)
		ev = e
	case EventExecutionStarted:
		var e ExecutionStarted
		err = json.Unmarshal(data, &e)
		ev = e
	case EventExecutionOutput:
		var e ExecutionOutput
		err = json.Unmarshal(data, &e)
		ev = e
	case EventExecutionEnded:
		var e ExecutionEnded
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}

// Envelope is a sequenced event. Seq restarts at 1 with every deck load.
type Envelope struct {
	Seq    uint64
	DeckID domain.DeckID
	Event  Event
}

// RunSnapshot is one execution with its recording so far. A running
// execution continues at offset len(Events).
type RunSnapshot struct {
	Execution domain.Execution        `json:"execution"`
	Events    []domain.RecordingEvent `json:"events"`
}

// Snapshot is the full state a view needs to render. Events with Seq at or
// below Snapshot.Seq are already reflected in it.
type Snapshot struct {
	DeckID     domain.DeckID          `json:"deck_id"`
	Seq        uint64                 `json:"seq"`
	Navigation domain.NavigationState `json:"navigation"`
	Executions []RunSnapshot          `json:"executions"`
}

// Notice reports a failed command to the presenter view that issued it.
type Notice struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Command CommandType `json:"command,omitempty"`
	Ref     string      `json:"ref,omitempty"`
}

// MessageKind discriminates server messages.
type MessageKind string

const (
	KindSnapshot MessageKind = "snapshot"
	KindEvent    MessageKind = "event"
	KindNotice   MessageKind = "notice"
	KindPong     MessageKind = "pong"
)

// ServerMessage is what a view receives. Exactly one of Envelope, Snapshot
// and Notice is set, matching Kind; pong carries nothing.
type ServerMessage struct {
	Kind     MessageKind
	Envelope *Envelope
	Snapshot *Snapshot
	Notice   *Notice
}

type wireMessage struct {
	Kind   MessageKind     `json:"kind"`
	Seq    uint64          `json:"seq,omitempty"`
	DeckID domain.DeckID   `json:"deck_id,omitempty"`
	Type   EventType       `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the message in its wire form.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	w := wireMessage{Kind: m.Kind}
	var payload any
	switch m.Kind {
	case KindEvent:
		if m.Envelope == nil || m.Envelope.Event == nil {
			return nil, fmt.Errorf("event message without envelope")
		}
		w.Seq = m.Envelope.Seq
		w.DeckID = m.Envelope.DeckID
		w.Type = m.Envelope.Event.Type()
		payload = m.Envelope.Event
	case KindSnapshot:
		if m.Snapshot == nil {
			return nil, fmt.Errorf("snapshot message without snapshot")
		}
		w.Seq = m.Snapshot.Seq
		w.DeckID = m.Snapshot.DeckID
		payload = m.Snapshot
	case KindNotice:
		if m.Notice == nil {
			return nil, fmt.Errorf("notice message without notice")
		}
		payload = m.Notice
	case KindPong:
	default:
		return nil, fmt.Errorf("unknown message kind %q", m.Kind)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Data = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form.
func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = ServerMessage{Kind: w.Kind}
	switch w.Kind {
	case KindEvent:
		ev, err := decodeEvent(w.Type, w.Data)
		if err != nil {
			return err
		}
		m.Envelope = &Envelope{Seq: w.Seq, DeckID: w.DeckID, Event: ev}
	case KindSnapshot:
		var s Snapshot
		if err := json.Unmarshal(w.Data, &s); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		m.Snapshot = &s
	case KindNotice:
		var n Notice
		if err := json.Unmarshal(w.Data, &n); err != nil {
			return fmt.Errorf("decode notice: %w", err)
		}
		m.Notice = &n
	case KindPong:
	default:
		return fmt.Errorf("unknown message kind %q", w.Kind)
	}
	return nil
}

// CommandType names a client command.
type CommandType string

const (
	CommandNext          CommandType = "next"
	CommandPrev          CommandType = "prev"
	CommandGotoSlide     CommandType = "goto_slide"
	CommandRunCodeBlock  CommandType = "run_code_block"
	CommandKillExecution CommandType = "kill_execution"
	CommandResync        CommandType = "resync"
	CommandPing          CommandType = "ping"
)

// Command is a message sent by a view. Ref is echoed in any resulting notice.
type Command struct {
	Type        CommandType        `json:"type"`
	Index       *int               `json:"index,omitempty"`
	CodeBlockID domain.CodeBlockID `json:"code_block_id,omitempty"`
	Ref         string             `json:"ref,omitempty"`
}

// Control reports whether the command changes state and so needs the
// presenter role.
func (c Command) Control() bool {
	switch c.Type {
	case CommandResync, CommandPing:
		return false
	default:
		return true
	}
}

// Validate checks that the command carries the fields its type needs.
func (c Command) Validate() error {
	switch c.Type {
	case CommandNext, CommandPrev, CommandResync, CommandPing:
		return nil
	case CommandGotoSlide:
		if c.Index == nil {
			return fmt.Errorf("%w: %s: index is required", domain.ErrInvalidCommand, c.Type)
		}
		return nil
	case CommandRunCodeBlock, CommandKillExecution:
		if c.CodeBlockID == "" {
			return fmt.Errorf("%w: %s: code_block_id is required", domain.ErrInvalidCommand, c.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", domain.ErrInvalidCommand, c.Type)
	}
}
