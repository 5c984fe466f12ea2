package hub

import (
	"context"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/livedeck/internal/deck"
	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/execution"
	"github.com/ashureev/livedeck/internal/identity"
	"github.com/ashureev/livedeck/internal/navigation"
	"github.com/ashureev/livedeck/internal/recording"
)

type liveRuntime struct {
	hub    *Hub
	engine *execution.Engine
	deck   *domain.Deck
	server *httptest.Server
}

func newLiveRuntime(t *testing.T) *liveRuntime {
	t.Helper()
	d := testDeck(t, "deck-live")
	holder := deck.NewHolder(d)
	engine := execution.NewEngine(holder, recording.NewStore(recording.Limits{}, nil), execution.Options{
		KillGrace: 200 * time.Millisecond,
	})
	h := New(holder, navigation.NewMachine(d), engine, Options{})
	engine.SetObserver(h)

	srv := httptest.NewServer(identity.Middleware()(NewWebSocketHandler(h, "", nil)))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return &liveRuntime{hub: h, engine: engine, deck: d, server: srv}
}

func (rt *liveRuntime) dial(t *testing.T, clientID string, role domain.Role) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(rt.server.URL, "http")
	conn, err := Dial(ctx, url, clientID, role)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, conn *Conn) ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *Conn, cmd Command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Send(ctx, cmd))
}

func TestWebSocket_PresenterDrivesAudience(t *testing.T) {
	rt := newLiveRuntime(t)
	presenter := rt.dial(t, "presenter", domain.RolePresenter)
	audience := rt.dial(t, "audience", domain.RoleAudience)

	assert.Equal(t, KindSnapshot, receive(t, presenter).Kind)
	assert.Equal(t, KindSnapshot, receive(t, audience).Kind)

	// Audience commands are dropped silently.
	send(t, audience, Command{Type: CommandNext})
	send(t, audience, Command{Type: CommandPing})
	assert.Equal(t, KindPong, receive(t, audience).Kind)

	send(t, presenter, Command{Type: CommandNext})
	for _, conn := range []*Conn{presenter, audience} {
		msg := receive(t, conn)
		require.Equal(t, KindEvent, msg.Kind)
		assert.Equal(t, uint64(1), msg.Envelope.Seq)
		assert.Equal(t, domain.NavigationState{SlideIndex: 0, FragmentIndex: 1}, msg.Envelope.Event.(NavigationChanged).NavigationState)
	}

	send(t, presenter, Command{Type: CommandGotoSlide, Index: ptr(7), Ref: "jump"})
	msg := receive(t, presenter)
	require.Equal(t, KindNotice, msg.Kind)
	assert.Equal(t, "out_of_range", msg.Notice.Code)
	assert.Equal(t, "jump", msg.Notice.Ref)
}

func TestWebSocket_ReconnectAfterRunEnded(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	rt := newLiveRuntime(t)
	block := rt.deck.Slides[0].CodeBlocks[0].ID

	audience := rt.dial(t, "audience", domain.RoleAudience)
	state := NewClientState()
	require.NoError(t, state.Apply(receive(t, audience)))

	ctx := context.Background()
	require.NoError(t, rt.hub.Execute(ctx, Command{Type: CommandNext}))
	require.NoError(t, state.Apply(receive(t, audience)))
	require.Equal(t, domain.NavigationState{SlideIndex: 0, FragmentIndex: 1}, state.Navigation)

	// Disconnect, then run the block while the view is away.
	require.NoError(t, audience.Close())
	require.Eventually(t, func() bool { return rt.hub.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)

	exec, err := rt.engine.Start(ctx, block)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = rt.engine.Wait(waitCtx, exec.RunID)
	require.NoError(t, err)

	again := rt.dial(t, "audience", domain.RoleAudience)
	msg := receive(t, again)
	require.Equal(t, KindSnapshot, msg.Kind)
	require.NoError(t, state.Apply(msg))

	assert.Equal(t, domain.NavigationState{SlideIndex: 0, FragmentIndex: 1}, state.Navigation)
	require.Contains(t, state.Runs, exec.RunID)
	run := state.Runs[exec.RunID]
	assert.Equal(t, domain.StatusSucceeded, run.Execution.Status)

	var out strings.Builder
	for _, ev := range run.Events {
		out.Write(ev.Data)
	}
	assert.Equal(t, "hello\nworld\n", out.String())

	_, full, err := rt.engine.GetRecording(exec.RunID)
	require.NoError(t, err)
	assert.Equal(t, full, run.Events)
}

func TestWebSocket_LiveExecutionStream(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	rt := newLiveRuntime(t)
	block := rt.deck.Slides[0].CodeBlocks[0].ID

	presenter := rt.dial(t, "presenter", domain.RolePresenter)
	state := NewClientState()
	require.NoError(t, state.Apply(receive(t, presenter)))

	send(t, presenter, Command{Type: CommandRunCodeBlock, CodeBlockID: block})

	var runID string
	for {
		msg := receive(t, presenter)
		require.NoError(t, state.Apply(msg))
		if msg.Kind != KindEvent {
			continue
		}
		if ended, ok := msg.Envelope.Event.(ExecutionEnded); ok {
			runID = ended.Execution.RunID
			break
		}
	}

	require.Contains(t, state.Runs, runID)
	run := state.Runs[runID]
	assert.Equal(t, domain.StatusSucceeded, run.Execution.Status)
	_, full, err := rt.engine.GetRecording(runID)
	require.NoError(t, err)
	assert.Equal(t, full, run.Events)
}
