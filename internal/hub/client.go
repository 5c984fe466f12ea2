package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/identity"
)

// Conn is a Go view connected to a hub over WebSocket.
type Conn struct {
	ws *websocket.Conn
}

// Dial connects to the WebSocket endpoint at rawURL as clientID with role.
func Dial(ctx context.Context, rawURL, clientID string, role domain.Role) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("role", string(role))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if clientID != "" {
		header.Set(identity.ClientHeaderName, clientID)
	}
	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	ws.SetReadLimit(-1)
	return &Conn{ws: ws}, nil
}

// Send writes a command.
func (c *Conn) Send(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Receive reads the next server message.
func (c *Conn) Receive(ctx context.Context) (ServerMessage, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return ServerMessage{}, err
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	return msg, nil
}

// Follow applies every received message to state, asking for a snapshot
// whenever a gap is detected. onMessage, if set, runs after each message.
// It returns when ctx is done or the connection fails.
func (c *Conn) Follow(ctx context.Context, state *ClientState, onMessage func(ServerMessage)) error {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		if err := state.Apply(msg); err != nil {
			if !errors.Is(err, domain.ErrSyncGap) {
				return err
			}
			if err := c.Send(ctx, Command{Type: CommandResync}); err != nil {
				return err
			}
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

// Close closes the connection normally.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}
