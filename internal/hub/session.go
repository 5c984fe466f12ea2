package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/livedeck/internal/domain"
)

var errClientClosed = errors.New("client closed")

// Client is the hub side of one connected view. Messages are queued without
// blocking the broadcaster; the connection drains them with Messages.
type Client struct {
	ID          string
	Role        domain.Role
	ConnectedAt time.Time

	// lastSeq is the last sequence number queued for the view.
	lastSeq atomic.Uint64

	mu     sync.Mutex
	send   chan ServerMessage
	closed chan struct{}
	reason string
}

func newClient(id string, role domain.Role, queueSize int) *Client {
	return &Client{
		ID:          id,
		Role:        role,
		ConnectedAt: time.Now(),
		send:        make(chan ServerMessage, queueSize),
		closed:      make(chan struct{}),
	}
}

// enqueue queues msg and reports false when the queue is full or the client
// is closed.
func (c *Client) enqueue(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.reason = reason
	close(c.closed)
}

// Messages returns the queue of messages for the view.
func (c *Client) Messages() <-chan ServerMessage {
	return c.send
}

// Done is closed when the hub drops the view.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// CloseReason explains why Done was closed.
func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// LastSeq returns the last sequence number queued for the view.
func (c *Client) LastSeq() uint64 {
	return c.lastSeq.Load()
}
