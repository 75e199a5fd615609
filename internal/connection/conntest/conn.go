// Package conntest provides an in-memory connection for tests of the
// packages layered on top of connection.Conn.
package conntest

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/tb-telemetry/internal/connection"
)

// Conn is a fake logical connection. Outbound messages are recorded and
// published on Sent; Push delivers inbound messages synchronously to the
// registered listeners, in registration order.
type Conn struct {
	// Sent receives a copy of every outbound message.
	Sent chan []byte

	// SendErr, when set, is returned by Send.
	SendErr error

	// Timeout is returned by ResponseTimeout.
	Timeout time.Duration

	mu        sync.Mutex
	nextID    int
	nextObs   int
	listeners map[int]func(*connection.Message)
	reconnect map[int]func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a fake connection.
func New() *Conn {
	return &Conn{
		Sent:      make(chan []byte, 64),
		listeners: make(map[int]func(*connection.Message)),
		reconnect: make(map[int]func()),
		done:      make(chan struct{}),
	}
}

// NextID issues the next correlation id.
func (c *Conn) NextID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Send records data.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return connection.ErrClosed
	default:
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent <- append([]byte(nil), data...)
	return nil
}

// AddListener registers fn.
func (c *Conn) AddListener(fn func(*connection.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// OnReconnect registers fn, called by Reconnect.
func (c *Conn) OnReconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.reconnect[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.reconnect, id)
	}
}

// Listeners returns the number of registered message listeners.
func (c *Conn) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Push delivers raw to every listener as one message.
func (c *Conn) Push(raw string) {
	msg := connection.NewMessage([]byte(raw), time.Now())
	for _, fn := range snapshot(c, c.listeners) {
		fn(msg)
	}
}

// Reconnect simulates a transport reconnect.
func (c *Conn) Reconnect() {
	for _, fn := range snapshot(c, c.reconnect) {
		fn()
	}
}

func snapshot[F any](c *Conn, m map[int]F) []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	// Registration order.
	slices.Sort(ids)
	fns := make([]F, len(ids))
	for i, id := range ids {
		fns[i] = m[id]
	}
	return fns
}

// ResponseTimeout returns Timeout.
func (c *Conn) ResponseTimeout() time.Duration {
	return c.Timeout
}

// Done is closed by Close.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes Done.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ErrSend is a convenience error for SendErr.
var ErrSend = errors.New("send failed")
