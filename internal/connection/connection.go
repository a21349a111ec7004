// ABOUTME: Represents one persistent client connection and its delivery queue
// ABOUTME: Owns the transport handle and the connection state machine

package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netra-systems/pulse-gateway/internal/event"
)

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection errors.
var (
	// ErrQueueFull means the bounded outbound queue overflowed. The policy
	// is force-disconnect: dropping arbitrary lifecycle events would strand
	// clients mid-run, so the connection is closed and delivery falls back
	// to the recovery buffer.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrNotWritable means the connection is closing or closed.
	ErrNotWritable = errors.New("connection not writable")
)

// Transport is the wire handle owned exclusively by one Connection.
// The WebSocket adapter lives in the gateway package; tests use fakes.
type Transport interface {
	WriteFrame(f event.Frame) error
	Ping(deadline time.Time) error
	Close() error
}

// Conn is one persistent connection belonging to exactly one user.
// UserID is immutable after creation.
type Conn struct {
	ID            string
	UserID        string
	EstablishedAt time.Time

	transport Transport
	outbound  chan event.Frame
	state     atomic.Int32
	lastSeen  atomic.Int64 // unix nanos

	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

// New creates a connection in CONNECTING state with a bounded outbound
// queue of the given size.
func New(id, userID string, transport Transport, queueSize int, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ID:            id,
		UserID:        userID,
		EstablishedAt: time.Now().UTC(),
		transport:     transport,
		outbound:      make(chan event.Frame, queueSize),
		done:          make(chan struct{}),
		logger:        logger.With("connection_id", id, "user_id", userID),
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// MarkOpen transitions CONNECTING -> OPEN. Returns false if the connection
// already left CONNECTING (e.g. torn down mid-handshake).
func (c *Conn) MarkOpen() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// BeginClose transitions to CLOSING from CONNECTING or OPEN. Idempotent.
func (c *Conn) BeginClose() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// Close completes teardown: the state becomes CLOSED (terminal), the done
// channel is closed and the transport released. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.BeginClose()
		c.state.Store(int32(StateClosed))
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	})
}

// Done is closed when the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Enqueue appends a frame to the outbound queue. Frames are written to the
// transport in enqueue order by WritePump. Returns ErrNotWritable once the
// connection is closing, ErrQueueFull on overflow.
func (c *Conn) Enqueue(f event.Frame) error {
	if s := c.State(); s != StateConnecting && s != StateOpen {
		return ErrNotWritable
	}
	select {
	case c.outbound <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// WritePump drains the outbound queue to the transport until the
// connection closes or a write fails. Run it in its own goroutine; it
// returns the write error, if any.
func (c *Conn) WritePump() error {
	for {
		select {
		case <-c.done:
			return nil
		case f := <-c.outbound:
			if err := c.transport.WriteFrame(f); err != nil {
				c.BeginClose()
				return err
			}
		}
	}
}

// Probe sends a heartbeat ping with the given response deadline.
func (c *Conn) Probe(timeout time.Duration) error {
	if s := c.State(); s != StateOpen {
		return ErrNotWritable
	}
	return c.transport.Ping(time.Now().Add(timeout))
}

// Touch records liveness, typically from a pong or any inbound frame.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent liveness signal.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
