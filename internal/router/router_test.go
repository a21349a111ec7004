// ABOUTME: Tests for event fan-out, recovery deferral and connection activation.
// ABOUTME: Validates ordering, per-connection failure isolation and the replay window.

package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netra-systems/pulse-gateway/internal/connection"
	"github.com/netra-systems/pulse-gateway/internal/event"
)

type stubTransport struct {
	mu     sync.Mutex
	frames []event.Frame
}

func (s *stubTransport) WriteFrame(f event.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *stubTransport) Ping(time.Time) error { return nil }
func (s *stubTransport) Close() error         { return nil }

type memBuffer struct {
	mu      sync.Mutex
	entries map[string][]*event.Event
	reasons []string
}

func newMemBuffer() *memBuffer {
	return &memBuffer{entries: make(map[string][]*event.Event)}
}

func (b *memBuffer) Store(e *event.Event, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[e.UserID] = append(b.entries[e.UserID], e)
	b.reasons = append(b.reasons, reason)
}

func (b *memBuffer) Flush(userID string) []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries[userID]
	delete(b.entries, userID)
	return out
}

func (b *memBuffer) depth(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[userID])
}

func (b *memBuffer) lastReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reasons) == 0 {
		return ""
	}
	return b.reasons[len(b.reasons)-1]
}

// pumpAll runs the write pump until the queue is empty, then closes the
// connection and returns the written frames in order.
func pumpAll(t *testing.T, c *connection.Conn, transport *stubTransport, want int) []event.Frame {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.WritePump()
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.frames) >= want
	}, time.Second, 5*time.Millisecond)

	c.Close()
	<-done

	transport.mu.Lock()
	defer transport.mu.Unlock()
	out := make([]event.Frame, len(transport.frames))
	copy(out, transport.frames)
	return out
}

func TestRouter_Dispatch_DeliversInOrder(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	transport := &stubTransport{}
	c := connection.New("conn-1", "user-1", transport, 16, nil)
	registry.Add(c)
	require.True(t, c.MarkOpen())

	r.Dispatch(event.NewStarted("user-1", "run-1", "helper"))
	r.Dispatch(event.NewThinking("user-1", "run-1"))
	r.Dispatch(event.NewCompleted("user-1", "run-1", "done"))

	frames := pumpAll(t, c, transport, 3)
	require.Len(t, frames, 3)
	assert.Equal(t, "started", frames[0].Type)
	assert.Equal(t, "thinking", frames[1].Type)
	assert.Equal(t, "completed", frames[2].Type)
	assert.Equal(t, 0, buffer.depth("user-1"))
}

func TestRouter_Dispatch_FanOutToAllOpenConnections(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	t1, t2 := &stubTransport{}, &stubTransport{}
	c1 := connection.New("conn-1", "user-1", t1, 16, nil)
	c2 := connection.New("conn-2", "user-1", t2, 16, nil)
	registry.Add(c1)
	registry.Add(c2)
	require.True(t, c1.MarkOpen())
	require.True(t, c2.MarkOpen())

	e := event.NewThinking("user-1", "run-1")
	r.Dispatch(e)

	assert.Len(t, pumpAll(t, c1, t1, 1), 1)
	assert.Len(t, pumpAll(t, c2, t2, 1), 1)
	assert.Equal(t, 2, e.DeliveryAttempts)
}

func TestRouter_Dispatch_NoConnections_BuffersEvent(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	e := event.NewThinking("user-1", "run-1")
	r.Dispatch(e)

	assert.Equal(t, 1, buffer.depth("user-1"))
	assert.Equal(t, ReasonNoConnections, buffer.lastReason())
}

func TestRouter_Dispatch_UserIsolation(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	transport := &stubTransport{}
	c := connection.New("conn-a", "user-a", transport, 16, nil)
	registry.Add(c)
	require.True(t, c.MarkOpen())

	r.Dispatch(event.NewThinking("user-b", "run-b"))

	// user-b's event never reaches user-a's connection.
	frames := pumpAll(t, c, transport, 0)
	assert.Empty(t, frames)
	assert.Equal(t, 1, buffer.depth("user-b"))
}

func TestRouter_Dispatch_FailedConnectionDoesNotBlockOthers(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	// Queue size 1, pre-filled: the next enqueue overflows.
	full := connection.New("conn-full", "user-1", &stubTransport{}, 1, nil)
	registry.Add(full)
	require.True(t, full.MarkOpen())
	require.NoError(t, full.Enqueue(event.Frame{Type: "thinking"}))

	healthyTransport := &stubTransport{}
	healthy := connection.New("conn-ok", "user-1", healthyTransport, 16, nil)
	registry.Add(healthy)
	require.True(t, healthy.MarkOpen())

	r.Dispatch(event.NewCompleted("user-1", "run-1", "done"))

	// The overflowed connection is cut loose, the healthy one still delivers.
	assert.Equal(t, connection.StateClosing, full.State())
	frames := pumpAll(t, healthy, healthyTransport, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "completed", frames[0].Type)
	assert.Equal(t, 0, buffer.depth("user-1"))
}

func TestRouter_Dispatch_AllConnectionsFailed_BuffersEvent(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	full := connection.New("conn-full", "user-1", &stubTransport{}, 1, nil)
	registry.Add(full)
	require.True(t, full.MarkOpen())
	require.NoError(t, full.Enqueue(event.Frame{Type: "thinking"}))

	r.Dispatch(event.NewCompleted("user-1", "run-1", "done"))

	assert.Equal(t, 1, buffer.depth("user-1"))
	assert.Equal(t, ReasonDeliveryFailed, buffer.lastReason())
}

func TestRouter_Activate_ReplaysBufferedBeforeOpen(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	e1 := event.NewStarted("user-1", "run-1", "helper")
	e2 := event.NewThinking("user-1", "run-1")
	buffer.Store(e1, ReasonNoConnections)
	buffer.Store(e2, ReasonNoConnections)

	transport := &stubTransport{}
	c := connection.New("conn-1", "user-1", transport, 16, nil)
	registry.Add(c)

	replayed := r.Activate(c)
	assert.Equal(t, 2, replayed)
	assert.Equal(t, connection.StateOpen, c.State())

	// A live event dispatched after activation lands behind the replay.
	r.Dispatch(event.NewCompleted("user-1", "run-1", "done"))

	frames := pumpAll(t, c, transport, 3)
	require.Len(t, frames, 3)
	assert.Equal(t, "started", frames[0].Type)
	assert.Equal(t, "thinking", frames[1].Type)
	assert.Equal(t, "completed", frames[2].Type)
}

func TestRouter_Activate_NothingBuffered(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	c := connection.New("conn-1", "user-1", &stubTransport{}, 16, nil)
	registry.Add(c)

	assert.Equal(t, 0, r.Activate(c))
	assert.Equal(t, connection.StateOpen, c.State())
}

func TestRouter_Activate_ReplayOverflow_RequeuesRemainder(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	for i := 0; i < 4; i++ {
		buffer.Store(event.NewThinking("user-1", "run-1"), ReasonNoConnections)
	}

	// Queue of 2 cannot hold 4 replayed events.
	c := connection.New("conn-1", "user-1", &stubTransport{}, 2, nil)
	registry.Add(c)

	replayed := r.Activate(c)
	assert.Equal(t, 2, replayed)
	assert.Equal(t, connection.StateClosing, c.State())
	// The two that did not fit went back to the buffer for the next connection.
	assert.Equal(t, 2, buffer.depth("user-1"))
}

func TestRouter_Activate_TornDownConnection_RequeuesAll(t *testing.T) {
	registry := connection.NewRegistry(nil, nil)
	buffer := newMemBuffer()
	r := New(registry, buffer, nil, nil)

	buffer.Store(event.NewThinking("user-1", "run-1"), ReasonNoConnections)

	c := connection.New("conn-1", "user-1", &stubTransport{}, 16, nil)
	registry.Add(c)
	c.BeginClose() // torn down mid-handshake

	assert.Equal(t, 0, r.Activate(c))
	assert.Equal(t, 1, buffer.depth("user-1"))
}

func TestFailureCause(t *testing.T) {
	assert.Equal(t, "queue_full", failureCause(connection.ErrQueueFull))
	assert.Equal(t, "not_writable", failureCause(connection.ErrNotWritable))
	assert.Equal(t, "send_error", failureCause(errors.New("anything else")))
}
