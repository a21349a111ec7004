// ABOUTME: Exclusively-owned execution state backing one run for one user
// ABOUTME: Emits lifecycle events through a bound router handle, never a global

package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netra-systems/pulse-gateway/internal/event"
)

// Lifecycle is the execution context lifecycle state.
type Lifecycle int32

const (
	LifecycleCreated Lifecycle = iota
	LifecycleRunning
	LifecycleCompleted
	LifecycleFailed
	LifecycleDisposed
)

// String returns the lowercase lifecycle name.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleCreated:
		return "created"
	case LifecycleRunning:
		return "running"
	case LifecycleCompleted:
		return "completed"
	case LifecycleFailed:
		return "failed"
	case LifecycleDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Context errors.
var (
	ErrDisposed  = errors.New("execution context disposed")
	ErrCancelled = errors.New("run cancelled")
)

// Emitter is the context's bound handle into the event router.
type Emitter interface {
	Dispatch(e *event.Event)
}

// Context is the exclusively-owned state for one run of one user. It is
// never shared across users or concurrent runs; all task state lives in
// the per-context store below, not in any package-level variable.
type Context struct {
	ID        string
	UserID    string
	RunID     string
	RequestID string
	CreatedAt time.Time

	lifecycle atomic.Int32

	mu    sync.Mutex
	state map[string]any

	emitter Emitter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Lifecycle returns the current lifecycle state.
func (c *Context) Lifecycle() Lifecycle {
	return Lifecycle(c.lifecycle.Load())
}

// Ctx returns the run's cancellation context. Task code should honor it.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Cancel stops further emissions. Events already handed to the router are
// still delivered; buffered recovery entries age out normally so a
// reconnecting client can still see the last known state.
func (c *Context) Cancel() {
	c.cancel()
}

// SetState stores a task-state value owned by this run alone.
func (c *Context) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// State retrieves a task-state value.
func (c *Context) State(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// emit dispatches an event unless the run is cancelled or disposed.
func (c *Context) emit(e *event.Event) error {
	switch c.Lifecycle() {
	case LifecycleDisposed:
		return ErrDisposed
	case LifecycleCompleted, LifecycleFailed:
		return ErrDisposed
	default:
	}
	if c.ctx.Err() != nil {
		return ErrCancelled
	}
	c.emitter.Dispatch(e)
	return nil
}

// EmitStarted emits the run-started event.
func (c *Context) EmitStarted(agentName string) error {
	return c.emit(event.NewStarted(c.UserID, c.RunID, agentName))
}

// EmitThinking emits a thinking event.
func (c *Context) EmitThinking() error {
	return c.emit(event.NewThinking(c.UserID, c.RunID))
}

// EmitToolExecuting emits a tool-executing event.
func (c *Context) EmitToolExecuting(toolName string) error {
	return c.emit(event.NewToolExecuting(c.UserID, c.RunID, toolName))
}

// EmitToolCompleted emits a tool-completed event.
func (c *Context) EmitToolCompleted(results any) error {
	return c.emit(event.NewToolCompleted(c.UserID, c.RunID, results))
}

// complete emits the terminal event and settles the lifecycle. A cancelled
// run settles its lifecycle without emitting: cancellation stops all
// further emissions, terminal ones included.
func (c *Context) complete(e *event.Event, final Lifecycle) {
	if l := c.Lifecycle(); l == LifecycleDisposed || l == LifecycleCompleted || l == LifecycleFailed {
		return
	}
	if c.ctx.Err() == nil {
		c.emitter.Dispatch(e)
	}
	c.lifecycle.Store(int32(final))
}

// Complete emits the terminal success event with a summary.
func (c *Context) Complete(summary string) {
	c.complete(event.NewCompleted(c.UserID, c.RunID, summary), LifecycleCompleted)
}

// Fail converts a task-level failure into a terminal completed event
// carrying the error payload, delivered through the same pipeline as
// success. The connection is never torn down because a task failed.
func (c *Context) Fail(err error) {
	c.complete(event.NewCompletedError(c.UserID, c.RunID, err.Error()), LifecycleFailed)
}
