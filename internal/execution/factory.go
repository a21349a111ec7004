// ABOUTME: Factory creating isolated execution contexts per (user, request)
// ABOUTME: One explicit factory, caller-held contexts, no ambient global registry

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netra-systems/pulse-gateway/internal/observability"
)

// Factory errors.
var (
	// ErrUnverifiedUser means Create was called without an authenticated
	// user. A context is never created for an unauthenticated caller.
	ErrUnverifiedUser = errors.New("unverified user")

	ErrRunNotFound = errors.New("run not found")
)

// TaskFunc is the pluggable unit of work for a run. The business logic of
// tasks lives outside this subsystem; a TaskFunc receives its context and
// emits progress through it. A returned error becomes a terminal completed
// event with an error payload.
type TaskFunc func(ctx context.Context, run *Context) error

// Factory creates execution contexts. Each call returns a fresh, isolated
// context bound to the router handle the factory was built with; contexts
// are passed explicitly through the call chain, never looked up from a
// package-level singleton.
type Factory struct {
	emitter Emitter
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	active map[string]*Context // run ID -> context
}

// NewFactory creates a factory bound to the given emitter. Metrics may be nil.
func NewFactory(emitter Emitter, logger *slog.Logger, metrics *observability.Metrics) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		emitter: emitter,
		logger:  logger.With("component", "execution"),
		metrics: metrics,
		active:  make(map[string]*Context),
	}
}

// Create returns a new isolated context for (userID, requestID). Fails if
// the user is missing. Concurrent calls for the same user yield distinct,
// independent contexts (two tabs, two runs).
func (f *Factory) Create(userID, requestID string) (*Context, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id required", ErrUnverifiedUser)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ec := &Context{
		ID:        uuid.New().String(),
		UserID:    userID,
		RunID:     uuid.New().String(),
		RequestID: requestID,
		CreatedAt: time.Now().UTC(),
		state:     make(map[string]any),
		emitter:   f.emitter,
		logger:    f.logger.With("user_id", userID),
		ctx:       ctx,
		cancel:    cancel,
	}
	ec.lifecycle.Store(int32(LifecycleCreated))

	f.mu.Lock()
	f.active[ec.RunID] = ec
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.ActiveRuns.Inc()
	}
	f.logger.Info("execution context created",
		"context_id", ec.ID,
		"run_id", ec.RunID,
		"user_id", userID,
		"request_id", requestID,
	)
	return ec, nil
}

// Get returns the live context for a run ID.
func (f *Factory) Get(runID string) (*Context, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ec, ok := f.active[runID]
	return ec, ok
}

// Start runs the task in its own goroutine. The run transitions to
// RUNNING; a task error is converted into a completed event with an error
// payload, and the context is disposed either way.
func (f *Factory) Start(ec *Context, task TaskFunc) {
	ec.lifecycle.CompareAndSwap(int32(LifecycleCreated), int32(LifecycleRunning))

	go func() {
		defer f.Dispose(ec)

		if err := task(ec.ctx, ec); err != nil {
			ec.logger.Warn("task failed", "run_id", ec.RunID, "error", err)
			ec.Fail(err)
			return
		}
		// A well-behaved task emits its own terminal event; this is the
		// backstop for tasks that return without one.
		ec.Complete("")
	}()
}

// Dispose tears down the context's owned resources and settles the
// lifecycle at DISPOSED. A disposed context must not be reused.
func (f *Factory) Dispose(ec *Context) {
	if ec.Lifecycle() == LifecycleDisposed {
		return
	}

	ec.cancel()

	ec.mu.Lock()
	ec.state = make(map[string]any)
	ec.mu.Unlock()

	ec.lifecycle.Store(int32(LifecycleDisposed))

	f.mu.Lock()
	delete(f.active, ec.RunID)
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.ActiveRuns.Dec()
	}
	f.logger.Info("execution context disposed",
		"context_id", ec.ID,
		"run_id", ec.RunID,
	)
}

// Cancel cancels the run with the given ID. Events already dispatched
// still deliver; nothing further is emitted.
func (f *Factory) Cancel(runID string) error {
	ec, ok := f.Get(runID)
	if !ok {
		return ErrRunNotFound
	}
	ec.Cancel()
	return nil
}
