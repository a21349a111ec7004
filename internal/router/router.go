// ABOUTME: Fan-out point routing lifecycle events to a user's live connections
// ABOUTME: Defers to the recovery buffer when no connection exists at emission time

package router

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/netra-systems/pulse-gateway/internal/connection"
	"github.com/netra-systems/pulse-gateway/internal/event"
	"github.com/netra-systems/pulse-gateway/internal/observability"
)

// ReasonNoConnections marks events buffered because the user had no live
// connection at emission time.
const ReasonNoConnections = "no_connections"

// ReasonDeliveryFailed marks events buffered because every live connection
// failed mid-send.
const ReasonDeliveryFailed = "delivery_failed"

// ConnectionSource lists a user's live connections in registration order.
type ConnectionSource interface {
	ConnectionsFor(userID string) []*connection.Conn
}

// Buffer holds events that could not be delivered.
type Buffer interface {
	Store(e *event.Event, reason string)
	Flush(userID string) []*event.Event
}

// lockStripes is the size of the per-user lock table. Striping keeps
// unrelated users from serializing while still making dispatch and
// connection activation mutually exclusive for one user.
const lockStripes = 64

// Router delivers events in emission order to each of the user's open
// connections, or defers them to the recovery buffer. Per-run ordering
// holds because each run has a single emitting writer and Dispatch holds
// the user's stripe lock for the whole fan-out.
type Router struct {
	conns   ConnectionSource
	buffer  Buffer
	locks   [lockStripes]sync.Mutex
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a router. Metrics may be nil.
func New(conns ConnectionSource, buffer Buffer, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		conns:   conns,
		buffer:  buffer,
		logger:  logger.With("component", "router"),
		metrics: metrics,
	}
}

func (r *Router) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.locks[h.Sum32()%lockStripes]
}

// Dispatch delivers the event to each of the user's open connections in
// registration order. A failure on one connection marks it CLOSING and
// never blocks delivery to the others. With zero open connections the
// event goes to the recovery buffer — expected during cold start, logged
// as a business-visible gap.
func (r *Router) Dispatch(e *event.Event) {
	lock := r.userLock(e.UserID)
	lock.Lock()
	defer lock.Unlock()

	conns := r.conns.ConnectionsFor(e.UserID)

	delivered := 0
	attempted := 0
	for _, c := range conns {
		if c.State() != connection.StateOpen {
			continue
		}
		attempted++
		e.DeliveryAttempts++
		if err := c.Enqueue(e.ToFrame()); err != nil {
			// Half-closed or backed-up connection: cut it loose and move on.
			c.BeginClose()
			if r.metrics != nil {
				r.metrics.DeliveryFailures.WithLabelValues(failureCause(err)).Inc()
			}
			r.logger.Warn("delivery to connection failed",
				"connection_id", c.ID,
				"user_id", e.UserID,
				"event_id", e.ID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		if r.metrics != nil {
			r.metrics.EventsDelivered.WithLabelValues(string(e.Type)).Add(float64(delivered))
		}
		return
	}

	reason := ReasonNoConnections
	if attempted > 0 {
		reason = ReasonDeliveryFailed
	}
	r.buffer.Store(e, reason)
}

func failureCause(err error) string {
	switch err {
	case connection.ErrQueueFull:
		return "queue_full"
	case connection.ErrNotWritable:
		return "not_writable"
	default:
		return "send_error"
	}
}

// Activate replays the user's buffered events into a freshly handshaken
// connection and then opens it for live delivery. Holding the user's
// stripe lock for the whole sequence closes the race window: an event
// dispatched before activation lands in the buffer and is replayed here;
// an event dispatched after sees the open connection. Either way replayed
// events precede live ones. Returns the replayed count.
func (r *Router) Activate(c *connection.Conn) int {
	lock := r.userLock(c.UserID)
	lock.Lock()
	defer lock.Unlock()

	events := r.buffer.Flush(c.UserID)
	replayed := 0
	for i, e := range events {
		e.DeliveryAttempts++
		if err := c.Enqueue(e.ToFrame()); err != nil {
			// Replay overflowed the outbound queue. Put this and the rest
			// back so the exactly-once promise degrades to a retry on the
			// user's next connection instead of a silent loss.
			c.BeginClose()
			for _, rest := range events[i:] {
				r.buffer.Store(rest, ReasonDeliveryFailed)
			}
			r.logger.Warn("recovery replay overflowed connection queue",
				"connection_id", c.ID,
				"user_id", c.UserID,
				"replayed", replayed,
				"requeued", len(events)-i,
			)
			return replayed
		}
		replayed++
	}

	if !c.MarkOpen() {
		// Connection was torn down mid-handshake; requeue what we staged.
		for _, e := range events {
			r.buffer.Store(e, ReasonDeliveryFailed)
		}
		return 0
	}

	if replayed > 0 {
		r.logger.Info("recovery events replayed",
			"connection_id", c.ID,
			"user_id", c.UserID,
			"events", replayed,
		)
	}
	return replayed
}
