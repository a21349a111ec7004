// ABOUTME: Tracks live persistent connections keyed by user and connection ID
// ABOUTME: Sharded per-user locking so unrelated users' handshakes never serialize

package connection

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/netra-systems/pulse-gateway/internal/observability"
)

// shardCount is the number of per-user lock stripes. Connections for one
// user always land in the same shard, so a user's handshake and teardown
// serialize with each other but not with other users.
const shardCount = 32

// Registry tracks live connections. Lookup by connection ID goes through a
// sync.Map; the ordered per-user lists live in lock-striped shards.
type Registry struct {
	shards [shardCount]registryShard
	index  sync.Map // connection ID -> *Conn

	logger  *slog.Logger
	metrics *observability.Metrics
}

type registryShard struct {
	mu     sync.RWMutex
	byUser map[string][]*Conn // registration order preserved
}

// NewRegistry creates an empty registry. Metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:  logger.With("component", "registry"),
		metrics: metrics,
	}
	for i := range r.shards {
		r.shards[i].byUser = make(map[string][]*Conn)
	}
	return r
}

func (r *Registry) shardFor(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Add registers a connection. Idempotent on connection ID: re-adding an
// already-registered connection is a no-op.
func (r *Registry) Add(c *Conn) {
	if _, loaded := r.index.LoadOrStore(c.ID, c); loaded {
		return
	}

	shard := r.shardFor(c.UserID)
	shard.mu.Lock()
	shard.byUser[c.UserID] = append(shard.byUser[c.UserID], c)
	shard.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}
	r.logger.Info("connection registered",
		"connection_id", c.ID,
		"user_id", c.UserID,
	)
}

// Remove deregisters a connection by ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(connectionID string) {
	val, loaded := r.index.LoadAndDelete(connectionID)
	if !loaded {
		return
	}
	c := val.(*Conn)

	shard := r.shardFor(c.UserID)
	shard.mu.Lock()
	conns := shard.byUser[c.UserID]
	for i, existing := range conns {
		if existing.ID == connectionID {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(shard.byUser, c.UserID)
	} else {
		shard.byUser[c.UserID] = conns
	}
	shard.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
	r.logger.Info("connection removed",
		"connection_id", connectionID,
		"user_id", c.UserID,
	)
}

// Get retrieves a connection by ID.
func (r *Registry) Get(connectionID string) (*Conn, bool) {
	val, ok := r.index.Load(connectionID)
	if !ok {
		return nil, false
	}
	return val.(*Conn), true
}

// ConnectionsFor returns the user's connections in registration order.
// The returned slice is a copy.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	shard := r.shardFor(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	conns := shard.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// All returns every registered connection. Order is unspecified.
func (r *Registry) All() []*Conn {
	var out []*Conn
	r.index.Range(func(_, val any) bool {
		out = append(out, val.(*Conn))
		return true
	})
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	r.index.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
