// ABOUTME: Per-user time-bounded buffer of events emitted with no live connection
// ABOUTME: Replays in emission order on reconnect, drops past TTL with accounting

package recovery

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/netra-systems/pulse-gateway/internal/event"
	"github.com/netra-systems/pulse-gateway/internal/observability"
)

// Entry is one buffered event with its store metadata.
type Entry struct {
	Event    *event.Event
	Reason   string
	StoredAt time.Time
}

// Store is an optional journal that lets buffered events survive a process
// restart. The in-memory queue stays authoritative; the journal mirrors it.
// Cross-instance sharing is out of scope: deployments running multiple
// instances must sticky-route users.
type Store interface {
	Append(e Entry) error
	DeleteUser(userID string) error
	DeleteBefore(cutoff time.Time) (int, error)
	LoadAll() ([]Entry, error)
	Close() error
}

// Options configures a Queue.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxPerUser    int
}

// Queue buffers undeliverable events per user, in emission order, bounded
// by TTL and a per-user cap. A background sweeper discards expired entries;
// every discard is counted, never silent.
type Queue struct {
	mu    sync.Mutex
	users map[string]*list.List // *Entry per element, oldest at front
	size  int

	ttl        time.Duration
	maxPerUser int
	store      Store

	done   chan struct{}
	closed bool

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewQueue creates a queue and starts its TTL sweeper. If store is non-nil,
// previously journaled entries are loaded back into memory (already-expired
// ones are dropped and counted). Metrics may be nil.
func NewQueue(opts Options, store Store, logger *slog.Logger, metrics *observability.Metrics) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		users:      make(map[string]*list.List),
		ttl:        opts.TTL,
		maxPerUser: opts.MaxPerUser,
		store:      store,
		done:       make(chan struct{}),
		logger:     logger.With("component", "recovery"),
		metrics:    metrics,
	}

	if store != nil {
		q.reload()
	}

	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	go q.sweepLoop(sweep)

	return q
}

// reload restores journaled entries after a restart.
func (q *Queue) reload() {
	entries, err := q.store.LoadAll()
	if err != nil {
		q.logger.Error("loading recovery journal", "error", err)
		return
	}

	cutoff := time.Now().Add(-q.ttl)
	restored, dropped := 0, 0
	for _, e := range entries {
		if e.StoredAt.Before(cutoff) {
			dropped++
			continue
		}
		q.appendLocked(e)
		restored++
	}
	if dropped > 0 {
		q.countDrops(dropped)
		if _, err := q.store.DeleteBefore(cutoff); err != nil {
			q.logger.Error("pruning expired journal entries", "error", err)
		}
	}
	if restored > 0 || dropped > 0 {
		q.logger.Info("recovery journal reloaded", "restored", restored, "expired", dropped)
	}
}

// Store buffers an event that could not be delivered. Logged at warning
// severity: expected during cold start, but a business-visible gap.
func (q *Queue) Store(e *event.Event, reason string) {
	entry := Entry{Event: e, Reason: reason, StoredAt: time.Now().UTC()}

	q.mu.Lock()
	evicted := q.appendLocked(entry)
	q.mu.Unlock()

	if evicted > 0 {
		q.countDrops(evicted)
		q.logger.Warn("recovery buffer overflow, oldest entries dropped",
			"user_id", e.UserID, "evicted", evicted)
	}

	if q.metrics != nil {
		q.metrics.RecoveryStored.Inc()
		q.metrics.RecoveryDepth.Set(float64(q.Depth()))
	}
	q.logger.Warn("event buffered for recovery",
		"event_id", e.ID,
		"user_id", e.UserID,
		"run_id", e.RunID,
		"type", e.Type,
		"reason", reason,
	)

	if q.store != nil {
		if err := q.store.Append(entry); err != nil {
			q.logger.Error("journaling recovery entry", "error", err, "event_id", e.ID)
		}
	}
}

// appendLocked adds the entry, evicting oldest entries past the per-user
// cap. Returns the eviction count. Caller holds q.mu (or has exclusive
// access during reload).
func (q *Queue) appendLocked(entry Entry) int {
	l, ok := q.users[entry.Event.UserID]
	if !ok {
		l = list.New()
		q.users[entry.Event.UserID] = l
	}

	evicted := 0
	for q.maxPerUser > 0 && l.Len() >= q.maxPerUser {
		front := l.Front()
		l.Remove(front)
		q.size--
		evicted++
	}

	l.PushBack(&entry)
	q.size++
	return evicted
}

// Flush removes and returns the user's buffered events in original emission
// order. Entries are handed over exactly once: a flushed entry is gone from
// the queue (and the journal) before the caller sees it. Zero entries is a
// cheap no-op.
func (q *Queue) Flush(userID string) []*event.Event {
	q.mu.Lock()
	l, ok := q.users[userID]
	if !ok || l.Len() == 0 {
		q.mu.Unlock()
		return nil
	}

	events := make([]*event.Event, 0, l.Len())
	for el := l.Front(); el != nil; el = el.Next() {
		events = append(events, el.Value.(*Entry).Event)
	}
	q.size -= l.Len()
	delete(q.users, userID)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecoveryFlushed.Add(float64(len(events)))
		q.metrics.RecoveryDepth.Set(float64(q.Depth()))
	}
	q.logger.Info("recovery buffer flushed", "user_id", userID, "events", len(events))

	if q.store != nil {
		if err := q.store.DeleteUser(userID); err != nil {
			q.logger.Error("clearing journaled entries", "error", err, "user_id", userID)
		}
	}

	return events
}

// Expire discards entries older than TTL and returns the drop count.
// Runs periodically from the sweeper; exported for tests and for callers
// that need a deterministic sweep.
func (q *Queue) Expire() int {
	cutoff := time.Now().Add(-q.ttl)

	q.mu.Lock()
	dropped := 0
	for userID, l := range q.users {
		for {
			front := l.Front()
			if front == nil {
				break
			}
			entry := front.Value.(*Entry)
			if !entry.StoredAt.Before(cutoff) {
				break
			}
			l.Remove(front)
			q.size--
			dropped++
			q.logger.Warn("recovery entry expired, event dropped",
				"event_id", entry.Event.ID,
				"user_id", userID,
				"run_id", entry.Event.RunID,
				"age", time.Since(entry.StoredAt),
			)
		}
		if l.Len() == 0 {
			delete(q.users, userID)
		}
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.countDrops(dropped)
		if q.store != nil {
			if _, err := q.store.DeleteBefore(cutoff); err != nil {
				q.logger.Error("pruning expired journal entries", "error", err)
			}
		}
	}
	return dropped
}

func (q *Queue) countDrops(n int) {
	if q.metrics != nil {
		q.metrics.RecoveryDropped.Add(float64(n))
		q.metrics.RecoveryDepth.Set(float64(q.Depth()))
	}
}

// Depth returns the total number of buffered events across all users.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// sweepLoop periodically expires aged-out entries until Close.
func (q *Queue) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Expire()
		case <-q.done:
			return
		}
	}
}

// Close stops the sweeper and closes the journal. Safe to call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
	store := q.store
	q.mu.Unlock()

	if store != nil {
		if err := store.Close(); err != nil {
			q.logger.Debug("closing recovery journal", "error", err)
		}
	}
}
