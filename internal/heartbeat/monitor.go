// ABOUTME: Periodic liveness probing of open connections
// ABOUTME: Reaps connections that miss the response window and cleans the registry

package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/netra-systems/pulse-gateway/internal/connection"
	"github.com/netra-systems/pulse-gateway/internal/observability"
)

// Monitor probes every OPEN connection on a fixed interval and removes
// connections that have not shown liveness within the timeout window.
// The timeout must safely exceed cold-start latency in the deployment
// environment; a too-tight window reaps legitimate connections.
type Monitor struct {
	registry *connection.Registry
	interval time.Duration
	timeout  time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewMonitor creates a monitor over the given registry. Metrics may be nil.
func NewMonitor(registry *connection.Registry, interval, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "heartbeat"),
		metrics:  metrics,
	}
}

// Start runs the probe loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep performs one probe pass. Exported so tests can drive the monitor
// deterministically. One misbehaving connection never stops the pass.
func (m *Monitor) Sweep() {
	for _, c := range m.registry.All() {
		m.check(c)
	}
}

// check probes a single connection, reaping it on a missed window.
func (m *Monitor) check(c *connection.Conn) {
	switch c.State() {
	case connection.StateClosing, connection.StateClosed:
		// Marked dead elsewhere (send failure, queue overflow); finish the
		// teardown here so the registry doesn't accumulate corpses.
		m.reap(c, "closed")
		return
	case connection.StateConnecting:
		// Handshake still in flight; the handshake path owns its deadline.
		return
	}

	if time.Since(c.LastSeen()) > m.timeout {
		m.reap(c, "timeout")
		return
	}

	// Probe errors mean the transport is already gone; the next pass
	// catches the CLOSING state if the read loop hasn't already.
	if err := c.Probe(m.timeout); err != nil {
		c.BeginClose()
		m.logger.Debug("heartbeat probe failed",
			"connection_id", c.ID,
			"user_id", c.UserID,
			"error", err,
		)
	}
}

func (m *Monitor) reap(c *connection.Conn, cause string) {
	c.BeginClose()
	m.registry.Remove(c.ID)
	c.Close()

	if m.metrics != nil && cause == "timeout" {
		m.metrics.HeartbeatReaped.Inc()
	}
	m.logger.Warn("connection reaped",
		"connection_id", c.ID,
		"user_id", c.UserID,
		"cause", cause,
		"last_seen", c.LastSeen(),
	)
}
