// ABOUTME: WebSocket handshake, transport adapter and per-connection pumps
// ABOUTME: Authenticates, acks, replays recovery, then serves live delivery

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/netra-systems/pulse-gateway/internal/auth"
	"github.com/netra-systems/pulse-gateway/internal/connection"
	"github.com/netra-systems/pulse-gateway/internal/event"
)

const (
	// wsWriteTimeout bounds a single frame write to the socket.
	wsWriteTimeout = 10 * time.Second

	// wsReadLimit caps inbound frame size; clients only send small
	// control frames.
	wsReadLimit = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Credential-gated endpoint; origin policy is enforced by the
	// deployment's edge, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to the connection.Transport
// interface. Owned exclusively by one Conn.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (t *wsTransport) WriteFrame(f event.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.ws.WriteJSON(f)
}

func (t *wsTransport) Ping(deadline time.Time) error {
	return t.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// handleWS performs the connection handshake:
// authenticate (bounded wait) -> upgrade -> ack -> replay recovery ->
// live delivery. A rejected credential never reaches OPEN; the client
// sees an explicit 401 before any upgrade happens.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	credential := auth.ExtractBearer(r)

	authCtx, cancel := context.WithTimeout(r.Context(), g.cfg.Auth.HandshakeTimeout)
	identity, err := g.gate.Authenticate(authCtx, credential)
	cancel()
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrGateTimeout) {
			status = http.StatusGatewayTimeout
		}
		g.logger.Warn("handshake rejected", "error", err, "remote", r.RemoteAddr)
		http.Error(w, `{"error":"authentication failed"}`, status)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := connection.New(
		uuid.New().String(),
		identity.UserID,
		&wsTransport{ws: wsConn},
		g.cfg.Delivery.OutboundQueueSize,
		g.logger,
	)

	// The ack goes into the outbound queue before activation so it
	// precedes replayed recovery events, which precede live events.
	// Nothing is written to the socket until the pump starts below.
	if err := c.Enqueue(event.AckFrame(identity.UserID, c.ID)); err != nil {
		c.Close()
		return
	}

	g.registry.Add(c)
	g.router.Activate(c)

	if c.State() != connection.StateOpen {
		g.registry.Remove(c.ID)
		c.Close()
		return
	}

	go g.writeLoop(c)
	g.readLoop(c, wsConn)

	c.BeginClose()
	g.registry.Remove(c.ID)
	c.Close()
}

// writeLoop drains the connection's outbound queue onto the socket.
func (g *Gateway) writeLoop(c *connection.Conn) {
	if err := c.WritePump(); err != nil {
		g.logger.Debug("write pump ended",
			"connection_id", c.ID,
			"user_id", c.UserID,
			"error", err,
		)
		if g.metrics != nil {
			g.metrics.DeliveryFailures.WithLabelValues("send_error").Inc()
		}
	}
}

// readLoop consumes inbound frames until the socket errors or closes.
// Lifecycle kinds are server-to-client only: an inbound frame claiming
// one is rejected explicitly, never treated as a server emission.
func (g *Gateway) readLoop(c *connection.Conn, wsConn *websocket.Conn) {
	readWindow := g.cfg.Heartbeat.Timeout + g.cfg.Heartbeat.Interval

	wsConn.SetReadLimit(wsReadLimit)
	_ = wsConn.SetReadDeadline(time.Now().Add(readWindow))
	wsConn.SetPongHandler(func(string) error {
		c.Touch()
		return wsConn.SetReadDeadline(time.Now().Add(readWindow))
	})

	logger := g.logger.With("connection_id", c.ID, "user_id", c.UserID)

	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		c.Touch()

		frame, err := event.ParseInbound(data)
		switch {
		case errors.Is(err, event.ErrServerOnlyType):
			if g.metrics != nil {
				g.metrics.InboundRejected.WithLabelValues("server_only_type").Inc()
			}
			logger.Warn("rejected inbound frame with server-only type", "type", frame.Type)
			_ = c.Enqueue(event.ErrorFrame("server_only_type",
				"lifecycle events are server-to-client only"))
		case err != nil:
			if g.metrics != nil {
				g.metrics.InboundRejected.WithLabelValues("malformed").Inc()
			}
			logger.Warn("ignored malformed inbound frame", "error", err)
		default:
			g.handleClientFrame(c, frame, logger)
		}
	}
}

// handleClientFrame processes an accepted control frame from the client.
func (g *Gateway) handleClientFrame(c *connection.Conn, frame *event.Frame, logger *slog.Logger) {
	switch frame.Type {
	case event.FramePong, event.FrameAck:
		// Liveness already recorded by the read loop.
	default:
		logger.Warn("ignored inbound frame with unknown type", "type", frame.Type)
	}
}
