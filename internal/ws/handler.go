// Package ws exposes the fan-out bus over WebSocket: GET /ws/metrics streams
// MetricsFrames (subscribe_metrics) and GET /ws/latency polls LatencyFrame
// snapshots (subscribe_latency).
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chromafield/internal/bus"
)

const writeTimeout = 5 * time.Second

// latencyPollInterval is how often /ws/latency re-checks the bus for a new
// snapshot; LatencyFrames are published far less often than MetricsFrames
// and have no dedicated per-subscriber queue (see bus.PublishLatency).
const latencyPollInterval = 100 * time.Millisecond

// Handler owns websocket transport for the telemetry bus.
type Handler struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to b.
func NewHandler(b *bus.Bus) *Handler {
	return &Handler{
		bus: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the telemetry routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/metrics", h.HandleMetrics)
	e.GET("/ws/latency", h.HandleLatency)
}

// HandleMetrics upgrades one request and streams MetricsFrames until the
// client disconnects or its send queue is torn down (subscribe_metrics, §6).
func (h *Handler) HandleMetrics(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws metrics upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	slog.Info("ws metrics subscriber connected", "remote", remoteAddr)
	closed := make(chan struct{})
	go func() {
		h.drainInbound(conn, remoteAddr)
		close(closed)
	}()

	for {
		select {
		case <-closed:
			return nil
		case f, ok := <-sub.Frames():
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(f); err != nil {
				slog.Debug("ws metrics write error", "remote", remoteAddr, "err", err)
				return nil
			}
		}
	}
}

// HandleLatency upgrades one request and streams LatencyFrame snapshots at a
// fixed poll interval until the client disconnects (subscribe_latency, §6).
// Latency frames have no dedicated bounded queue on the bus, so this handler
// polls GetLatestLatency directly rather than subscribing.
func (h *Handler) HandleLatency(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws latency upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	slog.Info("ws latency subscriber connected", "remote", remoteAddr)
	closed := make(chan struct{})
	go func() {
		h.drainInbound(conn, remoteAddr)
		close(closed)
	}()

	ticker := time.NewTicker(latencyPollInterval)
	defer ticker.Stop()

	var lastSeenTS float64
	for {
		select {
		case <-closed:
			return nil
		case <-ticker.C:
		}
		lf, ok := h.bus.GetLatestLatency()
		if !ok || lf.TimestampS == lastSeenTS {
			continue
		}
		lastSeenTS = lf.TimestampS
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(lf); err != nil {
			slog.Debug("ws latency write error", "remote", remoteAddr, "err", err)
			return nil
		}
	}
}

// drainInbound discards any client-sent frames (this is a server push-only
// stream) but still needs to read so gorilla/websocket can detect a client
// close and so ping/pong control frames get handled.
func (h *Handler) drainInbound(conn *websocket.Conn, remoteAddr string) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "remote", remoteAddr, "err", err)
			}
			_ = conn.Close()
			return
		}
	}
}
