package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chromafield/internal/bus"
	"chromafield/internal/metrics"
)

func newTestServer(t *testing.T, b *bus.Bus) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewHandler(b).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleMetrics_StreamsPublishedFrames(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx, time.Millisecond)
	srv := newTestServer(t, b)

	conn := dial(t, srv, "/ws/metrics")

	// Give the server a moment to register the subscription before
	// publishing, since Subscribe happens inside the handler goroutine.
	time.Sleep(20 * time.Millisecond)
	f := metrics.New(1, 7, 0, 0, 0, 1.0, 0, 0, 0, metrics.PhiSourceManual, 0, 0)
	b.Publish(f)

	var got metrics.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, uint64(7), got.FrameID)
}

func TestHandleLatency_StreamsLatestSnapshot(t *testing.T) {
	b := bus.New()
	srv := newTestServer(t, b)

	conn := dial(t, srv, "/ws/latency")

	lf := metrics.NewLatencyFrame(1, 1, 1, 1, 1, 4, 0, 0, 0, true, 1, 48000, 512)
	b.PublishLatency(lf)

	var got metrics.LatencyFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.InDelta(t, 4.0, got.EffectiveMs, 1e-9)
}

func TestHandleMetrics_UnsubscribesOnClientClose(t *testing.T) {
	b := bus.New()
	srv := newTestServer(t, b)

	conn := dial(t, srv, "/ws/metrics")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.SubscriberCount())

	conn.Close()
	assert.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
