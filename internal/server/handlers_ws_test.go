package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolab/streamnotify/internal/broadcast"
	"github.com/phenolab/streamnotify/internal/domain"
)

// testGateway wires a real broadcaster behind the echo router so tests
// exercise the full upgrade, register and read-pump path over a socket.
func testGateway(t *testing.T) (*broadcast.Broadcaster, func() *websocket.Conn) {
	t.Helper()

	broadcaster := broadcast.NewBroadcaster(clockwork.NewRealClock(), 16)
	t.Cleanup(broadcaster.Stop)

	srv := NewServer(testConfig(), broadcaster)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	return broadcaster, dial
}

func TestHandleWebSocket_DeliversEvents(t *testing.T) {
	broadcaster, dial := testGateway(t)
	conn := dial()

	waitForCount(t, broadcaster, 1)
	broadcaster.Publish(context.Background(), domain.Event{
		Kind:    domain.EventRowAdded,
		Seq:     1,
		Payload: domain.RowPayload{Filename: "scan_001.czi", Pos: 4},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Kind    string `json:"kind"`
		Seq     uint64 `json:"sequence_number"`
		Payload struct {
			Filename string `json:"filename"`
			Pos      int    `json:"pos"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "row_added", event.Kind)
	assert.Equal(t, uint64(1), event.Seq)
	assert.Equal(t, "scan_001.czi", event.Payload.Filename)
	assert.Equal(t, 4, event.Payload.Pos)
}

func TestHandleWebSocket_PingProbe(t *testing.T) {
	broadcaster, dial := testGateway(t)
	conn := dial()
	waitForCount(t, broadcaster, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "pong", string(msg))
}

func TestHandleWebSocket_IgnoresUnknownMessages(t *testing.T) {
	broadcaster, dial := testGateway(t)
	conn := dial()
	waitForCount(t, broadcaster, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello?")))

	// The connection stays open and still receives events afterwards.
	broadcaster.Publish(context.Background(), domain.Event{Kind: domain.EventHeartbeat, Seq: 2})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "heartbeat")
}

func TestHandleWebSocket_PerIPConnectionLimit(t *testing.T) {
	broadcaster := broadcast.NewBroadcaster(clockwork.NewRealClock(), 16)
	t.Cleanup(broadcaster.Stop)

	cfg := testConfig()
	cfg.MaxConnectionsPerIP = 1
	srv := NewServer(cfg, broadcaster)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	waitForCount(t, broadcaster, 1)

	// Second connection from the same IP is refused before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1, broadcaster.ClientCount())
}

func TestHandleWebSocket_UnregistersOnDisconnect(t *testing.T) {
	broadcaster, dial := testGateway(t)

	conn := dial()
	waitForCount(t, broadcaster, 1)

	require.NoError(t, conn.Close())
	waitForCount(t, broadcaster, 0)
}

func waitForCount(t *testing.T, broadcaster *broadcast.Broadcaster, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return broadcaster.ClientCount() == want
	}, 2*time.Second, 10*time.Millisecond)
}
