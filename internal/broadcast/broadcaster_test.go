package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolab/streamnotify/internal/domain"
)

// testBroadcaster sets up a Broadcaster behind a test HTTP server that
// upgrades and registers every inbound connection.
func testBroadcaster(t *testing.T, maxConnections int) (*Broadcaster, func() (*ws.Conn, uuid.UUID), *httptest.Server) {
	t.Helper()

	b := NewBroadcaster(clockwork.NewRealClock(), maxConnections)
	t.Cleanup(b.Stop)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	idCh := make(chan uuid.UUID, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		id, err := b.Register(conn)
		if err != nil {
			return
		}
		idCh <- id
	}))
	t.Cleanup(server.Close)

	dial := func() (*ws.Conn, uuid.UUID) {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		select {
		case id := <-idCh:
			return conn, id
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for registration")
			return nil, uuid.Nil
		}
	}

	return b, dial, server
}

func waitForClientCount(b *Broadcaster, expected int) bool {
	for i := 0; i < 200; i++ {
		if b.ClientCount() == expected {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func event(seq uint64) domain.Event {
	return domain.Event{
		Kind:    domain.EventRowAdded,
		Seq:     seq,
		Payload: domain.RowPayload{Filename: "PK2_BAR_5to20_20240311_AM_01", Pos: 1},
	}
}

func readEvent(t *testing.T, conn *ws.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var e domain.Event
	require.NoError(t, json.Unmarshal(msg, &e))
	return e
}

func TestBroadcaster_RegisterAndPublish(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	conn, _ := dial()

	b.Publish(context.Background(), event(1))

	e := readEvent(t, conn)
	assert.Equal(t, domain.EventRowAdded, e.Kind)
	assert.Equal(t, uint64(1), e.Seq)
}

func TestBroadcaster_FanOutToAllClients(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	conn1, _ := dial()
	conn2, _ := dial()
	require.True(t, waitForClientCount(b, 2))

	b.Publish(context.Background(), event(7))

	assert.Equal(t, uint64(7), readEvent(t, conn1).Seq)
	assert.Equal(t, uint64(7), readEvent(t, conn2).Seq)
}

func TestBroadcaster_PerConnectionOrdering(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	conn, _ := dial()

	for seq := uint64(1); seq <= 5; seq++ {
		b.Publish(context.Background(), event(seq))
	}

	for seq := uint64(1); seq <= 5; seq++ {
		assert.Equal(t, seq, readEvent(t, conn).Seq)
	}
}

func TestBroadcaster_PublishWithoutClientsIsNoOp(t *testing.T) {
	b, _, _ := testBroadcaster(t, 10)

	b.Publish(context.Background(), event(1))

	assert.Equal(t, 0, b.ClientCount())
}

func TestBroadcaster_RegisterUnregisterRoundTrip(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	_, id := dial()
	require.True(t, waitForClientCount(b, 1))

	b.Unregister(id)

	require.True(t, waitForClientCount(b, 0))
}

func TestBroadcaster_UnregisterUnknownIDIsNoOp(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	_, _ = dial()
	require.True(t, waitForClientCount(b, 1))

	b.Unregister(uuid.New())

	assert.Equal(t, 1, b.ClientCount())
}

func TestBroadcaster_DoubleUnregisterIsHarmless(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	_, id := dial()
	require.True(t, waitForClientCount(b, 1))

	b.Unregister(id)
	b.Unregister(id)

	require.True(t, waitForClientCount(b, 0))
}

func TestBroadcaster_UniqueConnectionIDs(t *testing.T) {
	_, dial, _ := testBroadcaster(t, 10)

	seen := make(map[uuid.UUID]struct{})
	for i := 0; i < 5; i++ {
		_, id := dial()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestBroadcaster_SendTargetsOneClient(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	connA, idA := dial()
	connB, _ := dial()
	require.True(t, waitForClientCount(b, 2))

	b.Send(idA, []byte("pong"))

	require.NoError(t, connA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := connA.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	// B sees nothing; the next broadcast is its first message.
	b.Publish(context.Background(), event(1))
	assert.Equal(t, uint64(1), readEvent(t, connB).Seq)
}

func TestBroadcaster_SendToUnknownIDIsNoOp(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	_, _ = dial()
	require.True(t, waitForClientCount(b, 1))

	b.Send(uuid.New(), []byte("pong"))

	assert.Equal(t, 1, b.ClientCount())
}

func TestBroadcaster_ConnectionCap(t *testing.T) {
	b, dial, server := testBroadcaster(t, 2)
	dial()
	dial()
	require.True(t, waitForClientCount(b, 2))

	// Third connection is rejected by the broadcaster and closed.
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn3, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn3.Close() })

	require.NoError(t, conn3.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, readErr := conn3.ReadMessage()
	require.Error(t, readErr)

	assert.Equal(t, 2, b.ClientCount())
}

// A failing connection must not block delivery to the others, and later
// events go only to the survivors.
func TestBroadcaster_FailingClientDoesNotBlockOthers(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	connA, _ := dial()
	connB, _ := dial()
	require.True(t, waitForClientCount(b, 2))

	// Kill A's transport out from under the broadcaster.
	connA.Close()

	b.Publish(context.Background(), event(1))
	assert.Equal(t, uint64(1), readEvent(t, connB).Seq)

	// Keep publishing until A's dead writer fills its buffer and A is
	// evicted; B receives every event in order.
	for seq := uint64(2); seq <= 25; seq++ {
		b.Publish(context.Background(), event(seq))
	}
	for seq := uint64(2); seq <= 25; seq++ {
		assert.Equal(t, seq, readEvent(t, connB).Seq)
	}

	require.True(t, waitForClientCount(b, 1))

	b.Publish(context.Background(), event(26))
	assert.Equal(t, uint64(26), readEvent(t, connB).Seq)
}

// Publishing after Stop must return immediately even once the command
// buffer would have filled, instead of blocking on an actor that exited.
func TestBroadcaster_PublishAfterStopDoesNotBlock(t *testing.T) {
	b, _, _ := testBroadcaster(t, 10)
	b.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := uint64(1); seq <= 300; seq++ {
			b.Publish(context.Background(), event(seq))
		}
		b.Send(uuid.New(), []byte("pong"))
		b.Unregister(uuid.New())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish after stop blocked")
	}

	assert.Equal(t, 0, b.ClientCount())
}

func TestBroadcaster_StopClosesClientsGracefully(t *testing.T) {
	b, dial, _ := testBroadcaster(t, 10)
	conn, _ := dial()
	require.True(t, waitForClientCount(b, 1))

	b.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
}
