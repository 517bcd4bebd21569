package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolab/streamnotify/internal/config"
)

// stubBroadcaster satisfies Broadcaster without a real connection registry.
type stubBroadcaster struct {
	clientCount int
	registerErr error
}

func (s *stubBroadcaster) Register(*websocket.Conn) (uuid.UUID, error) {
	if s.registerErr != nil {
		return uuid.Nil, s.registerErr
	}
	return uuid.New(), nil
}

func (s *stubBroadcaster) Unregister(uuid.UUID)      {}
func (s *stubBroadcaster) Send(uuid.UUID, []byte)    {}
func (s *stubBroadcaster) ClientCount() int          { return s.clientCount }

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:              "development",
		Port:                "8058",
		MaxConnectionsPerIP: 16,
		ConnectionRatePerIP: 1000,
		ConnectionRateBurst: 1000,
	}
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(testConfig(), &stubBroadcaster{clientCount: 3})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleHealth(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","connections":3}`, rec.Body.String())
}

func TestHandleLiveness(t *testing.T) {
	srv := NewServer(testConfig(), &stubBroadcaster{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleLiveness(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestHandleVersion(t *testing.T) {
	srv := NewServer(testConfig(), &stubBroadcaster{})

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleVersion(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "go_version")
}
