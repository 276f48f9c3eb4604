package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"windash/internal/core/device"
	"windash/internal/core/hub"
	"windash/internal/core/metrics"
	"windash/internal/core/pairing"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	srv  *httptest.Server
	db   *gorm.DB
	reg  *device.Registry
	pipe *metrics.Pipeline
	hub  *hub.Hub
	ps   *pairing.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&device.User{}, &device.Device{}, &pairing.Code{}, &metrics.Sample{}))

	env := &testEnv{
		db:   db,
		reg:  device.NewRegistry(db, zerolog.Nop()),
		pipe: metrics.NewPipeline(db, zerolog.Nop()),
		hub:  hub.New(zerolog.Nop()),
		ps:   pairing.NewService(db, zerolog.Nop()),
	}
	h := NewHandler(env.hub, env.reg, env.pipe, nil, 5*time.Second, zerolog.Nop())
	env.srv = httptest.NewServer(h)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

// pair runs the approval flow and returns the connected device's token
// and id, the way an agent obtains them by polling.
func (e *testEnv) pair(t *testing.T, hostID string) (token, deviceID string) {
	t.Helper()
	ctx := context.Background()

	c, err := e.ps.CreateCode(ctx)
	require.NoError(t, err)

	res, err := e.ps.CheckCode(ctx, c.Code)
	require.NoError(t, err)
	require.Equal(t, pairing.StatusPending, res.Status)

	_, err = e.ps.Approve(ctx, c.Code, "u1", hostID, "PC")
	require.NoError(t, err)

	res, err = e.ps.CheckCode(ctx, c.Code)
	require.NoError(t, err)
	require.Equal(t, pairing.StatusApproved, res.Status)
	require.Equal(t, hostID, res.HostID)
	return res.Token, res.DeviceID
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy-violation close, got %v", err)
}

func (e *testEnv) online(t *testing.T, deviceID string) bool {
	t.Helper()
	d, err := e.reg.Get(context.Background(), deviceID)
	require.NoError(t, err)
	return d.IsOnline
}

func agentSample(ts time.Time) metrics.AgentSample {
	return metrics.AgentSample{
		TS:        ts,
		CPU:       metrics.CPUStat{Total: 12.5, PerCore: []float64{10, 15}},
		Mem:       metrics.MemStat{Used: 1 << 30, Total: 8 << 30},
		Net:       metrics.NetStat{TxBps: 100, RxBps: 200},
		UptimeSec: 60,
		ProcCount: 99,
	}
}

func TestRejectMissingHostID(t *testing.T) {
	env := newEnv(t)
	token, _ := env.pair(t, "h1")

	conn := dial(t, env.wsURL(""), token)
	expectPolicyClose(t, conn)
}

func TestRejectMissingBearer(t *testing.T) {
	env := newEnv(t)
	env.pair(t, "h1")

	conn := dial(t, env.wsURL("hostId=h1"), "")
	expectPolicyClose(t, conn)
}

func TestRejectInvalidToken(t *testing.T) {
	env := newEnv(t)
	env.pair(t, "h1")

	conn := dial(t, env.wsURL("hostId=h1"), "not-a-real-token")
	expectPolicyClose(t, conn)
}

func TestConnectStreamDisconnect(t *testing.T) {
	env := newEnv(t)
	token, deviceID := env.pair(t, "h1")

	conn := dial(t, env.wsURL("hostId=h1"), token)

	var ack struct {
		Type     string `json:"type"`
		DeviceID string `json:"deviceId"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "connected", ack.Type)
	assert.Equal(t, deviceID, ack.DeviceID)

	// The ack is written after the durable flip, so online is visible now.
	assert.True(t, env.online(t, deviceID))
	assert.True(t, env.hub.IsConnected(deviceID))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "metrics",
		"samples": []metrics.AgentSample{agentSample(now), agentSample(now.Add(time.Second))},
	}))

	require.Eventually(t, func() bool {
		rows, err := env.pipe.Latest(context.Background(), deviceID, 10)
		return err == nil && len(rows) == 2
	}, 2*time.Second, 20*time.Millisecond, "batch never landed")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !env.online(t, deviceID) && !env.hub.IsConnected(deviceID)
	}, 2*time.Second, 20*time.Millisecond, "device never went offline")
}

func TestMalformedFramesAreDropped(t *testing.T) {
	env := newEnv(t)
	token, deviceID := env.pair(t, "h1")

	conn := dial(t, env.wsURL("hostId=h1"), token)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	// Unparseable payload, then an unknown frame type. Neither may kill
	// the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "selfdestruct"}))

	now := time.Now().UTC()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "metrics",
		"samples": []metrics.AgentSample{agentSample(now)},
	}))

	require.Eventually(t, func() bool {
		rows, err := env.pipe.Latest(context.Background(), deviceID, 10)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 20*time.Millisecond, "connection did not survive malformed frames")
	assert.True(t, env.hub.IsConnected(deviceID))
}

func TestReconnectSupersedesOldSocket(t *testing.T) {
	env := newEnv(t)
	token, deviceID := env.pair(t, "h1")

	first := dial(t, env.wsURL("hostId=h1"), token)
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]any
	require.NoError(t, first.ReadJSON(&ack))

	second := dial(t, env.wsURL("hostId=h1"), token)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, second.ReadJSON(&ack))

	// The stale socket is closed by the server, not leaked.
	expectPolicyClose(t, first)

	// The superseded socket's teardown must not flip the device offline
	// while the newer connection is live.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, env.online(t, deviceID))
	assert.True(t, env.hub.IsConnected(deviceID))

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		return !env.online(t, deviceID)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHubSendReachesAgent(t *testing.T) {
	env := newEnv(t)
	token, deviceID := env.pair(t, "h1")

	conn := dial(t, env.wsURL("hostId=h1"), token)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	require.True(t, env.hub.Send(deviceID, map[string]string{"type": "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]string
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "ping", msg["type"])

	assert.False(t, env.hub.Send("ghost", "hello"))
}
