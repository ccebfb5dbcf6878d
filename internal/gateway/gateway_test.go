package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/config"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/db"
	"github.com/iris-hq/iris/internal/events"
	"github.com/iris-hq/iris/internal/events/bus"
	"github.com/iris-hq/iris/internal/fork"
	gwws "github.com/iris-hq/iris/internal/gateway/websocket"
	"github.com/iris-hq/iris/internal/orchestrator"
	"github.com/iris-hq/iris/internal/permissions"
	"github.com/iris-hq/iris/internal/pool"
	"github.com/iris-hq/iris/internal/session"
	"github.com/iris-hq/iris/internal/teams"
	ws "github.com/iris-hq/iris/pkg/websocket"
)

const stubAgent = `#!/bin/sh
printf '%s\n' '{"type":"system","subtype":"init","session_id":"stub"}'
while IFS= read -r line; do
  printf '%s\n' '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"pong"}]}}'
  printf '%s\n' '{"type":"result","result":"pong"}'
done
`

type fixture struct {
	server *httptest.Server
	bus    bus.EventBus
	broker *permissions.Broker
	orch   *orchestrator.Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	t.Setenv(claude.TestModeEnv, "1")

	dir := t.TempDir()
	script := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte(stubAgent), 0o755))
	yaml := fmt.Sprintf("teams:\n  alpha:\n    path: %s\n    claudePath: %s\n", dir, script)
	registry, err := teams.Parse([]byte(yaml))
	require.NoError(t, err)

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)

	dbPool, err := db.Open(config.DatabaseConfig{
		Dialect: "sqlite3",
		Path:    filepath.Join(t.TempDir(), "iris.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbPool.Close() })

	store, err := session.NewStore(dbPool)
	require.NoError(t, err)
	sessions := session.NewManager(store, log)
	caches := cache.NewRegistry()

	procPool := pool.New(pool.Options{
		MaxProcesses:        5,
		SessionInitTimeout:  10 * time.Second,
		GracefulTimeout:     time.Second,
		HealthCheckInterval: time.Hour,
		Recorder:            sessions,
	}, registry, claude.NewBuilder(8080), caches, eventBus, log)
	t.Cleanup(func() { _ = procPool.TerminateAll(context.Background()) })

	orch := orchestrator.New(orchestrator.Options{DefaultTellTimeout: 10 * time.Second}, registry, sessions, procPool, caches, log)
	broker := permissions.NewBroker(time.Minute, eventBus, log)
	forks := fork.NewManager(registry, sessions, claude.NewBuilder(8080), time.Second, log)
	t.Cleanup(func() { forks.CloseAll(context.Background()) })

	hub := gwws.NewHub(caches, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	bridge := NewBridge(eventBus, hub, log)
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	gw := New(orch, broker, forks, hub, nil, log)
	server := httptest.NewServer(gw.Router(false))
	t.Cleanup(server.Close)

	return &fixture{server: server, bus: eventBus, broker: broker, orch: orch}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealth(t *testing.T) {
	f := setup(t)
	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
}

func TestTellEndpoint(t *testing.T) {
	f := setup(t)

	resp, body := f.post(t, "/api/v1/tell", map[string]interface{}{
		"toTeam":  "alpha",
		"message": "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `true`, string(body["success"]))
	assert.JSONEq(t, `"pong"`, string(body["response"]))
}

func TestTellUnknownTeamReturns404(t *testing.T) {
	f := setup(t)

	resp, _ := f.post(t, "/api/v1/tell", map[string]interface{}{
		"toTeam":  "nope",
		"message": "hi",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTellValidationReturns400(t *testing.T) {
	f := setup(t)

	resp, _ := f.post(t, "/api/v1/tell", map[string]interface{}{"toTeam": "alpha"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWakeSleepRoundTrip(t *testing.T) {
	f := setup(t)

	resp, body := f.post(t, "/api/v1/wake", map[string]interface{}{"team": "alpha"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"awake"`, string(body["status"]))

	resp, body = f.post(t, "/api/v1/sleep", map[string]interface{}{"team": "alpha"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `true`, string(body["wasAwake"]))
}

func TestTeamsEndpoint(t *testing.T) {
	f := setup(t)

	resp, body := f.get(t, "/api/v1/teams")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []orchestrator.TeamInfo
	require.NoError(t, json.Unmarshal(body["teams"], &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "alpha", infos[0].Name)

	resp, _ = f.get(t, "/api/v1/teams/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionReportEndpoint(t *testing.T) {
	f := setup(t)

	_, tellBody := f.post(t, "/api/v1/tell", map[string]interface{}{
		"toTeam":  "alpha",
		"message": "hi",
	})
	var sid string
	require.NoError(t, json.Unmarshal(tellBody["sessionId"], &sid))

	resp, report := f.get(t, "/api/v1/sessions/"+sid+"/report")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(report["stats"], &stats))
	assert.Equal(t, 1, stats.Tell)

	resp, _ = f.get(t, "/api/v1/sessions/unknown-sid/report")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPoolEndpoint(t *testing.T) {
	f := setup(t)

	f.post(t, "/api/v1/wake", map[string]interface{}{"team": "alpha"})
	resp, body := f.get(t, "/api/v1/pool")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var procs []pool.ProcessStatus
	require.NoError(t, json.Unmarshal(body["processes"], &procs))
	require.Len(t, procs, 1)
	assert.Equal(t, "cli->alpha", procs[0].Key)
}

func TestPermissionResolveEndpoint(t *testing.T) {
	f := setup(t)

	team := &teams.Team{Name: "alpha", Path: "/tmp", PermissionPolicy: "ask"}
	decided := make(chan permissions.Decision, 1)
	go func() {
		d, _ := f.broker.Request(context.Background(), team, "sid-1", "Bash", nil)
		decided <- d
	}()

	var pendingID string
	require.Eventually(t, func() bool {
		_, body := f.get(t, "/api/v1/permissions/pending")
		var pending []permissions.Pending
		if err := json.Unmarshal(body["pending"], &pending); err != nil || len(pending) != 1 {
			return false
		}
		pendingID = pending[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := f.post(t, "/api/v1/permissions/"+pendingID+"/resolve", map[string]interface{}{
		"approved": true,
		"reason":   "ok",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case d := <-decided:
		assert.True(t, d.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("broker request did not resolve")
	}

	resp, _ = f.post(t, "/api/v1/permissions/nope/resolve", map[string]interface{}{"approved": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialWS(t *testing.T, f *fixture) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *gorillaws.Conn, match func(*ws.Message) bool) *ws.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(&msg) {
			return &msg
		}
	}
}

func TestWebSocketSubscriptionFlow(t *testing.T) {
	f := setup(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(ws.Message{
		ID:      "1",
		Type:    ws.MessageTypeRequest,
		Action:  ws.ActionSubscribeSession,
		Payload: json.RawMessage(`{"sessionId":"sid-9"}`),
	}))
	resp := readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "1" })
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	// A cache stream event for the subscribed session reaches the client.
	event := events.CacheStreamEvent{SessionID: "sid-9", EntryID: 1, Kind: "TELL", Message: json.RawMessage(`{"type":"assistant"}`)}
	require.NoError(t, f.bus.Publish(context.Background(),
		events.BuildCacheStreamSubject("sid-9"),
		bus.NewEvent(events.CacheStream, "test", event)))

	note := readUntil(t, conn, func(m *ws.Message) bool { return m.Action == events.CacheStream })
	var got events.CacheStreamEvent
	require.NoError(t, note.ParsePayload(&got))
	assert.Equal(t, "sid-9", got.SessionID)
}

func TestWebSocketBroadcastsProcessEvents(t *testing.T) {
	f := setup(t)
	conn := dialWS(t, f)

	require.NoError(t, f.bus.Publish(context.Background(), events.ProcessSpawned,
		bus.NewEvent(events.ProcessSpawned, "test", events.ProcessSpawnedEvent{
			Key: "cli->alpha", FromTeam: "cli", ToTeam: "alpha", SessionID: "sid-1", Pid: 99,
		})))

	note := readUntil(t, conn, func(m *ws.Message) bool { return m.Action == events.ProcessSpawned })
	var got events.ProcessSpawnedEvent
	require.NoError(t, note.ParsePayload(&got))
	assert.Equal(t, "cli->alpha", got.Key)
}

func TestWebSocketUnknownAction(t *testing.T) {
	f := setup(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(ws.Message{
		ID:     "2",
		Type:   ws.MessageTypeRequest,
		Action: "bogus",
	}))
	resp := readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "2" })
	assert.Equal(t, ws.MessageTypeError, resp.Type)
}
