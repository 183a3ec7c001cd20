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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marduk/internal/contextcache"
	"marduk/internal/contextsvc"
	"marduk/internal/coordinator"
	"marduk/internal/health"
	"marduk/internal/llm"
	"marduk/internal/mardukerr"
	"marduk/internal/memory"
	"marduk/internal/task"
)

// echoWorker connects to the hub, registers, and answers every task with a
// fixed result.
func echoWorker(t *testing.T, url, subsystem string, result any) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeRegister, Subsystem: subsystem}))

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != TypeTask {
				continue
			}
			raw, _ := json.Marshal(result)
			_ = conn.WriteJSON(Envelope{
				Type:      TypeResponse,
				Subsystem: subsystem,
				TaskID:    env.TaskID,
				Result:    raw,
			})
		}
	}()
	return conn
}

func newTestServer(t *testing.T, hub *Hub, coord *coordinator.Coordinator, monitor *health.Monitor) *httptest.Server {
	t.Helper()
	s := New(hub, coord, monitor, Options{Host: "localhost", Port: 0})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitForWorker(t *testing.T, hub *Hub, subsystem string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.WorkerCount(subsystem) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker for %s never registered", subsystem)
}

func TestDispatchRoundTrip(t *testing.T) {
	hub := NewHub(HubOptions{DispatchTimeout: 2 * time.Second})
	ts := newTestServer(t, hub, nil, nil)

	conn := echoWorker(t, wsURL(ts), "memory", "stored 3 items")
	defer conn.Close()
	waitForWorker(t, hub, "memory")

	result, err := hub.Dispatch(context.Background(), &task.Message{
		TaskID: 7,
		Query:  "store the new findings",
		Target: "memory",
	})
	require.NoError(t, err)
	assert.Equal(t, "stored 3 items", result)
}

func TestDispatchUntargetedUsesAnyWorker(t *testing.T) {
	hub := NewHub(HubOptions{DispatchTimeout: 2 * time.Second})
	ts := newTestServer(t, hub, nil, nil)

	conn := echoWorker(t, wsURL(ts), "analysis", map[string]any{"ok": true})
	defer conn.Close()
	waitForWorker(t, hub, "analysis")

	result, err := hub.Dispatch(context.Background(), &task.Message{TaskID: 1, Query: "analyze"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestDispatchWithoutWorkersFails(t *testing.T) {
	hub := NewHub(HubOptions{})
	_, err := hub.Dispatch(context.Background(), &task.Message{TaskID: 1, Query: "q"})
	assert.True(t, mardukerr.IsAPI(err))

	_, err = hub.Dispatch(context.Background(), &task.Message{TaskID: 2, Query: "q", Target: "memory"})
	assert.True(t, mardukerr.IsAPI(err))
}

func TestDispatchTimesOut(t *testing.T) {
	hub := NewHub(HubOptions{DispatchTimeout: 50 * time.Millisecond})
	ts := newTestServer(t, hub, nil, nil)

	// Register but never answer.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeRegister, Subsystem: "silent"}))
	waitForWorker(t, hub, "silent")

	_, err = hub.Dispatch(context.Background(), &task.Message{TaskID: 3, Query: "q", Target: "silent"})
	require.Error(t, err)
	assert.True(t, mardukerr.IsAPI(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestWorkerErrorResponseSurfaces(t *testing.T) {
	hub := NewHub(HubOptions{DispatchTimeout: 2 * time.Second})
	ts := newTestServer(t, hub, nil, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeRegister, Subsystem: "flaky"}))
	waitForWorker(t, hub, "flaky")

	go func() {
		var env Envelope
		if readErr := conn.ReadJSON(&env); readErr != nil {
			return
		}
		_ = conn.WriteJSON(Envelope{
			Type:      TypeResponse,
			Subsystem: "flaky",
			TaskID:    env.TaskID,
			Error:     "subsystem offline",
		})
	}()

	_, err = hub.Dispatch(context.Background(), &task.Message{TaskID: 4, Query: "q", Target: "flaky"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subsystem offline")
}

func TestWorkerDisconnectDeregisters(t *testing.T) {
	hub := NewHub(HubOptions{DispatchTimeout: time.Second})
	ts := newTestServer(t, hub, nil, nil)

	conn := echoWorker(t, wsURL(ts), "memory", "ok")
	waitForWorker(t, hub, "memory")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.WorkerCount("memory") > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, hub.WorkerCount("memory"))
}

func TestRejectsConnectionWithoutRegister(t *testing.T) {
	hub := NewHub(HubOptions{})
	ts := newTestServer(t, hub, nil, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeResponse, Subsystem: "memory"}))

	// The server drops the connection; the next read fails.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	assert.Error(t, conn.ReadJSON(&env))
	assert.Equal(t, 0, hub.WorkerCount("memory"))
}

func TestHealthzReportsStatus(t *testing.T) {
	monitor := health.NewMonitor(health.Options{})
	ts := newTestServer(t, NewHub(HubOptions{}), nil, monitor)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, health.StatusHealthy, body["status"])

	monitor.SetComponentStatus(health.ComponentAI, health.StatusUnhealthy)
	monitor.SetComponentStatus(health.ComponentMemory, health.StatusUnhealthy)
	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, NewHub(HubOptions{}), nil, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	factory, err := memory.NewFactory(memory.FactoryOptions{InMemory: true})
	require.NoError(t, err)
	events, err := factory.Subsystem(memory.SubsystemEvent)
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Deps{
		Cache:   contextcache.New(contextcache.Options{Capacity: 10}),
		Sources: contextsvc.NewManager(nil),
		LLM:     llm.NewMockClient("test-model"),
		Events:  events,
	}, coordinator.Options{})
	require.NoError(t, err)
	return coord
}

func TestQueryEndpoint(t *testing.T) {
	monitor := health.NewMonitor(health.Options{})
	ts := newTestServer(t, NewHub(HubOptions{}), newTestCoordinator(t), monitor)

	resp, err := http.Post(ts.URL+"/query", "application/json",
		strings.NewReader(`{"query":"what changed in the indexing pipeline"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result coordinator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.Content)
	assert.Equal(t, "test-model", result.Model)

	// The api component recorded the call.
	assert.Equal(t, 1, monitor.EndpointStats("/query").Count)
}

func TestQueryEndpointRejectsBadBody(t *testing.T) {
	ts := newTestServer(t, NewHub(HubOptions{}), newTestCoordinator(t), nil)

	resp, err := http.Post(ts.URL+"/query", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEndpointWithoutCoordinator(t *testing.T) {
	ts := newTestServer(t, NewHub(HubOptions{}), nil, nil)
	resp, err := http.Post(ts.URL+"/query", "application/json",
		strings.NewReader(`{"query":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	hub := NewHub(HubOptions{})
	ts := newTestServer(t, hub, newTestCoordinator(t), health.NewMonitor(health.Options{}))

	conn := echoWorker(t, wsURL(ts), "memory", "ok")
	defer conn.Close()
	waitForWorker(t, hub, "memory")

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	workers, ok := body["workers"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, workers["memory"])
	assert.Contains(t, body, "coordinator")
	assert.Contains(t, body, "health")
}
