package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/gateway/ws"
	"github.com/dohr-michael/agentrunner/internal/metrics"
	"github.com/dohr-michael/agentrunner/internal/runs"
	"github.com/dohr-michael/agentrunner/internal/storage/artifacts"
	"github.com/dohr-michael/agentrunner/internal/storage/database"
)

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

type testServer struct {
	srv  *Server
	runs *runs.Store
	bus  *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(context.Background(), filepath.Join(dir, "gateway.db"), database.Options{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	store := runs.NewStore(db)
	auditLog := audit.NewStore(db)
	m := metrics.New()
	d := dispatch.New(dispatch.Config{
		Runs:        store,
		Checkpoints: checkpoint.NewStore(store),
		Artifacts:   artifacts.NewStore(filepath.Join(dir, "artifacts")),
		Audit:       auditLog,
		Bus:         bus,
		Metrics:     m,
	})
	srv := NewServer(Config{Control: d, Runs: store, Audit: auditLog, Bus: bus, Metrics: m, Host: "localhost"})
	return &testServer{srv: srv, runs: store, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func (ts *testServer) enqueue(t *testing.T, prompt string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/runs", `{"prompt":"`+prompt+`","require_human_approval":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue: status %d: %s", w.Code, w.Body.String())
	}
	return decode[runs.Run](t, w).ID
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestEnqueueAndGetRun(t *testing.T) {
	ts := newTestServer(t)
	id := ts.enqueue(t, "open example.com")

	w := ts.do(t, http.MethodGet, "/api/runs/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "queued" {
		t.Errorf("status: got %v", body["status"])
	}
	cp, ok := body["checkpoint"].(map[string]any)
	if !ok {
		t.Fatalf("checkpoint missing: %v", body)
	}
	prefs, _ := cp["preferences"].(map[string]any)
	if prefs["require_human_approval"] != true {
		t.Errorf("preferences: %v", prefs)
	}

	w = ts.do(t, http.MethodGet, "/api/runs/"+id+"/audit", "")
	entries := decode[[]audit.Entry](t, w)
	if len(entries) != 1 || entries[0].Message != "run enqueued" {
		t.Errorf("audit: %+v", entries)
	}
}

func TestEnqueueRejectsEmptyPrompt(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/api/runs", `{"prompt":"  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/runs", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestGetUnknownRun(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/api/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)
	a := ts.enqueue(t, "first")
	ts.enqueue(t, "second")
	if w := ts.do(t, http.MethodPost, "/api/runs/"+a+"/cancel", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", w.Code, w.Body.String())
	}

	list := decode[[]runs.Run](t, ts.do(t, http.MethodGet, "/api/runs?status=canceled", ""))
	if len(list) != 1 || list[0].ID != a {
		t.Errorf("canceled runs: %+v", list)
	}
	if w := ts.do(t, http.MethodGet, "/api/runs?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bogus status: got %d, want 400", w.Code)
	}
}

func TestControlConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := ts.enqueue(t, "open example.com")

	if w := ts.do(t, http.MethodDelete, "/api/runs/"+id, ""); w.Code != http.StatusConflict {
		t.Errorf("delete queued: got %d, want 409", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/runs/"+id+"/approve", ""); w.Code != http.StatusConflict {
		t.Errorf("approve without request: got %d, want 409", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/runs/"+id+"/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop: got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/runs/"+id+"/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("second stop: got %d, want 409", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/runs/"+id+"/resume", ""); w.Code != http.StatusOK {
		t.Errorf("resume: got %d", w.Code)
	}
}

func TestPurgeTerminalRuns(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	done := ts.enqueue(t, "finished")
	active := ts.enqueue(t, "still going")
	if _, err := ts.runs.Transition(ctx, done, nil, runs.StatusCompleted, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := ts.runs.Transition(ctx, active, nil, runs.StatusRunning, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if w := ts.do(t, http.MethodDelete, "/api/runs", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing scope: got %d, want 400", w.Code)
	}
	w := ts.do(t, http.MethodDelete, "/api/runs?scope=terminal", "")
	if w.Code != http.StatusOK {
		t.Fatalf("purge: status %d: %s", w.Code, w.Body.String())
	}
	body := decode[map[string][]string](t, w)
	if len(body["deleted"]) != 1 || body["deleted"][0] != done {
		t.Errorf("deleted: %v", body["deleted"])
	}
	if st, err := ts.runs.Status(ctx, active); err != nil || st != runs.StatusRunning {
		t.Errorf("running run: %q, %v", st, err)
	}
}

func TestHandleEventsByRun(t *testing.T) {
	ts := newTestServer(t)
	ts.bus.Publish(events.NewTypedEvent(events.SourceEngine, "run-a", events.StepStartedPayload{StepID: "step-1"}))
	ts.bus.Publish(events.NewTypedEvent(events.SourceEngine, "run-b", events.StepStartedPayload{StepID: "step-1"}))
	ts.bus.Publish(events.NewTypedEvent(events.SourceEngine, "run-a", events.StepFinishedPayload{StepID: "step-1", Status: "completed"}))
	waitForEvents(ts.bus, 3)

	all := decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/events?limit=2", ""))
	if len(all) != 2 {
		t.Errorf("limit=2: got %d events", len(all))
	}
	runA := decode[[]map[string]any](t, ts.do(t, http.MethodGet, "/api/events?run_id=run-a", ""))
	if len(runA) != 2 {
		t.Fatalf("run-a: got %d events", len(runA))
	}
	if runA[1]["type"] != string(events.EventStepFinished) {
		t.Errorf("order: %v", runA)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agentrunner_runs_active") {
		t.Errorf("exposition lacks agentrunner metrics")
	}
}

func TestEventStreamOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()
	defer ts.srv.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/events/stream?run_id=run-a"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < 200 && ts.srv.hub.Clients() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	ts.bus.Publish(events.NewTypedEvent(events.SourceEngine, "run-b", events.StepStartedPayload{StepID: "step-1"}))
	ts.bus.Publish(events.NewTypedEvent(events.SourceEngine, "run-a", events.StepStartedPayload{StepID: "step-2"}))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := ws.UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.RunID != "run-a" || frame.Event != string(events.EventStepStarted) {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
