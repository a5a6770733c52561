package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/backend/mockup"
	"github.com/nerrad567/fingerprint-core/internal/capability"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/database"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/logging"
	"github.com/nerrad567/fingerprint-core/internal/journal"
	"github.com/nerrad567/fingerprint-core/internal/session"
	_ "github.com/nerrad567/fingerprint-core/migrations"
)

type testEnv struct {
	srv     *Server
	router  http.Handler
	session *session.Session
	journal *journal.Journal
}

var wsConfig = config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer wires a Server to a mockup-backed session and a journal on a
// temporary SQLite file. identify never finishes on its own.
func testServer(t *testing.T, checks map[string]HealthChecker) *testEnv {
	t.Helper()
	log := testLogger()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "api.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	j := journal.New(db.DB, log)

	backend := mockup.New(mockup.Options{
		Durations: map[string]time.Duration{
			session.CmdIdentify: time.Hour,
			session.CmdPing:     time.Millisecond,
		},
		Seed:   1,
		Logger: log,
	})

	nodes, err := capability.NewStore(
		map[string]string{"MaxLightingTime": "500", "MinRecoverTime": "100"},
		map[string]string{"Vendor": "ACME"},
	)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	hub := NewHub(wsConfig, log)
	sess, err := session.New(session.Options{
		Backend:      backend,
		Observers:    []session.Observer{j, hub},
		Logger:       log,
		PublishCycle: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	t.Cleanup(func() {
		sess.Close()    //nolint:errcheck // Test cleanup
		backend.Close() //nolint:errcheck // Test cleanup
	})

	srv, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1"},
		WS:      wsConfig,
		Module:  config.ModuleConfig{ID: "fp-test", Name: "Test Sensor"},
		Mode:    "mockup",
		Version: "test",
		Logger:  log,
		Session: sess,
		Nodes:   nodes,
		History: j,
		Checks:  checks,
		Metrics: func() map[string]any { return map[string]any{"executed": 0} },
		Hub:     hub,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{srv: srv, router: srv.buildRouter(), session: sess, journal: j}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Health and metrics ────────────────────────────────────────────

func TestNew_RequiresSession(t *testing.T) {
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without session should fail")
	}
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t, map[string]HealthChecker{
		"database": checkFunc(func(context.Context) error { return nil }),
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "test" || resp.Module != "fp-test" || resp.Mode != "mockup" {
		t.Errorf("health = %+v", resp)
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t, map[string]HealthChecker{
		"database": checkFunc(func(context.Context) error { return nil }),
		"mqtt":     checkFunc(func(context.Context) error { return errors.New("mqtt not connected") }),
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["mqtt"] != "mqtt not connected" || resp.Checks["database"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	resp := decode[SystemMetrics](t, w)
	if resp.Version != "test" || resp.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", resp)
	}
	if _, ok := resp.Backend["executed"]; !ok {
		t.Errorf("backend metrics missing: %v", resp.Backend)
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/commands/identify", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, nil)

	if w := env.do(t, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Object model ──────────────────────────────────────────────────

func TestNodes(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/nodes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("nodes status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	caps, _ := resp["capabilities"].(map[string]any)
	if caps["MaxLightingTime"] != float64(500) {
		t.Errorf("capabilities = %v", caps)
	}
	props, _ := resp["properties"].(map[string]any)
	if props["Vendor"] != "ACME" {
		t.Errorf("properties = %v", props)
	}
	state, _ := resp["state"].(map[string]any)
	if len(state) != len(session.Fields) {
		t.Errorf("state = %v", state)
	}
}

func TestState(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status = %d", w.Code)
	}
	resp := decode[StateResponse](t, w)
	if resp.Raw != (session.DeviceState{}) {
		t.Errorf("initial state = %+v, want zero value", resp.Raw)
	}
	if resp.Names["RunState"] != "Idle" || resp.Names["ErrorType"] != "None" {
		t.Errorf("names = %v", resp.Names)
	}
	if resp.Ticket != nil {
		t.Errorf("in_flight = %+v, want none", resp.Ticket)
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func TestListCommands(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/commands/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("commands status = %d", w.Code)
	}
	resp := decode[struct {
		Commands []CommandDescriptor `json:"commands"`
		Count    int                 `json:"count"`
	}](t, w)
	if resp.Count != 8 || len(resp.Commands) != 8 {
		t.Fatalf("count = %d, want 8", resp.Count)
	}
	if resp.Commands[0].Name != session.CmdResetSystem {
		t.Errorf("first command = %q", resp.Commands[0].Name)
	}

	var trace CommandDescriptor
	for _, c := range resp.Commands {
		if c.Name == session.CmdTracePart {
			trace = c
		}
	}
	if len(trace.Params) != 7 || trace.ExpectedMs != 2100 || trace.Class != "identification" {
		t.Errorf("trace_part = %+v", trace)
	}
	if trace.Params[2].Type != "bool" {
		t.Errorf("trace_all_databases type = %q, want bool", trace.Params[2].Type)
	}
}

func TestInvoke_Accepted(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/commands/ping", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("invoke status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode[InvokeResponse](t, w)
	if resp.Command != session.CmdPing || resp.Ticket == "" {
		t.Errorf("invoke response = %+v", resp)
	}

	waitFor(t, "ping to complete", func() bool { return env.session.Stats().Completed == 1 })
	if env.session.Snapshot().ResultState != session.ResultSuccess {
		t.Errorf("ResultState = %v", env.session.Snapshot().ResultState)
	}
}

func TestInvoke_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"unknown command", "/api/v1/commands/explode", "", http.StatusBadRequest, ErrCodeBadRequest},
		{"wrong arity", "/api/v1/commands/set_image_matching_type", `{"args":[]}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad bool", "/api/v1/commands/add_part", `{"args":["db","maybe",false,"p","b","t"]}`, http.StatusBadRequest, ErrCodeValidation},
		{"malformed body", "/api/v1/commands/ping", `{"args":`, http.StatusBadRequest, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t, nil)
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if got := decode[Error](t, w); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
			if env.session.Snapshot().RunState != session.RunIdle {
				t.Error("rejected invocation changed RunState")
			}
		})
	}
}

func TestInvoke_BusyThenAbort(t *testing.T) {
	env := testServer(t, nil)

	if w := env.do(t, http.MethodPost, "/api/v1/commands/identify", `{"args":[]}`); w.Code != http.StatusAccepted {
		t.Fatalf("first invoke status = %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/commands/ping", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("second invoke status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := decode[Error](t, w); got.Code != ErrCodeBusy {
		t.Errorf("code = %q, want %q", got.Code, ErrCodeBusy)
	}

	state := decode[StateResponse](t, env.do(t, http.MethodGet, "/api/v1/state", ""))
	if state.Ticket == nil || state.Ticket.Command != session.CmdIdentify {
		t.Errorf("in_flight = %+v, want identify", state.Ticket)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/abort", ""); w.Code != http.StatusAccepted {
		t.Fatalf("abort status = %d", w.Code)
	}
	waitFor(t, "identify to abort", func() bool { return env.session.Stats().Aborted == 1 })
	if got := env.session.Snapshot().ErrorType; got != session.ErrorAborted {
		t.Errorf("ErrorType = %v, want Aborted", got)
	}
}

func TestAbort_NotRunning(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/abort", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("abort status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := decode[Error](t, w); got.Code != ErrCodeNotRunning {
		t.Errorf("code = %q, want %q", got.Code, ErrCodeNotRunning)
	}
}

func TestInvoke_AfterClose(t *testing.T) {
	env := testServer(t, nil)
	env.session.Close() //nolint:errcheck // Closing is the point of the test

	if w := env.do(t, http.MethodPost, "/api/v1/commands/ping", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ─── History ───────────────────────────────────────────────────────

func TestHistory(t *testing.T) {
	env := testServer(t, nil)
	if w := env.do(t, http.MethodPost, "/api/v1/commands/ping", ""); w.Code != http.StatusAccepted {
		t.Fatalf("invoke status = %d", w.Code)
	}
	waitFor(t, "ping to complete", func() bool { return env.session.Stats().Completed == 1 })

	var cmds []journal.CommandEntry
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := env.do(t, http.MethodGet, "/api/v1/history/commands", "")
		if w.Code != http.StatusOK {
			t.Fatalf("history status = %d", w.Code)
		}
		cmds = decode[struct {
			Commands []journal.CommandEntry `json:"commands"`
		}](t, w).Commands
		if len(cmds) == 1 && cmds[0].FinishedAt != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(cmds) != 1 || cmds[0].Command != session.CmdPing || cmds[0].FinishedAt == nil {
		t.Fatalf("command history = %+v", cmds)
	}

	w := env.do(t, http.MethodGet, "/api/v1/history/state?limit=500", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state history status = %d", w.Code)
	}
	resp := decode[struct {
		Changes []journal.StateEntry `json:"changes"`
		Limit   int                  `json:"limit"`
	}](t, w)
	if resp.Limit != journal.MaxLimit {
		t.Errorf("limit = %d, want clamp to %d", resp.Limit, journal.MaxLimit)
	}
	if len(resp.Changes) == 0 {
		t.Error("expected recorded state changes")
	}
}

func TestHistory_InvalidLimit(t *testing.T) {
	env := testServer(t, nil)

	for _, raw := range []string{"abc", "0", "-3"} {
		if w := env.do(t, http.MethodGet, "/api/v1/history/commands?limit="+raw, ""); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", raw, w.Code)
		}
	}
}

func TestHistory_Disabled(t *testing.T) {
	env := testServer(t, nil)
	env.srv.history = nil

	for _, path := range []string{"/api/v1/history/state", "/api/v1/history/commands"} {
		w := env.do(t, http.MethodGet, path, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusServiceUnavailable)
			continue
		}
		if got := decode[Error](t, w); got.Code != ErrCodeServiceUnavailable {
			t.Errorf("%s code = %q, want %q", path, got.Code, ErrCodeServiceUnavailable)
		}
	}
}

func TestParseHistoryLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", journal.DefaultLimit, false},
		{"10", 10, false},
		{"200", 200, false},
		{"201", journal.MaxLimit, false},
		{"x", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		got, err := parseHistoryLimit(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseHistoryLimit(%q) = %d, %v; want %d, err=%v", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestStartClose(t *testing.T) {
	env := testServer(t, nil)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + env.srv.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
