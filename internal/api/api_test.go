package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tutu-network/threadsched/internal/app/replay"
	"github.com/tutu-network/threadsched/internal/health"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
)

type testEnv struct {
	srv   *Server
	sched *scheduler.Scheduler
	db    *sqlite.DB
}

// newTestServer boots a virtual-clock scheduler whose initial thread is the
// test goroutine, plus a replay service tracing into a temp store.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := scheduler.New(scheduler.DefaultConfig())
	if err != nil {
		t.Fatalf("scheduler.New() error: %v", err)
	}
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := NewServer(s)
	srv.SetReplayer(replay.NewService(db, scheduler.DefaultConfig(), nil))
	srv.SetRunStore(db)
	srv.EnableMetrics()
	return &testEnv{srv: srv, sched: s, db: db}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v (body %q)", err, w.Body.String())
	}
}

// ─── Health & Version ───────────────────────────────────────────────────────

func TestAPI_Health(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestAPI_HealthDegraded(t *testing.T) {
	env := newTestServer(t)
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	db.Close()
	c := health.NewChecker().WithStore(db)
	c.RunOnce(t.Context())
	env.srv.SetHealth(c)

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAPI_Version(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/api/version", "")
	var body map[string]string
	decode(t, w, &body)
	if body["version"] != Version {
		t.Errorf("version = %q, want %q", body["version"], Version)
	}
}

// ─── Live Scheduler ─────────────────────────────────────────────────────────

func TestAPI_ListThreads(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/api/threads", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Threads []struct {
			ID       int    `json:"id"`
			Name     string `json:"name"`
			State    string `json:"state"`
			Priority int    `json:"priority"`
		} `json:"threads"`
	}
	decode(t, w, &body)
	if len(body.Threads) != 2 {
		t.Fatalf("threads = %d, want 2 (main, idle)", len(body.Threads))
	}
	main := body.Threads[0]
	if main.Name != "main" || main.State != "RUNNING" || main.Priority != 31 {
		t.Errorf("main = %+v", main)
	}

	w = env.do(t, "GET", "/api/threads?state=BLOCKED", "")
	decode(t, w, &body)
	if len(body.Threads) != 1 || body.Threads[0].Name != "idle" {
		t.Errorf("BLOCKED threads = %+v, want [idle]", body.Threads)
	}
}

func TestAPI_GetThread(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/threads/1", http.StatusOK},
		{"/api/threads/99", http.StatusNotFound},
		{"/api/threads/abc", http.StatusBadRequest},
		{"/api/threads/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if w := env.do(t, "GET", tt.path, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPI_Stats(t *testing.T) {
	env := newTestServer(t)
	env.sched.Work(3)

	w := env.do(t, "GET", "/api/stats", "")
	var st scheduler.Stats
	decode(t, w, &st)
	if st.Ticks != 3 || st.KernelTicks != 3 {
		t.Errorf("ticks/kernel = %d/%d, want 3/3", st.Ticks, st.KernelTicks)
	}
	if st.Running != 1 {
		t.Errorf("running = %d, want 1", st.Running)
	}
}

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestAPI_Scenarios(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/api/scenarios", "")
	var body struct {
		Scenarios []scenarioSummary `json:"scenarios"`
	}
	decode(t, w, &body)
	if len(body.Scenarios) != 5 {
		t.Fatalf("scenarios = %d, want 5", len(body.Scenarios))
	}

	if w := env.do(t, "GET", "/api/scenarios/fifo", ""); w.Code != http.StatusOK {
		t.Errorf("GET fifo status = %d, want 200", w.Code)
	}
	if w := env.do(t, "GET", "/api/scenarios/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET nope status = %d, want 404", w.Code)
	}
}

// ─── Replays & Traces ───────────────────────────────────────────────────────

func TestAPI_CreateRunAndInspect(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/api/runs", `{"scenario":"donate-chain"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
	var out struct {
		RunID  string `json:"run_id"`
		Result struct {
			Order []string `json:"order"`
		} `json:"result"`
	}
	decode(t, w, &out)
	if out.RunID == "" {
		t.Fatal("run_id is empty")
	}
	if strings.Join(out.Result.Order, ",") != "high,medium,low" {
		t.Errorf("order = %v", out.Result.Order)
	}

	w = env.do(t, "GET", "/api/runs", "")
	var list struct {
		Runs []sqlite.Run `json:"runs"`
	}
	decode(t, w, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != out.RunID {
		t.Fatalf("runs = %+v", list.Runs)
	}

	w = env.do(t, "GET", "/api/runs/"+out.RunID+"/events?kind=donate", "")
	var events struct {
		Events []scheduler.Event `json:"events"`
	}
	decode(t, w, &events)
	if len(events.Events) == 0 {
		t.Error("no donate events recorded")
	}
	for _, ev := range events.Events {
		if ev.Kind != scheduler.EventDonate {
			t.Errorf("event kind = %s, want donate", ev.Kind)
		}
	}

	if w := env.do(t, "GET", "/api/runs/"+out.RunID+"/load", ""); w.Code != http.StatusOK {
		t.Errorf("load status = %d, want 200", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/runs/"+out.RunID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if w := env.do(t, "GET", "/api/runs/"+out.RunID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestAPI_CreateRunInlineYAML(t *testing.T) {
	env := newTestServer(t)
	doc := "name: inline\nthreads:\n  - name: a\n    steps:\n      - {op: work, n: 3}\n"
	body, _ := json.Marshal(map[string]string{"yaml": doc})

	req := httptest.NewRequest("POST", "/api/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
}

func TestAPI_CreateRunErrors(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"unknown scenario", `{"scenario":"nope"}`, http.StatusNotFound},
		{"file path", `{"scenario":"/etc/passwd"}`, http.StatusNotFound},
		{"invalid yaml", `{"yaml":"threads: []"}`, http.StatusBadRequest},
		{"mode mismatch", `{"scenario":"mlfqs-nice","mlfqs":false}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/runs", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPI_CreateRunRejectsUnsafeWorkloads(t *testing.T) {
	env := newTestServer(t)
	abba := `name: abba
locks: [a, b]
threads:
  - name: x
    steps: [{op: acquire, lock: a}, {op: yield}, {op: acquire, lock: b}, {op: release, lock: b}, {op: release, lock: a}]
  - name: y
    steps: [{op: acquire, lock: b}, {op: yield}, {op: acquire, lock: a}, {op: release, lock: a}, {op: release, lock: b}]
`
	huge := "name: huge\nthreads:\n  - name: a\n    steps: [{op: sleep, n: 9223372036854775807}]\n"

	tests := []struct {
		name  string
		doc   string
		mlfqs bool
		want  string
	}{
		{"lock cycle with donation", abba, false, "conflicting orders"},
		{"lock cycle under mlfqs", abba, true, "conflicting orders"},
		{"unbounded sleep", huge, false, "tick budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]any{"yaml": tt.doc, "mlfqs": tt.mlfqs})
			w := env.do(t, "POST", "/api/runs", string(body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusBadRequest, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Fatalf("body = %s, want it to mention %q", w.Body.String(), tt.want)
			}
		})
	}

	// The daemon is still serving replays.
	if w := env.do(t, "POST", "/api/runs", `{"scenario":"fifo"}`); w.Code != http.StatusCreated {
		t.Fatalf("follow-up status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
}

func TestAPI_RunNotFound(t *testing.T) {
	env := newTestServer(t)
	for _, path := range []string{"/api/runs/missing", "/api/runs/missing/events", "/api/runs/missing/load"} {
		if w := env.do(t, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/runs?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", w.Code)
	}
}

// ─── Middleware & Metrics ───────────────────────────────────────────────────

func TestAPI_CORS(t *testing.T) {
	env := newTestServer(t)
	env.srv.SetCORSOrigins([]string{"http://dash.local"})

	req := httptest.NewRequest("OPTIONS", "/api/stats", nil)
	req.Header.Set("Origin", "http://dash.local")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("allowed origin = %q", got)
	}

	req = httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("Origin", "http://evil.local")
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

func TestAPI_Metrics(t *testing.T) {
	env := newTestServer(t)
	env.do(t, "POST", "/api/runs", `{"scenario":"fifo"}`)

	w := env.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "threadsched_context_switches_total") {
		t.Error("metrics output missing threadsched_context_switches_total")
	}
}

func TestAPI_MetricsDisabled(t *testing.T) {
	s, err := scheduler.New(scheduler.DefaultConfig())
	if err != nil {
		t.Fatalf("scheduler.New() error: %v", err)
	}
	srv := NewServer(s)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
