package devserver

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryguy/flaredeck/internal/core"
)

const testConfig = `
name = "demo"
main = "src/index.js"

[vars]
MODE = "dev"

[[kv_namespaces]]
binding = "CACHE"
id = "cache-ns"

[[r2_buckets]]
binding = "MEDIA"
bucket_name = "media"

[[d1_databases]]
binding = "DB"
database_name = "app"

[[durable_objects.bindings]]
name = "COUNTER"
class_name = "Counter"

[[queues.producers]]
binding = "JOBS"
queue = "jobs"

[[queues.consumers]]
queue = "jobs"
max_batch_size = 5

[triggers]
crons = ["*/5 * * * *"]
`

const testWorker = `export default {
  async fetch(request, env) {
    return new Response("ok");
  }
};
`

// stubEngine records calls and returns canned results.
type stubEngine struct {
	executeResult   *core.WorkerResult
	scheduledResult *core.WorkerResult
	queueResult     *core.WorkerResult

	lastRequest *core.WorkerRequest
	lastQueue   string
	compiled    []string
	invalidated int
}

func (e *stubEngine) Execute(projectID, key string, env *core.Env, req *core.WorkerRequest) *core.WorkerResult {
	e.lastRequest = req
	if e.executeResult != nil {
		return e.executeResult
	}
	return &core.WorkerResult{Response: &core.WorkerResponse{StatusCode: 200, Body: []byte("ok")}}
}

func (e *stubEngine) ExecuteScheduled(projectID, key string, env *core.Env, cron string) *core.WorkerResult {
	if e.scheduledResult != nil {
		return e.scheduledResult
	}
	return &core.WorkerResult{}
}

func (e *stubEngine) ExecuteQueue(projectID, key string, env *core.Env, queueName string, messages []core.QueueDelivery) *core.WorkerResult {
	e.lastQueue = queueName
	if e.queueResult != nil {
		return e.queueResult
	}
	return &core.WorkerResult{Data: `{"ackAll":true}`}
}

func (e *stubEngine) CompileAndCache(projectID, key, source string) ([]byte, error) {
	e.compiled = append(e.compiled, source)
	return []byte(source), nil
}

func (e *stubEngine) InvalidatePool(projectID, key string) { e.invalidated++ }

func (e *stubEngine) Shutdown() {}

func testProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wrangler.toml"), []byte(testConfig), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "index.js"), []byte(testWorker), 0644); err != nil {
		t.Fatalf("writing worker: %v", err)
	}
	return dir
}

func testServer(t *testing.T) (*Server, *stubEngine) {
	t.Helper()
	s, err := New(Options{Dir: testProject(t)}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.shutdownStores)
	stub := &stubEngine{}
	s.engine = stub
	return s, stub
}

func TestNew_MaterializesStores(t *testing.T) {
	s, _ := testServer(t)

	if s.stores.KV["CACHE"] == nil {
		t.Error("KV store not opened")
	}
	if s.stores.R2["MEDIA"] == nil {
		t.Error("R2 store not opened")
	}
	if s.stores.D1["DB"] == nil {
		t.Error("D1 store not opened")
	}
	if s.stores.Durable["COUNTER"] == nil {
		t.Error("Durable store not opened")
	}
	if s.stores.Queues["jobs"] == nil {
		t.Error("queue broker not created")
	}

	if s.env.Vars["MODE"] != "dev" {
		t.Errorf("env vars = %v", s.env.Vars)
	}
	if s.env.KV["CACHE"] == nil || s.env.Storage["MEDIA"] == nil {
		t.Error("env bindings not wired to stores")
	}
	if s.env.D1Bindings["DB"] != "app" {
		t.Errorf("D1 binding id = %q, want app", s.env.D1Bindings["DB"])
	}
	if s.env.Queues["JOBS"] != s.stores.Queues["jobs"] {
		t.Error("producer binding not wired to the queue broker")
	}
	if s.env.Cache == nil {
		t.Error("cache store not wired")
	}
	if s.env.ProjectID != "demo" {
		t.Errorf("project id = %q", s.env.ProjectID)
	}
}

func TestNew_NoConfig(t *testing.T) {
	if _, err := New(Options{Dir: t.TempDir()}, nil); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRouter_SplitsDashboardAndWorker(t *testing.T) {
	s, stub := testServer(t)
	router := s.router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/__deck/api/overview", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"demo"`) {
		t.Fatalf("dashboard route = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/hello?x=1", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("worker route = %d %q", rec.Code, rec.Body.String())
	}
	if stub.lastRequest == nil || !strings.HasSuffix(stub.lastRequest.URL, "/hello?x=1") {
		t.Fatalf("worker request URL = %+v", stub.lastRequest)
	}
}

func TestHandleWorker_EngineError(t *testing.T) {
	s, stub := testServer(t)
	stub.executeResult = &core.WorkerResult{Error: errors.New("script exploded")}

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != 500 || !strings.Contains(rec.Body.String(), "script exploded") {
		t.Fatalf("error page = %d %q", rec.Code, rec.Body.String())
	}

	events := s.hub.Snapshot()
	found := false
	for _, ev := range events {
		if ev.Type == "error" && strings.Contains(ev.Message, "script exploded") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error not published to hub: %+v", events)
	}
}

func TestHandleWorker_PublishesLogs(t *testing.T) {
	s, stub := testServer(t)
	stub.executeResult = &core.WorkerResult{
		Response: &core.WorkerResponse{StatusCode: 200},
		Logs:     []core.LogEntry{{Level: "log", Message: "from worker"}},
	}

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	events := s.hub.Snapshot()
	if len(events) != 1 || events[0].Message != "from worker" || events[0].Source != "fetch" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRebuild_CompilesAndInvalidates(t *testing.T) {
	s, stub := testServer(t)

	if err := s.rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(stub.compiled) != 1 || !strings.Contains(stub.compiled[0], "fetch(request, env)") {
		t.Fatalf("unexpected compiled source: %q", stub.compiled)
	}
	if stub.invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", stub.invalidated)
	}

	// The loader must serve the same bundle the engine compiled.
	source, err := s.script.GetWorkerScript("demo", "dev")
	if err != nil || source != stub.compiled[0] {
		t.Fatalf("loader source mismatch: %v", err)
	}
}

func TestDeliverBatch_ParsesOutcome(t *testing.T) {
	s, stub := testServer(t)
	stub.queueResult = &core.WorkerResult{Data: `{"retried":["m2"],"acked":["m1"]}`}

	outcome, err := s.deliverBatch(context.Background(), "jobs", []core.QueueDelivery{{ID: "m1"}, {ID: "m2"}})
	if err != nil {
		t.Fatalf("deliverBatch: %v", err)
	}
	if outcome.ShouldRetry("m1") || !outcome.ShouldRetry("m2") {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if stub.lastQueue != "jobs" {
		t.Fatalf("queue name = %q", stub.lastQueue)
	}
}

func TestDeliverBatch_HandlerError(t *testing.T) {
	s, stub := testServer(t)
	stub.queueResult = &core.WorkerResult{Error: errors.New("boom")}

	_, err := s.deliverBatch(context.Background(), "jobs", []core.QueueDelivery{{ID: "m1"}})
	if err == nil {
		t.Fatal("expected error from failing handler")
	}
}

func TestRunScheduled_PublishesLogs(t *testing.T) {
	s, stub := testServer(t)
	stub.scheduledResult = &core.WorkerResult{
		Logs: []core.LogEntry{{Level: "log", Message: "tick"}},
	}

	if err := s.runScheduled("*/5 * * * *"); err != nil {
		t.Fatalf("runScheduled: %v", err)
	}
	events := s.hub.Snapshot()
	if len(events) != 1 || events[0].Source != "scheduled" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
