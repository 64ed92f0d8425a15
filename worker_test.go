package flaredeck

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func testCfg() EngineConfig {
	return EngineConfig{
		PoolSize:         2,
		MemoryLimitMB:    128,
		ExecutionTimeout: 5000,
		MaxFetchRequests: 50,
		FetchTimeoutSec:  5,
		MaxResponseBytes: 10 * 1024 * 1024,
		MaxScriptSizeKB:  1024,
	}
}

type nilSourceLoader struct{}

func (nilSourceLoader) GetWorkerScript(projectID, deployKey string) (string, error) {
	return "", fmt.Errorf("no source loader configured in test")
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(testCfg(), nilSourceLoader{})
	t.Cleanup(func() { e.Shutdown() })
	return e
}

// execJS compiles a worker from source and executes it against the given
// request. It returns the WorkerResult for assertion.
func execJS(t *testing.T, e *Engine, source string, env *Env, req *WorkerRequest) *WorkerResult {
	t.Helper()
	projectID := "test-" + t.Name()
	deployKey := "dev"
	if _, err := e.CompileAndCache(projectID, deployKey, source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}
	return e.Execute(projectID, deployKey, env, req)
}

func defaultEnv() *Env {
	return &Env{
		Vars:    make(map[string]string),
		Secrets: make(map[string]string),
	}
}

func getReq(url string) *WorkerRequest {
	return &WorkerRequest{
		Method:  "GET",
		URL:     url,
		Headers: map[string]string{},
	}
}

func assertOK(t *testing.T, r *WorkerResult) {
	t.Helper()
	if r == nil {
		t.Fatal("result is nil")
	}
	if r.Error != nil {
		t.Fatalf("unexpected error: %v", r.Error)
	}
	if r.Response == nil {
		t.Fatal("response is nil")
	}
}

func decodeJSON(t *testing.T, body []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
}

func TestExecute_SyncFetch(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch(request, env) {
    return new Response("hello dev");
  },
};`

	r := execJS(t, e, source, defaultEnv(), getReq("http://localhost:8787/"))
	assertOK(t, r)

	if r.Response.StatusCode != 200 {
		t.Errorf("status = %d, want 200", r.Response.StatusCode)
	}
	if string(r.Response.Body) != "hello dev" {
		t.Errorf("body = %q, want %q", r.Response.Body, "hello dev")
	}
}

func TestExecute_RequestShape(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  async fetch(request, env) {
    const url = new URL(request.url);
    return Response.json({
      method: request.method,
      path: url.pathname,
      q: url.searchParams.get("q"),
      accept: request.headers.get("accept"),
      body: await request.text(),
    });
  },
};`

	req := &WorkerRequest{
		Method:  "POST",
		URL:     "http://localhost:8787/search?q=cats",
		Headers: map[string]string{"accept": "application/json"},
		Body:    []byte("payload"),
	}
	r := execJS(t, e, source, defaultEnv(), req)
	assertOK(t, r)

	var data struct {
		Method string `json:"method"`
		Path   string `json:"path"`
		Q      string `json:"q"`
		Accept string `json:"accept"`
		Body   string `json:"body"`
	}
	decodeJSON(t, r.Response.Body, &data)
	if data.Method != "POST" || data.Path != "/search" || data.Q != "cats" {
		t.Errorf("unexpected request view: %+v", data)
	}
	if data.Accept != "application/json" || data.Body != "payload" {
		t.Errorf("headers/body not forwarded: %+v", data)
	}
}

func TestExecute_EnvVars(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch(request, env) {
    return new Response(env.MODE + "/" + env.REGION);
  },
};`

	env := defaultEnv()
	env.Vars["MODE"] = "dev"
	env.Vars["REGION"] = "local"
	r := execJS(t, e, source, env, getReq("http://localhost:8787/"))
	assertOK(t, r)
	if string(r.Response.Body) != "dev/local" {
		t.Errorf("body = %q, want dev/local", r.Response.Body)
	}
}

func TestExecute_StatusAndHeaders(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch(request, env) {
    return new Response("made", {
      status: 201,
      headers: { "x-build": "42", "content-type": "text/plain" },
    });
  },
};`

	r := execJS(t, e, source, defaultEnv(), getReq("http://localhost:8787/"))
	assertOK(t, r)
	if r.Response.StatusCode != 201 {
		t.Errorf("status = %d, want 201", r.Response.StatusCode)
	}
	if got := r.Response.Headers["x-build"]; got != "42" {
		t.Errorf("x-build = %q, want 42", got)
	}
}

func TestExecute_ConsoleLogsCaptured(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch(request, env) {
    console.log("first line");
    console.error("boom line");
    return new Response("ok");
  },
};`

	r := execJS(t, e, source, defaultEnv(), getReq("http://localhost:8787/"))
	assertOK(t, r)

	if len(r.Logs) < 2 {
		t.Fatalf("got %d logs, want at least 2", len(r.Logs))
	}
	if r.Logs[0].Message != "first line" || r.Logs[0].Level != "log" {
		t.Errorf("first log = %+v", r.Logs[0])
	}
	if r.Logs[1].Level != "error" {
		t.Errorf("second log level = %q, want error", r.Logs[1].Level)
	}
}

func TestExecute_ThrowingHandler(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch(request, env) {
    throw new Error("handler exploded");
  },
};`

	r := execJS(t, e, source, defaultEnv(), getReq("http://localhost:8787/"))
	if r.Error == nil {
		t.Fatal("expected an error from a throwing handler")
	}
	if !strings.Contains(r.Error.Error(), "handler exploded") {
		t.Errorf("error = %v, want the thrown message", r.Error)
	}
}

func TestExecute_SyntaxErrorFailsCompile(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch(request env) { return new Response("never"); },
};`

	if _, err := e.CompileAndCache("test-syntax", "dev", source); err == nil {
		t.Fatal("expected compile error for invalid source")
	}
}

func TestExecuteScheduled_EventShape(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  fetch() { return new Response("ok"); },
  scheduled(event, env, ctx) {
    console.log(JSON.stringify({
      type: event.type,
      cron: event.cron,
      timed: typeof event.scheduledTime === "number",
    }));
  },
};`

	projectID := "test-" + t.Name()
	if _, err := e.CompileAndCache(projectID, "dev", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}
	r := e.ExecuteScheduled(projectID, "dev", defaultEnv(), "*/5 * * * *")
	if r.Error != nil {
		t.Fatalf("ExecuteScheduled: %v", r.Error)
	}
	if len(r.Logs) == 0 {
		t.Fatal("expected a log from the scheduled handler")
	}

	var data struct {
		Type  string `json:"type"`
		Cron  string `json:"cron"`
		Timed bool   `json:"timed"`
	}
	decodeJSON(t, []byte(r.Logs[0].Message), &data)
	if data.Type != "scheduled" || data.Cron != "*/5 * * * *" || !data.Timed {
		t.Errorf("unexpected event shape: %+v", data)
	}
}

func TestExecuteScheduled_HandlerError(t *testing.T) {
	e := newTestEngine(t)

	source := `export default {
  scheduled(event, env, ctx) {
    throw new Error("cron job failed");
  },
};`

	projectID := "test-" + t.Name()
	if _, err := e.CompileAndCache(projectID, "dev", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}
	r := e.ExecuteScheduled(projectID, "dev", defaultEnv(), "0 * * * *")
	if r.Error == nil {
		t.Fatal("expected error from throwing scheduled handler")
	}
}

func TestEngine_InvalidatePoolRecompiles(t *testing.T) {
	e := newTestEngine(t)
	projectID := "test-" + t.Name()

	v1 := `export default { fetch() { return new Response("v1"); } };`
	v2 := `export default { fetch() { return new Response("v2"); } };`

	if _, err := e.CompileAndCache(projectID, "dev", v1); err != nil {
		t.Fatalf("CompileAndCache v1: %v", err)
	}
	r := e.Execute(projectID, "dev", defaultEnv(), getReq("http://localhost:8787/"))
	assertOK(t, r)
	if string(r.Response.Body) != "v1" {
		t.Fatalf("body = %q, want v1", r.Response.Body)
	}

	if _, err := e.CompileAndCache(projectID, "dev", v2); err != nil {
		t.Fatalf("CompileAndCache v2: %v", err)
	}
	e.InvalidatePool(projectID, "dev")

	r = e.Execute(projectID, "dev", defaultEnv(), getReq("http://localhost:8787/"))
	assertOK(t, r)
	if string(r.Response.Body) != "v2" {
		t.Errorf("body after invalidate = %q, want v2", r.Response.Body)
	}
}
