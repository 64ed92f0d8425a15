package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cryguy/flaredeck/internal/config"
	"github.com/cryguy/flaredeck/internal/store"
)

func testHandler(t *testing.T, hooks Hooks) (*Handler, *Stores) {
	t.Helper()

	cfg := &config.Config{
		Name: "demo",
		Main: "src/index.js",
		Vars: map[string]any{"MODE": "dev"},
		KVNamespaces: []config.KVNamespace{
			{Binding: "CACHE", ID: "cache-ns"},
		},
		R2Buckets: []config.R2Bucket{
			{Binding: "MEDIA", BucketName: "media"},
		},
		D1Databases: []config.D1Database{
			{Binding: "DB", DatabaseName: "app"},
		},
		DurableObjects: config.DurableObjects{
			Bindings: []config.DurableObjectBinding{{Name: "COUNTER", ClassName: "Counter"}},
		},
		Queues: config.Queues{
			Producers: []config.QueueProducer{{Binding: "JOBS", Queue: "jobs"}},
		},
		Triggers: config.Triggers{Crons: []string{"*/5 * * * *"}},
	}

	kv, err := store.OpenKV("")
	if err != nil {
		t.Fatalf("OpenKV: %v", err)
	}
	r2, err := store.OpenR2(t.TempDir(), "media")
	if err != nil {
		t.Fatalf("OpenR2: %v", err)
	}
	d1, err := store.OpenD1Memory("app")
	if err != nil {
		t.Fatalf("OpenD1Memory: %v", err)
	}
	t.Cleanup(func() { _ = d1.Close() })
	durable, err := store.OpenDurable("", "COUNTER")
	if err != nil {
		t.Fatalf("OpenDurable: %v", err)
	}

	stores := &Stores{
		KV:      map[string]*store.KV{"CACHE": kv},
		R2:      map[string]*store.R2{"MEDIA": r2},
		D1:      map[string]*store.D1{"DB": d1},
		Durable: map[string]*store.Durable{"COUNTER": durable},
		Queues:  map[string]*store.Queue{"jobs": store.NewQueue("jobs", store.QueueConfig{})},
	}
	return New(cfg, stores, NewHub(), hooks, t.TempDir(), nil), stores
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_Overview(t *testing.T) {
	h, _ := testHandler(t, Hooks{})
	rec := doRequest(t, h, "GET", "/__deck/api/overview", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Name          string         `json:"name"`
		BindingCounts map[string]int `json:"binding_counts"`
	}
	decodeBody(t, rec, &body)
	if body.Name != "demo" {
		t.Fatalf("name = %q", body.Name)
	}
	if body.BindingCounts["kv_namespace"] != 1 || body.BindingCounts["d1_database"] != 1 {
		t.Fatalf("unexpected binding counts: %v", body.BindingCounts)
	}
}

func TestHandler_Bindings(t *testing.T) {
	h, _ := testHandler(t, Hooks{})
	rec := doRequest(t, h, "GET", "/__deck/api/bindings", "")
	var body struct {
		Bindings []config.BindingInfo `json:"bindings"`
	}
	decodeBody(t, rec, &body)
	if len(body.Bindings) != 6 {
		t.Fatalf("got %d bindings, want 6: %+v", len(body.Bindings), body.Bindings)
	}
}

func TestHandler_UnknownBinding404(t *testing.T) {
	h, _ := testHandler(t, Hooks{})
	for _, path := range []string{
		"/__deck/api/d1/NOPE/tables",
		"/__deck/api/kv/NOPE/keys",
		"/__deck/api/r2/NOPE/tree",
		"/__deck/api/do/NOPE/x/storage",
		"/__deck/api/queues/nope/stats",
	} {
		rec := doRequest(t, h, "GET", path, "")
		if rec.Code != 404 {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
		var body map[string]string
		decodeBody(t, rec, &body)
		if body["error"] == "" {
			t.Errorf("%s: missing error field", path)
		}
	}
}

func TestHandler_KVRoundTrip(t *testing.T) {
	h, _ := testHandler(t, Hooks{})

	rec := doRequest(t, h, "PUT", "/__deck/api/kv/CACHE/values/user:1", "hello")
	if rec.Code != 200 {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "GET", "/__deck/api/kv/CACHE/values/user:1", "")
	if rec.Code != 200 || rec.Body.String() != "hello" {
		t.Fatalf("get = %d %q", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "GET", "/__deck/api/kv/CACHE/keys?prefix=user:", "")
	var list struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	decodeBody(t, rec, &list)
	if len(list.Keys) != 1 || list.Keys[0]["name"] != "user:1" {
		t.Fatalf("unexpected keys: %+v", list.Keys)
	}

	rec = doRequest(t, h, "DELETE", "/__deck/api/kv/CACHE/values/user:1", "")
	if rec.Code != 200 {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, h, "GET", "/__deck/api/kv/CACHE/values/user:1", "")
	if rec.Code != 404 {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestHandler_D1QueryAndTables(t *testing.T) {
	h, _ := testHandler(t, Hooks{})

	rec := doRequest(t, h, "POST", "/__deck/api/d1/DB/query",
		`{"sql":"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"}`)
	if rec.Code != 200 {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, "POST", "/__deck/api/d1/DB/query",
		`{"sql":"INSERT INTO notes (body) VALUES (?)","params":["hi"]}`)
	if rec.Code != 200 {
		t.Fatalf("insert status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "GET", "/__deck/api/d1/DB/tables", "")
	var tables struct {
		Tables []store.D1Table `json:"tables"`
	}
	decodeBody(t, rec, &tables)
	if len(tables.Tables) != 1 || tables.Tables[0].Name != "notes" || tables.Tables[0].RowCount != 1 {
		t.Fatalf("unexpected tables: %+v", tables.Tables)
	}

	rec = doRequest(t, h, "GET", "/__deck/api/d1/DB/tables/notes", "")
	if rec.Code != 200 {
		t.Fatalf("table detail status = %d", rec.Code)
	}

	rec = doRequest(t, h, "POST", "/__deck/api/d1/DB/query", `{"sql":"ATTACH DATABASE 'x' AS y"}`)
	if rec.Code != 400 {
		t.Fatalf("ATTACH status = %d, want 400", rec.Code)
	}
}

func TestHandler_D1SeedAndDeleteRows(t *testing.T) {
	h, _ := testHandler(t, Hooks{})

	doRequest(t, h, "POST", "/__deck/api/d1/DB/query",
		`{"sql":"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL)"}`)

	rec := doRequest(t, h, "POST", "/__deck/api/d1/DB/tables/notes/seed", `{"count":5}`)
	var seeded map[string]int
	decodeBody(t, rec, &seeded)
	if seeded["inserted"] != 5 {
		t.Fatalf("inserted = %d, want 5", seeded["inserted"])
	}

	rec = doRequest(t, h, "DELETE", "/__deck/api/d1/DB/tables/notes/rows", `{"pk":"id","ids":[1,2]}`)
	var deleted map[string]int64
	decodeBody(t, rec, &deleted)
	if deleted["deleted"] != 2 {
		t.Fatalf("deleted = %d, want 2", deleted["deleted"])
	}
}

func TestHandler_R2UploadAndTree(t *testing.T) {
	h, _ := testHandler(t, Hooks{})

	rec := doRequest(t, h, "PUT", "/__deck/api/r2/MEDIA/object?key=img/cat.png", "pngbytes")
	if rec.Code != 200 {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "GET", "/__deck/api/r2/MEDIA/object?key=img/cat.png", "")
	if rec.Code != 200 || rec.Body.String() != "pngbytes" {
		t.Fatalf("download = %d %q", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "GET", "/__deck/api/r2/MEDIA/tree", "")
	var tree struct {
		Tree []*TreeNode `json:"tree"`
	}
	decodeBody(t, rec, &tree)
	if len(tree.Tree) != 1 || tree.Tree[0].Name != "img" || !tree.Tree[0].Dir {
		t.Fatalf("unexpected tree: %+v", tree.Tree)
	}

	rec = doRequest(t, h, "DELETE", "/__deck/api/r2/MEDIA/objects", `{"keys":["img/cat.png"]}`)
	if rec.Code != 200 {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, h, "GET", "/__deck/api/r2/MEDIA/object?key=img/cat.png", "")
	if rec.Code != 404 {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestHandler_DOCounter(t *testing.T) {
	h, stores := testHandler(t, Hooks{})

	rec := doRequest(t, h, "GET", "/__deck/api/do/COUNTER/demo/counter", "")
	var counter map[string]int64
	decodeBody(t, rec, &counter)
	if counter["value"] != 0 {
		t.Fatalf("initial counter = %d", counter["value"])
	}

	for i := 0; i < 3; i++ {
		rec = doRequest(t, h, "POST", "/__deck/api/do/COUNTER/demo/counter", `{"delta":2}`)
	}
	decodeBody(t, rec, &counter)
	if counter["value"] != 6 {
		t.Fatalf("counter = %d, want 6", counter["value"])
	}

	// The same value must be visible through the storage route.
	raw, err := stores.Durable["COUNTER"].Get("COUNTER", "demo", "value")
	if err != nil || raw != "6" {
		t.Fatalf("stored value = %q, %v", raw, err)
	}

	rec = doRequest(t, h, "GET", "/__deck/api/do/COUNTER/demo/storage", "")
	var storage struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	decodeBody(t, rec, &storage)
	if len(storage.Entries) != 1 || storage.Entries[0]["key"] != "value" {
		t.Fatalf("unexpected storage: %+v", storage.Entries)
	}
}

func TestHandler_QueueSendAndStats(t *testing.T) {
	h, _ := testHandler(t, Hooks{})

	rec := doRequest(t, h, "POST", "/__deck/api/queues/jobs/send", `{"body":"work","contentType":"text/plain"}`)
	var sent map[string]string
	decodeBody(t, rec, &sent)
	if sent["id"] == "" {
		t.Fatalf("missing message id: %s", rec.Body.String())
	}

	rec = doRequest(t, h, "GET", "/__deck/api/queues/jobs/stats", "")
	var stats store.QueueStats
	decodeBody(t, rec, &stats)
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1", stats.Pending)
	}

	rec = doRequest(t, h, "GET", "/__deck/api/queues/jobs/dead", "")
	if rec.Code != 200 {
		t.Fatalf("dead letters status = %d", rec.Code)
	}
}

func TestHandler_Triggers(t *testing.T) {
	var fired string
	h, _ := testHandler(t, Hooks{
		RunScheduled: func(cron string) error {
			fired = cron
			return nil
		},
	})

	rec := doRequest(t, h, "GET", "/__deck/api/triggers", "")
	var body struct {
		Triggers []struct {
			Cron string `json:"cron"`
			Next string `json:"next"`
		} `json:"triggers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Triggers) != 1 || body.Triggers[0].Cron != "*/5 * * * *" {
		t.Fatalf("unexpected triggers: %+v", body.Triggers)
	}
	if body.Triggers[0].Next == "" {
		t.Fatal("missing next match")
	}

	rec = doRequest(t, h, "POST", "/__deck/api/triggers/run", `{"cron":"*/5 * * * *"}`)
	if rec.Code != 200 {
		t.Fatalf("run status = %d: %s", rec.Code, rec.Body.String())
	}
	if fired != "*/5 * * * *" {
		t.Fatalf("hook got %q", fired)
	}
}

func TestHandler_TriggerRunUnwired(t *testing.T) {
	h, _ := testHandler(t, Hooks{})
	rec := doRequest(t, h, "POST", "/__deck/api/triggers/run", `{"cron":"* * * * *"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandler_LogsSnapshot(t *testing.T) {
	h, _ := testHandler(t, Hooks{})
	h.hub.Publish(Event{Type: "log", Level: "info", Message: "hello"})

	rec := doRequest(t, h, "GET", "/__deck/api/logs", "")
	var body struct {
		Events []Event `json:"events"`
	}
	decodeBody(t, rec, &body)
	if len(body.Events) != 1 || body.Events[0].Message != "hello" {
		t.Fatalf("unexpected events: %+v", body.Events)
	}
}
