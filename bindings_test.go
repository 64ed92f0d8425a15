package flaredeck

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cryguy/flaredeck/internal/store"
)

// These tests run worker scripts against the same store implementations the
// dev server wires into env, covering the JS binding surface end to end.

func TestBinding_KVRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	kv, err := store.OpenKV(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("OpenKV: %v", err)
	}
	env := defaultEnv()
	env.KV = map[string]KVStore{"CACHE": kv}

	source := `export default {
  async fetch(request, env) {
    await env.CACHE.put("greeting", "hi there", { metadata: { lang: "en" } });
    const value = await env.CACHE.get("greeting");
    const missing = await env.CACHE.get("nope");
    const listed = await env.CACHE.list({ prefix: "greet" });
    await env.CACHE.delete("greeting");
    const afterDelete = await env.CACHE.get("greeting");
    return Response.json({
      value,
      missing,
      afterDelete,
      names: listed.keys.map(k => k.name),
      complete: listed.list_complete,
    });
  },
};`

	r := execJS(t, e, source, env, getReq("http://localhost:8787/"))
	assertOK(t, r)

	var data struct {
		Value       string   `json:"value"`
		Missing     *string  `json:"missing"`
		AfterDelete *string  `json:"afterDelete"`
		Names       []string `json:"names"`
		Complete    bool     `json:"complete"`
	}
	decodeJSON(t, r.Response.Body, &data)
	if data.Value != "hi there" {
		t.Errorf("value = %q, want %q", data.Value, "hi there")
	}
	if data.Missing != nil || data.AfterDelete != nil {
		t.Errorf("missing keys should be null: %+v", data)
	}
	if len(data.Names) != 1 || data.Names[0] != "greeting" || !data.Complete {
		t.Errorf("unexpected list: %+v", data)
	}
}

func TestBinding_R2PutGetHead(t *testing.T) {
	e := newTestEngine(t)
	r2, err := store.OpenR2(t.TempDir(), "media")
	if err != nil {
		t.Fatalf("OpenR2: %v", err)
	}
	env := defaultEnv()
	env.Storage = map[string]R2Store{"MEDIA": r2}

	source := `export default {
  async fetch(request, env) {
    await env.MEDIA.put("img/cat.txt", "meow");
    const obj = await env.MEDIA.get("img/cat.txt");
    const head = await env.MEDIA.head("img/cat.txt");
    const missing = await env.MEDIA.get("img/dog.txt");
    return Response.json({
      text: await obj.text(),
      key: head.key,
      size: head.size,
      found: missing !== null,
    });
  },
};`

	r := execJS(t, e, source, env, getReq("http://localhost:8787/"))
	assertOK(t, r)

	var data struct {
		Text  string `json:"text"`
		Key   string `json:"key"`
		Size  int64  `json:"size"`
		Found bool   `json:"found"`
	}
	decodeJSON(t, r.Response.Body, &data)
	if data.Text != "meow" || data.Key != "img/cat.txt" || data.Size != 4 {
		t.Errorf("unexpected object view: %+v", data)
	}
	if data.Found {
		t.Error("missing object should be null")
	}

	// The write is visible from the Go side through the same store.
	content, obj, err := r2.Get("img/cat.txt")
	if err != nil || obj == nil {
		t.Fatalf("Get: %v, %v", obj, err)
	}
	if string(content) != "meow" {
		t.Errorf("stored content = %q", content)
	}
}

func TestBinding_D1PrepareAndAll(t *testing.T) {
	e := newTestEngine(t)
	db, err := store.OpenD1Memory("app")
	if err != nil {
		t.Fatalf("OpenD1Memory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := defaultEnv()
	env.D1 = map[string]D1Store{"DB": db}
	env.D1Bindings = map[string]string{"DB": "app"}

	source := `export default {
  async fetch(request, env) {
    await env.DB.exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, title TEXT NOT NULL)");
    const insert = env.DB.prepare("INSERT INTO notes (title) VALUES (?)");
    await insert.bind("alpha").run();
    await insert.bind("beta").run();

    const all = await env.DB.prepare("SELECT title FROM notes ORDER BY title").all();
    const first = await env.DB.prepare("SELECT COUNT(*) AS n FROM notes").first();
    return Response.json({
      success: all.success,
      titles: all.results.map(r => r.title),
      count: first.n,
    });
  },
};`

	r := execJS(t, e, source, env, getReq("http://localhost:8787/"))
	assertOK(t, r)

	var data struct {
		Success bool     `json:"success"`
		Titles  []string `json:"titles"`
		Count   int      `json:"count"`
	}
	decodeJSON(t, r.Response.Body, &data)
	if !data.Success || data.Count != 2 {
		t.Errorf("unexpected result: %+v", data)
	}
	if len(data.Titles) != 2 || data.Titles[0] != "alpha" || data.Titles[1] != "beta" {
		t.Errorf("titles = %v", data.Titles)
	}
}

func TestBinding_DurableObjectStorage(t *testing.T) {
	e := newTestEngine(t)
	durable, err := store.OpenDurable("", "COUNTER")
	if err != nil {
		t.Fatalf("OpenDurable: %v", err)
	}
	env := defaultEnv()
	env.DurableObjects = map[string]DurableObjectStore{"COUNTER": durable}

	source := `export default {
  async fetch(request, env) {
    const id1 = env.COUNTER.idFromName("room-a").toString();
    const id2 = env.COUNTER.idFromName("room-a").toString();
    const stub = env.COUNTER.get("room-a");
    await stub.storage.put("value", 7);
    const read = await stub.storage.get("value");
    return Response.json({ stable: id1 === id2, read });
  },
};`

	r := execJS(t, e, source, env, getReq("http://localhost:8787/"))
	assertOK(t, r)

	var data struct {
		Stable bool `json:"stable"`
		Read   int  `json:"read"`
	}
	decodeJSON(t, r.Response.Body, &data)
	if !data.Stable {
		t.Error("idFromName should be deterministic")
	}
	if data.Read != 7 {
		t.Errorf("read = %d, want 7", data.Read)
	}

	// Stored as JSON, visible from the Go side.
	raw, err := durable.Get("COUNTER", "room-a", "value")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var n int
	if err := json.Unmarshal([]byte(raw), &n); err != nil || n != 7 {
		t.Errorf("stored value = %q", raw)
	}
}

func TestBinding_QueueSendReachesBroker(t *testing.T) {
	e := newTestEngine(t)
	q := store.NewQueue("jobs", store.QueueConfig{})
	env := defaultEnv()
	env.Queues = map[string]QueueSender{"JOBS": q}

	source := `export default {
  async fetch(request, env) {
    await env.JOBS.send("job one", { contentType: "text" });
    await env.JOBS.sendBatch([{ body: "job two" }, { body: "job three" }]);
    return new Response("queued");
  },
};`

	r := execJS(t, e, source, env, getReq("http://localhost:8787/"))
	assertOK(t, r)

	if got := q.Stats().Pending; got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
}

func TestBinding_AssetsFetch(t *testing.T) {
	e := newTestEngine(t)
	env := defaultEnv()
	env.Assets = &routingAssets{body: "static page"}

	source := `export default {
  async fetch(request, env) {
    const res = await env.ASSETS.fetch(request);
    return new Response(await res.text(), { status: res.status });
  },
};`

	r := execJS(t, e, source, env, getReq("http://localhost:8787/index.html"))
	assertOK(t, r)
	if string(r.Response.Body) != "static page" {
		t.Errorf("body = %q", r.Response.Body)
	}
}

type routingAssets struct {
	body string
}

func (a *routingAssets) Fetch(req *WorkerRequest) (*WorkerResponse, error) {
	return &WorkerResponse{
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "text/html"},
		Body:       []byte(a.body),
	}, nil
}
