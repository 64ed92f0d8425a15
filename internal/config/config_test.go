package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const tomlConfig = `
name = "demo-worker"
main = "src/worker.js"
compatibility_date = "2024-09-01"

[vars]
GREETING = "hello"

[[kv_namespaces]]
binding = "CACHE"
id = "cache-ns"

[[r2_buckets]]
binding = "FILES"
bucket_name = "files-bucket"

[[d1_databases]]
binding = "DB"
database_name = "app"
database_id = "app-db-id"

[[durable_objects.bindings]]
name = "COUNTER"
class_name = "Counter"

[[queues.producers]]
binding = "JOBS"
queue = "jobs"

[[queues.consumers]]
queue = "jobs"
max_batch_size = 5
max_batch_timeout = 2
max_retries = 2

[triggers]
crons = ["*/5 * * * *"]

[assets]
directory = "public"
binding = "ASSETS"

[dev]
ip = "127.0.0.1"
port = 8787
`

func TestDiscover_Order(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "wrangler.jsonc", `{"name":"c"}`)
	writeConfig(t, dir, "wrangler.toml", `name = "a"`)

	path, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if filepath.Base(path) != "wrangler.toml" {
		t.Errorf("Discover should prefer wrangler.toml, got %s", path)
	}
}

func TestDiscover_NotFound(t *testing.T) {
	_, err := Discover(t.TempDir())
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("want ErrNoConfig, got %v", err)
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "wrangler.toml", tomlConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "demo-worker" || cfg.Main != "src/worker.js" {
		t.Errorf("identity fields wrong: %+v", cfg)
	}
	if len(cfg.KVNamespaces) != 1 || cfg.KVNamespaces[0].Binding != "CACHE" {
		t.Errorf("kv_namespaces = %+v", cfg.KVNamespaces)
	}
	if len(cfg.Queues.Consumers) != 1 || cfg.Queues.Consumers[0].MaxBatchSize != 5 {
		t.Errorf("queue consumers = %+v", cfg.Queues.Consumers)
	}
	if cfg.Assets == nil || cfg.Assets.Directory != "public" {
		t.Errorf("assets = %+v", cfg.Assets)
	}
	if cfg.Dev.Port != 8787 {
		t.Errorf("dev.port = %d", cfg.Dev.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "wrangler.json", `{
		"name": "json-worker",
		"kv_namespaces": [{"binding": "KV", "id": "ns"}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "json-worker" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Main != DefaultMain {
		t.Errorf("main should default to %q, got %q", DefaultMain, cfg.Main)
	}
}

func TestLoad_JSONC(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "wrangler.jsonc", `{
		// dev config with comments
		"name": "jsonc-worker",
		"vars": {
			"RETRIES": 3,          // non-string scalar
			"DEBUG": true,
			"LABEL": "x",
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	vars := cfg.StringVars()
	if vars["RETRIES"] != "3" || vars["DEBUG"] != "true" || vars["LABEL"] != "x" {
		t.Errorf("StringVars = %v", vars)
	}
}

func TestLoad_UnknownKeysIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "wrangler.toml", `
name = "w"
workers_dev = true
[observability]
enabled = true
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("unknown keys must be ignored: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing name", func(c *Config) { c.Name = "" }, true},
		{"duplicate binding across kinds", func(c *Config) {
			c.R2Buckets = append(c.R2Buckets, R2Bucket{Binding: "CACHE", BucketName: "b"})
		}, true},
		{"duplicate consumer", func(c *Config) {
			c.Queues.Consumers = append(c.Queues.Consumers, QueueConsumer{Queue: "jobs"})
		}, true},
		{"bad cron", func(c *Config) {
			c.Triggers.Crons = append(c.Triggers.Crons, "61 * * * *")
		}, true},
	}

	dir := t.TempDir()
	path := writeConfig(t, dir, "wrangler.toml", tomlConfig)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBindings_SortedAndComplete(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "wrangler.toml", tomlConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	bindings := cfg.Bindings()
	// ASSETS, CACHE, COUNTER, DB, FILES, GREETING, JOBS
	if len(bindings) != 7 {
		t.Fatalf("got %d bindings: %+v", len(bindings), bindings)
	}
	for i := 1; i < len(bindings); i++ {
		if bindings[i-1].Name > bindings[i].Name {
			t.Fatalf("bindings not sorted: %q before %q", bindings[i-1].Name, bindings[i].Name)
		}
	}
	kinds := map[string]BindingKind{}
	for _, b := range bindings {
		kinds[b.Name] = b.Kind
	}
	if kinds["CACHE"] != KindKV || kinds["DB"] != KindD1 || kinds["JOBS"] != KindQueue {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestD1ID_Fallback(t *testing.T) {
	d := D1Database{DatabaseName: "app"}
	if d.D1ID() != "app" {
		t.Errorf("D1ID fallback = %q", d.D1ID())
	}
	d.DatabaseID = "xyz"
	if d.D1ID() != "xyz" {
		t.Errorf("D1ID = %q", d.D1ID())
	}
}
