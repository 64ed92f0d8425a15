// Package config discovers and parses wrangler configuration files
// (wrangler.toml, wrangler.json, wrangler.jsonc) and flattens the bindings
// they declare. Only the schema subset the dev server understands is
// parsed; unknown keys are ignored, since real wrangler configs carry many.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"

	"github.com/cryguy/flaredeck/internal/cron"
)

// ErrNoConfig is returned by Discover when no wrangler config file exists
// in the project directory.
var ErrNoConfig = errors.New("no wrangler config file found")

// DefaultMain is the worker entry used when the config omits `main`.
const DefaultMain = "src/index.js"

// configNames are probed in order; the first match wins.
var configNames = []string{"wrangler.toml", "wrangler.json", "wrangler.jsonc"}

// Config mirrors the wrangler schema subset this tool understands.
type Config struct {
	Name              string         `toml:"name" json:"name"`
	Main              string         `toml:"main" json:"main"`
	CompatibilityDate string         `toml:"compatibility_date" json:"compatibility_date"`
	Vars              map[string]any `toml:"vars" json:"vars"`
	KVNamespaces      []KVNamespace  `toml:"kv_namespaces" json:"kv_namespaces"`
	R2Buckets         []R2Bucket     `toml:"r2_buckets" json:"r2_buckets"`
	D1Databases       []D1Database   `toml:"d1_databases" json:"d1_databases"`
	DurableObjects    DurableObjects `toml:"durable_objects" json:"durable_objects"`
	Queues            Queues         `toml:"queues" json:"queues"`
	Triggers          Triggers       `toml:"triggers" json:"triggers"`
	Assets            *Assets        `toml:"assets" json:"assets"`
	Dev               Dev            `toml:"dev" json:"dev"`
}

// KVNamespace declares a KV binding.
type KVNamespace struct {
	Binding string `toml:"binding" json:"binding"`
	ID      string `toml:"id" json:"id"`
}

// R2Bucket declares an R2 bucket binding.
type R2Bucket struct {
	Binding    string `toml:"binding" json:"binding"`
	BucketName string `toml:"bucket_name" json:"bucket_name"`
}

// D1Database declares a D1 database binding.
type D1Database struct {
	Binding      string `toml:"binding" json:"binding"`
	DatabaseName string `toml:"database_name" json:"database_name"`
	DatabaseID   string `toml:"database_id" json:"database_id"`
}

// DurableObjects declares Durable Object namespace bindings.
type DurableObjects struct {
	Bindings []DurableObjectBinding `toml:"bindings" json:"bindings"`
}

// DurableObjectBinding maps a binding name to a DO class.
type DurableObjectBinding struct {
	Name      string `toml:"name" json:"name"`
	ClassName string `toml:"class_name" json:"class_name"`
}

// Queues declares queue producers and consumers.
type Queues struct {
	Producers []QueueProducer `toml:"producers" json:"producers"`
	Consumers []QueueConsumer `toml:"consumers" json:"consumers"`
}

// QueueProducer declares a queue producer binding.
type QueueProducer struct {
	Binding string `toml:"binding" json:"binding"`
	Queue   string `toml:"queue" json:"queue"`
}

// QueueConsumer declares a queue consumer with its delivery tuning.
type QueueConsumer struct {
	Queue           string  `toml:"queue" json:"queue"`
	MaxBatchSize    int     `toml:"max_batch_size" json:"max_batch_size"`
	MaxBatchTimeout float64 `toml:"max_batch_timeout" json:"max_batch_timeout"`
	MaxRetries      int     `toml:"max_retries" json:"max_retries"`
}

// Triggers declares cron triggers.
type Triggers struct {
	Crons []string `toml:"crons" json:"crons"`
}

// Assets declares a static assets directory and its optional binding name.
type Assets struct {
	Directory string `toml:"directory" json:"directory"`
	Binding   string `toml:"binding" json:"binding"`
}

// Dev carries the wrangler dev server defaults.
type Dev struct {
	IP   string `toml:"ip" json:"ip"`
	Port int    `toml:"port" json:"port"`
}

// Discover probes the project directory for a wrangler config file and
// returns its path. Probing order: wrangler.toml, wrangler.json,
// wrangler.jsonc.
func Discover(dir string) (string, error) {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoConfig, dir)
}

// Load parses the config file at path, dispatching on extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
	case ".jsonc":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("standardizing %s: %w", filepath.Base(path), err)
		}
		if err := json.Unmarshal(std, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Main == "" {
		c.Main = DefaultMain
	}
	for i := range c.Queues.Consumers {
		q := &c.Queues.Consumers[i]
		if q.MaxBatchSize <= 0 {
			q.MaxBatchSize = 10
		}
		if q.MaxBatchTimeout <= 0 {
			q.MaxBatchTimeout = 5
		}
		if q.MaxRetries < 0 {
			q.MaxRetries = 0
		} else if q.MaxRetries == 0 {
			q.MaxRetries = 3
		}
	}
}

// StringVars returns the vars table with every value stringified. JSONC
// configs may carry non-string scalars; the worker env only takes strings.
func (c *Config) StringVars() map[string]string {
	out := make(map[string]string, len(c.Vars))
	for k, v := range c.Vars {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprintf("%v", val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// Validate checks the config for the mistakes the dev server cannot work
// around: missing identity fields, duplicate binding names, malformed cron
// expressions, and duplicate consumer queues.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: name is required")
	}
	if c.Main == "" {
		return errors.New("config: main is required")
	}

	seen := make(map[string]string)
	claim := func(name, kind string) error {
		if name == "" {
			return fmt.Errorf("config: %s binding with empty name", kind)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("config: binding %q declared as both %s and %s", name, prev, kind)
		}
		seen[name] = kind
		return nil
	}

	for k := range c.Vars {
		if err := claim(k, "var"); err != nil {
			return err
		}
	}
	for _, kv := range c.KVNamespaces {
		if err := claim(kv.Binding, "kv_namespace"); err != nil {
			return err
		}
	}
	for _, b := range c.R2Buckets {
		if err := claim(b.Binding, "r2_bucket"); err != nil {
			return err
		}
	}
	for _, db := range c.D1Databases {
		if err := claim(db.Binding, "d1_database"); err != nil {
			return err
		}
	}
	for _, do := range c.DurableObjects.Bindings {
		if err := claim(do.Name, "durable_object"); err != nil {
			return err
		}
	}
	for _, p := range c.Queues.Producers {
		if err := claim(p.Binding, "queue_producer"); err != nil {
			return err
		}
	}
	if c.Assets != nil && c.Assets.Binding != "" {
		if err := claim(c.Assets.Binding, "assets"); err != nil {
			return err
		}
	}

	consumers := make(map[string]bool)
	for _, q := range c.Queues.Consumers {
		if q.Queue == "" {
			return errors.New("config: queue consumer with empty queue name")
		}
		if consumers[q.Queue] {
			return fmt.Errorf("config: duplicate consumer for queue %q", q.Queue)
		}
		consumers[q.Queue] = true
	}

	for _, expr := range c.Triggers.Crons {
		if err := cron.Validate(expr); err != nil {
			return fmt.Errorf("config: cron %q: %w", expr, err)
		}
	}

	return nil
}
