package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cryguy/flaredeck/internal/core"
)

// Durable backs Durable Object storage for one namespace. Each object id
// owns an independent key/value map; the whole namespace persists as one
// JSON snapshot at {data}/do/{namespace}.json. Values arrive already
// JSON-encoded from the runtime layer.
type Durable struct {
	mu        sync.Mutex
	path      string
	namespace string
	objects   map[string]map[string]string
}

var _ core.DurableObjectStore = (*Durable)(nil)

// OpenDurable opens the namespace snapshot, creating the directory when
// needed. An empty dataDir keeps the store memory-only.
func OpenDurable(dataDir, namespace string) (*Durable, error) {
	d := &Durable{namespace: namespace, objects: make(map[string]map[string]string)}
	if dataDir == "" {
		return d, nil
	}
	doDir := filepath.Join(dataDir, "do")
	if err := os.MkdirAll(doDir, 0755); err != nil {
		return nil, fmt.Errorf("creating durable object directory: %w", err)
	}
	d.path = filepath.Join(doDir, namespace+".json")
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("reading durable object snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &d.objects); err != nil {
		return nil, fmt.Errorf("decoding durable object snapshot %q: %w", d.path, err)
	}
	return d, nil
}

// Namespace returns the namespace this store backs.
func (d *Durable) Namespace() string { return d.namespace }

func (d *Durable) flushLocked() {
	if d.path == "" {
		return
	}
	data, err := json.Marshal(d.objects)
	if err != nil {
		return
	}
	_ = os.WriteFile(d.path, data, 0644)
}

func (d *Durable) objectLocked(objectID string) map[string]string {
	obj, ok := d.objects[objectID]
	if !ok {
		obj = make(map[string]string)
		d.objects[objectID] = obj
	}
	return obj
}

// Get returns the JSON-encoded value for key, or "" when absent.
func (d *Durable) Get(namespace, objectID, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects[objectID][key], nil
}

// GetMulti returns the subset of keys that exist in the object's storage.
func (d *Durable) GetMulti(namespace, objectID string, keys []string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj := d.objects[objectID]
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (d *Durable) Put(namespace, objectID, key, valueJSON string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objectLocked(objectID)[key] = valueJSON
	d.flushLocked()
	return nil
}

func (d *Durable) PutMulti(namespace, objectID string, entries map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj := d.objectLocked(objectID)
	for k, v := range entries {
		obj[k] = v
	}
	d.flushLocked()
	return nil
}

func (d *Durable) Delete(namespace, objectID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects[objectID], key)
	d.flushLocked()
	return nil
}

// DeleteMulti deletes the given keys and returns how many existed.
func (d *Durable) DeleteMulti(namespace, objectID string, keys []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj := d.objects[objectID]
	deleted := 0
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			delete(obj, k)
			deleted++
		}
	}
	if deleted > 0 {
		d.flushLocked()
	}
	return deleted, nil
}

func (d *Durable) DeleteAll(namespace, objectID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, objectID)
	d.flushLocked()
	return nil
}

// List returns key/value pairs ordered by key, optionally reversed,
// filtered by prefix and capped at limit (0 means no cap).
func (d *Durable) List(namespace, objectID, prefix string, limit int, reverse bool) ([]core.KVPair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj := d.objects[objectID]
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if prefix == "" || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	pairs := make([]core.KVPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, core.KVPair{Key: k, Value: obj[k]})
	}
	return pairs, nil
}

// ObjectIDs lists the object ids with stored data, for the dashboard.
func (d *Durable) ObjectIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.objects))
	for id := range d.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
