// Package store provides the local, file-backed implementations of the
// engine's binding contracts (KV, R2, D1, Durable Objects, Queues, Assets,
// Cache). One instance per declared binding is created for a dev session
// and shared between the running worker and the dashboard, so a write from
// either side is immediately visible to the other.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cryguy/flaredeck/internal/core"
)

// kvEntry is one stored KV value. Exported fields so snapshots round-trip
// through encoding/json.
type kvEntry struct {
	Value     string     `json:"value"`
	Metadata  *string    `json:"metadata,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// KV is a mutex-guarded in-memory KV namespace with an optional JSON file
// snapshot. The snapshot is loaded on open and rewritten after every
// mutation; a dev session's data survives restarts but there is no
// durability guarantee beyond best-effort writes.
type KV struct {
	mu      sync.Mutex
	path    string // "" disables snapshots
	entries map[string]kvEntry
}

var _ core.KVStore = (*KV)(nil)

// OpenKV opens a KV namespace persisted at path. An empty path keeps the
// namespace memory-only. A missing or unreadable snapshot starts empty.
func OpenKV(path string) (*KV, error) {
	kv := &KV{path: path, entries: make(map[string]kvEntry)}
	if path == "" {
		return kv, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating KV directory: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kv, nil
		}
		return nil, fmt.Errorf("reading KV snapshot %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &kv.entries); err != nil {
		return nil, fmt.Errorf("decoding KV snapshot %s: %w", path, err)
	}
	return kv, nil
}

// flushLocked rewrites the snapshot file. Callers hold kv.mu.
func (kv *KV) flushLocked() {
	if kv.path == "" {
		return
	}
	data, err := json.Marshal(kv.entries)
	if err != nil {
		return
	}
	_ = os.WriteFile(kv.path, data, 0644)
}

// getLocked returns the live entry for key, expiring it if needed.
func (kv *KV) getLocked(key string) (kvEntry, bool) {
	e, ok := kv.entries[key]
	if !ok {
		return kvEntry{}, false
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(time.Now()) {
		delete(kv.entries, key)
		kv.flushLocked()
		return kvEntry{}, false
	}
	return e, true
}

// Get returns the value for key, or nil when absent or expired.
func (kv *KV) Get(key string) (*string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.getLocked(key)
	if !ok {
		return nil, nil
	}
	v := e.Value
	return &v, nil
}

// GetWithMetadata returns the value and its metadata, or nil when absent.
func (kv *KV) GetWithMetadata(key string) (*core.KVValueWithMetadata, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.getLocked(key)
	if !ok {
		return nil, nil
	}
	return &core.KVValueWithMetadata{Value: e.Value, Metadata: e.Metadata}, nil
}

// Put stores a value with optional metadata and TTL (seconds).
func (kv *KV) Put(key, value string, metadata *string, ttl *int) error {
	if len(value) > core.MaxKVValueSize {
		return fmt.Errorf("KV value for %q exceeds %d bytes", key, core.MaxKVValueSize)
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kvEntry{Value: value, Metadata: metadata}
	if ttl != nil && *ttl > 0 {
		exp := time.Now().Add(time.Duration(*ttl) * time.Second)
		e.ExpiresAt = &exp
	}
	kv.entries[key] = e
	kv.flushLocked()
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (kv *KV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	kv.flushLocked()
	return nil
}

// List returns up to limit non-expired keys matching prefix, ordered by
// key, with base64 offset cursors for pagination.
func (kv *KV) List(prefix string, limit int, cursor string) (*core.KVListResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	offset := core.DecodeCursor(cursor)

	kv.mu.Lock()
	defer kv.mu.Unlock()

	now := time.Now()
	type item struct {
		key      string
		metadata *string
		expires  *time.Time
	}
	var items []item
	for k, e := range kv.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(kv.entries, k)
			continue
		}
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		items = append(items, item{key: k, metadata: e.Metadata, expires: e.ExpiresAt})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })

	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]

	listComplete := len(items) <= limit
	if !listComplete {
		items = items[:limit]
	}

	keys := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		entry := map[string]interface{}{
			"name": it.key,
		}
		if it.expires != nil {
			entry["expiration"] = it.expires.Unix()
		}
		if it.metadata != nil {
			if json.Valid([]byte(*it.metadata)) {
				entry["metadata"] = json.RawMessage(*it.metadata)
			} else {
				entry["metadata"] = *it.metadata
			}
		}
		keys = append(keys, entry)
	}

	result := &core.KVListResult{
		Keys:         keys,
		ListComplete: listComplete,
	}
	if !listComplete {
		result.Cursor = core.EncodeCursor(offset + limit)
	}
	return result, nil
}
