package store

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cryguy/flaredeck/internal/core"
)

// metaSuffix marks the sidecar file that carries an object's metadata.
const metaSuffix = ".r2meta"

// r2Meta is the sidecar JSON for one stored object.
type r2Meta struct {
	ContentType    string            `json:"content_type"`
	ETag           string            `json:"etag"`
	LastModified   time.Time         `json:"last_modified"`
	Size           int64             `json:"size"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// R2 is a filesystem-backed object store for a single bucket. Object bytes
// live at {root}/{key}; metadata lives in a sidecar next to the content.
// Keys are slash-separated paths; traversal outside the bucket root is
// rejected.
type R2 struct {
	mu      sync.Mutex
	root    string
	bucket  string
	urlBase string
}

var _ core.R2Store = (*R2)(nil)

// OpenR2 opens (or creates) the bucket directory.
func OpenR2(root, bucket string) (*R2, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name must not be empty")
	}
	dir := filepath.Join(root, bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating bucket directory: %w", err)
	}
	return &R2{root: dir, bucket: bucket}, nil
}

// SetURLBase sets the base URL used for presigned and public object URLs.
// The dev server points this at its own dashboard download route.
func (r *R2) SetURLBase(base string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urlBase = strings.TrimSuffix(base, "/")
}

// Bucket returns the bucket name.
func (r *R2) Bucket() string { return r.bucket }

// objectPath maps a key to its content file path, rejecting traversal.
func (r *R2) objectPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key must not be empty")
	}
	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("object key contains null byte")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("object key %q escapes bucket", key)
	}
	if strings.HasSuffix(cleaned, metaSuffix) {
		return "", fmt.Errorf("object key %q uses a reserved suffix", key)
	}
	return filepath.Join(r.root, filepath.FromSlash(cleaned)), nil
}

func (r *R2) readMeta(contentPath string) (*r2Meta, error) {
	data, err := os.ReadFile(contentPath + metaSuffix)
	if err != nil {
		return nil, err
	}
	meta := &r2Meta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func toObject(key string, meta *r2Meta) *core.R2Object {
	return &core.R2Object{
		Key:            key,
		Size:           meta.Size,
		ContentType:    meta.ContentType,
		ETag:           meta.ETag,
		LastModified:   meta.LastModified,
		CustomMetadata: meta.CustomMetadata,
	}
}

// Get returns the object bytes and metadata, or (nil, nil, nil) when the
// key does not exist.
func (r *R2) Get(key string) ([]byte, *core.R2Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.objectPath(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading object %q: %w", key, err)
	}
	meta, err := r.readMeta(p)
	if err != nil {
		// Content without sidecar: synthesize metadata so stray files
		// dropped into the bucket directory still list and download.
		meta = &r2Meta{
			ContentType:  "application/octet-stream",
			ETag:         contentETag(data),
			LastModified: time.Now(),
			Size:         int64(len(data)),
		}
	}
	return data, toObject(key, meta), nil
}

// Head returns the object metadata without its bytes, or nil when absent.
func (r *R2) Head(key string) (*core.R2Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.objectPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	meta, err := r.readMeta(p)
	if err != nil {
		return &core.R2Object{
			Key:          key,
			Size:         info.Size(),
			ContentType:  "application/octet-stream",
			LastModified: info.ModTime(),
		}, nil
	}
	return toObject(key, meta), nil
}

func contentETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Put stores object bytes with metadata, overwriting any existing object.
func (r *R2) Put(key string, data []byte, opts core.R2PutOptions) (*core.R2Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("creating object directory: %w", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := &r2Meta{
		ContentType:    contentType,
		ETag:           contentETag(data),
		LastModified:   time.Now().UTC(),
		Size:           int64(len(data)),
		CustomMetadata: opts.CustomMetadata,
	}

	if err := os.WriteFile(p, data, 0644); err != nil {
		return nil, fmt.Errorf("writing object %q: %w", key, err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding object metadata: %w", err)
	}
	if err := os.WriteFile(p+metaSuffix, metaJSON, 0644); err != nil {
		return nil, fmt.Errorf("writing object metadata: %w", err)
	}
	return toObject(key, meta), nil
}

// Delete removes the given keys. Missing keys are ignored.
func (r *R2) Delete(keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		p, err := r.objectPath(key)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting object %q: %w", key, err)
		}
		_ = os.Remove(p + metaSuffix)
		// Prune now-empty parent directories up to the bucket root.
		for dir := filepath.Dir(p); dir != r.root; dir = filepath.Dir(dir) {
			if os.Remove(dir) != nil {
				break
			}
		}
	}
	return nil
}

// List lists objects ordered by key with optional prefix filtering,
// delimiter folding into common prefixes, and cursor pagination.
func (r *R2) List(opts core.R2ListOptions) (*core.R2ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	keys, err := r.allKeysLocked()
	if err != nil {
		return nil, err
	}

	var matched []string
	prefixSet := make(map[string]bool)
	for _, key := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(key, opts.Prefix)
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				prefixSet[opts.Prefix+rest[:idx+len(opts.Delimiter)]] = true
				continue
			}
		}
		matched = append(matched, key)
	}

	offset := core.DecodeCursor(opts.Cursor)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	truncated := len(matched) > limit
	if truncated {
		matched = matched[:limit]
	}

	objects := make([]core.R2Object, 0, len(matched))
	for _, key := range matched {
		obj, err := r.headLocked(key)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			objects = append(objects, *obj)
		}
	}

	prefixes := make([]string, 0, len(prefixSet))
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	result := &core.R2ListResult{
		Objects:           objects,
		Truncated:         truncated,
		DelimitedPrefixes: prefixes,
	}
	if truncated {
		result.Cursor = core.EncodeCursor(offset + limit)
	}
	return result, nil
}

// headLocked is Head without re-locking; callers hold r.mu.
func (r *R2) headLocked(key string) (*core.R2Object, error) {
	p, err := r.objectPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	meta, err := r.readMeta(p)
	if err != nil {
		return &core.R2Object{
			Key:          key,
			Size:         info.Size(),
			ContentType:  "application/octet-stream",
			LastModified: info.ModTime(),
		}, nil
	}
	return toObject(key, meta), nil
}

// allKeysLocked walks the bucket directory and returns all object keys
// sorted ascending.
func (r *R2) allKeysLocked() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking bucket %q: %w", r.bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// PresignedGetURL returns a time-limited download URL resolving to the
// dashboard's object route. Local buckets have no signing; expiry is
// advisory only.
func (r *R2) PresignedGetURL(key string, expiry time.Duration) (string, error) {
	r.mu.Lock()
	base := r.urlBase
	r.mu.Unlock()
	if base == "" {
		base = "http://localhost"
	}
	expires := time.Now().Add(expiry).Unix()
	return fmt.Sprintf("%s/__deck/api/r2/%s/object?key=%s&expires=%d",
		base, url.PathEscape(r.bucket), url.QueryEscape(key), expires), nil
}

// PublicURL returns a stable download URL for the object.
func (r *R2) PublicURL(key string) (string, error) {
	r.mu.Lock()
	base := r.urlBase
	r.mu.Unlock()
	if base == "" {
		base = "http://localhost"
	}
	return fmt.Sprintf("%s/__deck/api/r2/%s/object?key=%s",
		base, url.PathEscape(r.bucket), url.QueryEscape(key)), nil
}
