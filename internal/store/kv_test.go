package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustKV(t *testing.T) *KV {
	t.Helper()
	kv, err := OpenKV("")
	if err != nil {
		t.Fatalf("OpenKV: %v", err)
	}
	return kv
}

func TestKV_PutGet(t *testing.T) {
	kv := mustKV(t)
	if err := kv.Put("greeting", "hello", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := kv.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v == nil || *v != "hello" {
		t.Fatalf("got %v, want hello", v)
	}
}

func TestKV_GetMissing(t *testing.T) {
	kv := mustKV(t)
	v, err := kv.Get("absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil for missing key, got %q", *v)
	}
}

func TestKV_Metadata(t *testing.T) {
	kv := mustKV(t)
	meta := `{"owner":"tests"}`
	if err := kv.Put("k", "v", &meta, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := kv.GetWithMetadata("k")
	if err != nil {
		t.Fatalf("GetWithMetadata: %v", err)
	}
	if got == nil || got.Value != "v" {
		t.Fatalf("unexpected value: %+v", got)
	}
	if got.Metadata == nil || *got.Metadata != meta {
		t.Fatalf("unexpected metadata: %+v", got.Metadata)
	}
}

func TestKV_TTLExpiry(t *testing.T) {
	kv := mustKV(t)
	ttl := 1
	if err := kv.Put("ephemeral", "x", nil, &ttl); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	v, err := kv.Get("ephemeral")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Fatalf("expected expiry, got %q", *v)
	}
}

func TestKV_ValueSizeCap(t *testing.T) {
	kv := mustKV(t)
	big := strings.Repeat("a", 1<<20+1)
	if err := kv.Put("big", big, nil, nil); err == nil {
		t.Fatal("expected error for oversized value")
	}
}

func TestKV_Delete(t *testing.T) {
	kv := mustKV(t)
	if err := kv.Put("k", "v", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, _ := kv.Get("k")
	if v != nil {
		t.Fatal("key still present after delete")
	}
}

func TestKV_ListPrefixAndCursor(t *testing.T) {
	kv := mustKV(t)
	for _, k := range []string{"user:1", "user:2", "user:3", "session:1"} {
		if err := kv.Put(k, "v", nil, nil); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	res, err := kv.List("user:", 2, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(res.Keys))
	}
	if res.ListComplete {
		t.Fatal("expected more pages")
	}
	if res.Keys[0]["name"] != "user:1" || res.Keys[1]["name"] != "user:2" {
		t.Fatalf("unexpected page: %v", res.Keys)
	}

	res2, err := kv.List("user:", 2, res.Cursor)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(res2.Keys) != 1 || res2.Keys[0]["name"] != "user:3" {
		t.Fatalf("unexpected second page: %v", res2.Keys)
	}
	if !res2.ListComplete {
		t.Fatal("expected list to be complete")
	}
}

func TestKV_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.json")

	kv, err := OpenKV(path)
	if err != nil {
		t.Fatalf("OpenKV: %v", err)
	}
	meta := `{"n":1}`
	if err := kv.Put("persisted", "value", &meta, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := OpenKV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetWithMetadata("persisted")
	if err != nil {
		t.Fatalf("GetWithMetadata: %v", err)
	}
	if got == nil || got.Value != "value" {
		t.Fatalf("snapshot did not survive reopen: %+v", got)
	}
	if got.Metadata == nil || *got.Metadata != meta {
		t.Fatalf("metadata did not survive reopen: %+v", got.Metadata)
	}
}
