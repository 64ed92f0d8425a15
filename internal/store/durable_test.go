package store

import (
	"testing"
)

func mustDurable(t *testing.T) *Durable {
	t.Helper()
	d, err := OpenDurable("", "COUNTER")
	if err != nil {
		t.Fatalf("OpenDurable: %v", err)
	}
	return d
}

func TestDurable_PutGet(t *testing.T) {
	d := mustDurable(t)
	if err := d.Put("COUNTER", "obj-1", "value", "42"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := d.Get("COUNTER", "obj-1", "value")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "42" {
		t.Fatalf("got %q, want 42", v)
	}
	// Other object ids stay isolated.
	other, _ := d.Get("COUNTER", "obj-2", "value")
	if other != "" {
		t.Fatalf("cross-object leak: %q", other)
	}
}

func TestDurable_Multi(t *testing.T) {
	d := mustDurable(t)
	if err := d.PutMulti("COUNTER", "o", map[string]string{"a": "1", "b": "2", "c": "3"}); err != nil {
		t.Fatalf("PutMulti: %v", err)
	}
	got, err := d.GetMulti("COUNTER", "o", []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(got) != 2 || got["a"] != "1" || got["c"] != "3" {
		t.Fatalf("unexpected multi get: %v", got)
	}
	deleted, err := d.DeleteMulti("COUNTER", "o", []string{"a", "missing"})
	if err != nil {
		t.Fatalf("DeleteMulti: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d, want 1", deleted)
	}
}

func TestDurable_List(t *testing.T) {
	d := mustDurable(t)
	entries := map[string]string{"k1": "a", "k2": "b", "k3": "c", "other": "d"}
	if err := d.PutMulti("COUNTER", "o", entries); err != nil {
		t.Fatalf("PutMulti: %v", err)
	}

	pairs, err := d.List("COUNTER", "o", "k", 0, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pairs) != 3 || pairs[0].Key != "k1" || pairs[2].Key != "k3" {
		t.Fatalf("unexpected list: %+v", pairs)
	}

	rev, err := d.List("COUNTER", "o", "k", 2, true)
	if err != nil {
		t.Fatalf("List reverse: %v", err)
	}
	if len(rev) != 2 || rev[0].Key != "k3" || rev[1].Key != "k2" {
		t.Fatalf("unexpected reverse list: %+v", rev)
	}
}

func TestDurable_DeleteAll(t *testing.T) {
	d := mustDurable(t)
	if err := d.Put("COUNTER", "o", "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.DeleteAll("COUNTER", "o"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	pairs, err := d.List("COUNTER", "o", "", 0, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("storage not empty after DeleteAll: %+v", pairs)
	}
}

func TestDurable_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	d, err := OpenDurable(dir, "ROOM")
	if err != nil {
		t.Fatalf("OpenDurable: %v", err)
	}
	if err := d.Put("ROOM", "lobby", "topic", `"welcome"`); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := OpenDurable(dir, "ROOM")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, err := reopened.Get("ROOM", "lobby", "topic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != `"welcome"` {
		t.Fatalf("snapshot did not survive reopen: %q", v)
	}
}
