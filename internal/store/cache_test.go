package store

import (
	"testing"
	"time"
)

func TestCache_PutMatch(t *testing.T) {
	c := NewCache()
	headers := `{"content-type":"text/plain","cache-control":"max-age=60"}`
	if err := c.Put("default", "http://x/a", 200, headers, []byte("body"), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, err := c.Match("default", "http://x/a")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if entry == nil || entry.Status != 200 || string(entry.Body) != "body" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	miss, err := c.Match("default", "http://x/other")
	if err != nil || miss != nil {
		t.Fatalf("expected miss, got (%v, %v)", miss, err)
	}
}

func TestCache_NamesIsolated(t *testing.T) {
	c := NewCache()
	if err := c.Put("default", "http://x/a", 200, "", []byte("a"), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := c.Match("other", "http://x/a")
	if err != nil || entry != nil {
		t.Fatalf("expected miss in other cache, got (%v, %v)", entry, err)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache()
	ttl := 1
	if err := c.Put("default", "http://x/ttl", 200, "", []byte("x"), &ttl); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	entry, err := c.Match("default", "http://x/ttl")
	if err != nil || entry != nil {
		t.Fatalf("expected expiry, got (%v, %v)", entry, err)
	}
}

func TestCache_Delete(t *testing.T) {
	c := NewCache()
	if err := c.Put("default", "http://x/a", 200, "", nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := c.Delete("default", "http://x/a")
	if err != nil || !ok {
		t.Fatalf("Delete existing = (%v, %v)", ok, err)
	}
	ok, err = c.Delete("default", "http://x/a")
	if err != nil || ok {
		t.Fatalf("Delete missing = (%v, %v)", ok, err)
	}
}

func TestMaxAgeFromHeaders(t *testing.T) {
	tests := []struct {
		headers string
		want    int
		ok      bool
	}{
		{`{"cache-control":"max-age=120"}`, 120, true},
		{`{"Cache-Control":"public, MAX-AGE=7"}`, 7, true},
		{`{"cache-control":"no-store"}`, 0, false},
		{"", 0, false},
		{`{"cache-control":"max-age="}`, 0, false},
	}
	for _, tt := range tests {
		got, ok := maxAgeFromHeaders(tt.headers)
		if got != tt.want || ok != tt.ok {
			t.Errorf("maxAgeFromHeaders(%q) = (%d, %v), want (%d, %v)", tt.headers, got, ok, tt.want, tt.ok)
		}
	}
}
