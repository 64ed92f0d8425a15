package store

import (
	"strings"
	"testing"

	"github.com/cryguy/flaredeck/internal/core"
)

func mustR2(t *testing.T) *R2 {
	t.Helper()
	r2, err := OpenR2(t.TempDir(), "media")
	if err != nil {
		t.Fatalf("OpenR2: %v", err)
	}
	return r2
}

func TestR2_PutGetRoundTrip(t *testing.T) {
	r2 := mustR2(t)

	put, err := r2.Put("docs/readme.txt", []byte("hello"), core.R2PutOptions{
		ContentType:    "text/plain",
		CustomMetadata: map[string]string{"source": "test"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// md5("hello")
	if put.ETag != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected etag %q", put.ETag)
	}

	data, obj, err := r2.Get("docs/readme.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got body %q", data)
	}
	if obj.ContentType != "text/plain" || obj.Size != 5 {
		t.Fatalf("unexpected metadata: %+v", obj)
	}
	if obj.CustomMetadata["source"] != "test" {
		t.Fatalf("custom metadata lost: %+v", obj.CustomMetadata)
	}
}

func TestR2_GetMissing(t *testing.T) {
	r2 := mustR2(t)
	data, obj, err := r2.Get("nope")
	if err != nil || data != nil || obj != nil {
		t.Fatalf("expected (nil, nil, nil), got (%v, %v, %v)", data, obj, err)
	}
}

func TestR2_KeyValidation(t *testing.T) {
	r2 := mustR2(t)
	for _, key := range []string{"", "../escape", "a/../../b", "/rooted", "win\\path", "x" + metaSuffix} {
		if _, err := r2.Put(key, []byte("x"), core.R2PutOptions{}); err == nil {
			t.Errorf("key %q: expected rejection", key)
		}
	}
}

func TestR2_HeadWithoutBody(t *testing.T) {
	r2 := mustR2(t)
	if _, err := r2.Put("a.bin", []byte{1, 2, 3}, core.R2PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, err := r2.Head("a.bin")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if obj == nil || obj.Size != 3 || obj.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected head: %+v", obj)
	}

	missing, err := r2.Head("other")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing object, got (%v, %v)", missing, err)
	}
}

func TestR2_ListPrefixDelimiter(t *testing.T) {
	r2 := mustR2(t)
	for _, key := range []string{"a.txt", "img/1.png", "img/2.png", "img/thumbs/1.png"} {
		if _, err := r2.Put(key, []byte("x"), core.R2PutOptions{}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	res, err := r2.List(core.R2ListOptions{Delimiter: "/"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "a.txt" {
		t.Fatalf("unexpected root objects: %+v", res.Objects)
	}
	if len(res.DelimitedPrefixes) != 1 || res.DelimitedPrefixes[0] != "img/" {
		t.Fatalf("unexpected prefixes: %v", res.DelimitedPrefixes)
	}

	res, err = r2.List(core.R2ListOptions{Prefix: "img/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("List img/: %v", err)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("got %d objects under img/, want 2", len(res.Objects))
	}
	if len(res.DelimitedPrefixes) != 1 || res.DelimitedPrefixes[0] != "img/thumbs/" {
		t.Fatalf("unexpected nested prefixes: %v", res.DelimitedPrefixes)
	}
}

func TestR2_ListCursor(t *testing.T) {
	r2 := mustR2(t)
	for _, key := range []string{"k1", "k2", "k3"} {
		if _, err := r2.Put(key, []byte("x"), core.R2PutOptions{}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	page1, err := r2.List(core.R2ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page1.Objects) != 2 || !page1.Truncated || page1.Cursor == "" {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	page2, err := r2.List(core.R2ListOptions{Limit: 2, Cursor: page1.Cursor})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2.Objects) != 1 || page2.Objects[0].Key != "k3" || page2.Truncated {
		t.Fatalf("unexpected second page: %+v", page2)
	}
}

func TestR2_Delete(t *testing.T) {
	r2 := mustR2(t)
	if _, err := r2.Put("dir/sub/file", []byte("x"), core.R2PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r2.Delete([]string{"dir/sub/file", "never-existed"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	obj, _ := r2.Head("dir/sub/file")
	if obj != nil {
		t.Fatal("object still present after delete")
	}
	res, err := r2.List(core.R2ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("bucket not empty: %+v", res.Objects)
	}
}

func TestR2_URLs(t *testing.T) {
	r2 := mustR2(t)
	r2.SetURLBase("http://127.0.0.1:8787/")

	pub, err := r2.PublicURL("img/cat.png")
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	if !strings.HasPrefix(pub, "http://127.0.0.1:8787/__deck/api/r2/media/object?key=img%2Fcat.png") {
		t.Fatalf("unexpected public URL %q", pub)
	}

	signed, err := r2.PresignedGetURL("img/cat.png", 0)
	if err != nil {
		t.Fatalf("PresignedGetURL: %v", err)
	}
	if !strings.Contains(signed, "expires=") {
		t.Fatalf("presigned URL missing expiry: %q", signed)
	}
}
