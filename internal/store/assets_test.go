package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryguy/flaredeck/internal/core"
)

func assetsFixture(t *testing.T) *Assets {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.html":      "<h1>home</h1>",
		"about.html":      "<h1>about</h1>",
		"css/style.css":   "body{}",
		"docs/index.html": "<h1>docs</h1>",
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	a, err := OpenAssets(dir)
	if err != nil {
		t.Fatalf("OpenAssets: %v", err)
	}
	return a
}

func fetchAsset(t *testing.T, a *Assets, method, url string) *core.WorkerResponse {
	t.Helper()
	resp, err := a.Fetch(&core.WorkerRequest{Method: method, URL: url})
	if err != nil {
		t.Fatalf("Fetch %s: %v", url, err)
	}
	return resp
}

func TestAssets_Fetch(t *testing.T) {
	a := assetsFixture(t)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
		wantType   string
	}{
		{"/", 200, "<h1>home</h1>", "text/html"},
		{"/about", 200, "<h1>about</h1>", "text/html"},
		{"/about.html", 200, "<h1>about</h1>", "text/html"},
		{"/css/style.css", 200, "body{}", "text/css"},
		{"/docs/", 200, "<h1>docs</h1>", "text/html"},
		{"/missing", 404, "", ""},
		{"/../../etc/passwd", 404, "", ""},
	}
	for _, tt := range tests {
		resp := fetchAsset(t, a, "GET", "http://example.com"+tt.path)
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
			continue
		}
		if tt.wantStatus != 200 {
			continue
		}
		if string(resp.Body) != tt.wantBody {
			t.Errorf("%s: body = %q, want %q", tt.path, resp.Body, tt.wantBody)
		}
		if !strings.HasPrefix(resp.Headers["Content-Type"], tt.wantType) {
			t.Errorf("%s: content type = %q, want prefix %q", tt.path, resp.Headers["Content-Type"], tt.wantType)
		}
	}
}

func TestAssets_HeadOmitsBody(t *testing.T) {
	a := assetsFixture(t)
	resp := fetchAsset(t, a, "HEAD", "http://example.com/index.html")
	if resp.StatusCode != 200 || resp.Body != nil {
		t.Fatalf("unexpected HEAD response: %+v", resp)
	}
	if resp.Headers["Content-Length"] == "" {
		t.Fatal("HEAD response missing Content-Length")
	}
}

func TestAssets_MethodNotAllowed(t *testing.T) {
	a := assetsFixture(t)
	resp := fetchAsset(t, a, "POST", "http://example.com/index.html")
	if resp.StatusCode != 405 {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestOpenAssets_MissingDir(t *testing.T) {
	if _, err := OpenAssets(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
