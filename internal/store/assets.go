package store

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cryguy/flaredeck/internal/core"
)

// Assets serves static files from a project directory for
// env.ASSETS.fetch(). Lookups follow the platform's static conventions:
// a trailing slash or bare directory resolves to index.html, and missing
// extensions try ".html" before giving up.
type Assets struct {
	dir string
}

var _ core.AssetsFetcher = (*Assets)(nil)

// OpenAssets validates the assets directory and returns a fetcher.
func OpenAssets(dir string) (*Assets, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("assets directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("assets path %q is not a directory", dir)
	}
	return &Assets{dir: dir}, nil
}

// Dir returns the directory being served.
func (a *Assets) Dir() string { return a.dir }

// resolve maps a request path to a file inside the assets directory,
// rejecting escapes.
func (a *Assets) resolve(reqPath string) (string, bool) {
	cleaned := path.Clean("/" + reqPath)
	full := filepath.Join(a.dir, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(a.dir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
	}
	if err != nil && path.Ext(cleaned) == "" {
		full = full + ".html"
		info, err = os.Stat(full)
	}
	if err != nil || info.IsDir() {
		return "", false
	}
	return full, true
}

// Fetch serves the asset named by the request URL's path. Unknown paths
// return 404; non-GET/HEAD methods return 405.
func (a *Assets) Fetch(req *core.WorkerRequest) (*core.WorkerResponse, error) {
	method := strings.ToUpper(req.Method)
	if method != "GET" && method != "HEAD" && method != "" {
		return &core.WorkerResponse{
			StatusCode: 405,
			Headers:    map[string]string{"Allow": "GET, HEAD"},
			Body:       []byte("Method Not Allowed"),
		}, nil
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing asset URL: %w", err)
	}

	full, ok := a.resolve(u.Path)
	if !ok {
		return &core.WorkerResponse{
			StatusCode: 404,
			Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
			Body:       []byte("Not Found"),
		}, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading asset %q: %w", u.Path, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(full))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp := &core.WorkerResponse{
		StatusCode: 200,
		Headers: map[string]string{
			"Content-Type":   contentType,
			"Content-Length": fmt.Sprintf("%d", len(data)),
		},
		Body: data,
	}
	if method == "HEAD" {
		resp.Body = nil
	}
	return resp, nil
}
