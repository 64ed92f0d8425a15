package flaredeck

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// noUnenv points unenv resolution at an empty directory so bundling tests
// never try to download polyfills.
func noUnenv(t *testing.T) {
	t.Helper()
	ResetUnenvCache()
	t.Setenv("FLAREDECK_UNENV_PATH", t.TempDir())
	t.Cleanup(ResetUnenvCache)
}

func writeWorkerFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBundleWorker_NoImportsPassthrough(t *testing.T) {
	noUnenv(t)
	dir := t.TempDir()
	source := `export default { fetch() { return new Response("plain"); } };`
	writeWorkerFile(t, dir, "src/index.js", source)

	out, err := BundleWorker(dir, "src/index.js")
	if err != nil {
		t.Fatalf("BundleWorker: %v", err)
	}
	if out != source {
		t.Errorf("import-free source should pass through unchanged:\n%s", out)
	}
}

func TestBundleWorker_MissingEntry(t *testing.T) {
	noUnenv(t)
	_, err := BundleWorker(t.TempDir(), "src/index.js")
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
	if !strings.Contains(err.Error(), "src/index.js") {
		t.Errorf("error should name the entry: %v", err)
	}
}

func TestBundleWorker_LocalImports(t *testing.T) {
	noUnenv(t)
	dir := t.TempDir()
	writeWorkerFile(t, dir, "src/greet.js", `export function greet() { return "ahoy from lib"; }`)
	writeWorkerFile(t, dir, "src/index.js", `import { greet } from "./greet.js";
export default { fetch() { return new Response(greet()); } };`)

	out, err := BundleWorker(dir, "src/index.js")
	if err != nil {
		t.Fatalf("BundleWorker: %v", err)
	}
	if !strings.Contains(out, "ahoy from lib") {
		t.Errorf("bundled output missing imported code:\n%s", out)
	}
	if strings.Contains(out, `from "./greet.js"`) {
		t.Errorf("import statement survived bundling:\n%s", out)
	}
}

func TestBundleWorker_BrokenImport(t *testing.T) {
	noUnenv(t)
	dir := t.TempDir()
	writeWorkerFile(t, dir, "src/index.js", `import { gone } from "./missing.js";
export default { fetch() { return new Response(gone()); } };`)

	if _, err := BundleWorker(dir, "src/index.js"); err == nil {
		t.Fatal("expected error for unresolvable import")
	}
}

func TestNeedsBundling(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{"plain", `export default { fetch() {} };`, false},
		{"esm import", `import x from "./x.js";`, true},
		{"dynamic import", `const m = await import("./m.js");`, true},
		{"node builtin", `import { createHash } from "node:crypto";`, true},
		{"require", `const fs = require("fs");`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsBundling(tt.source); got != tt.want {
				t.Errorf("needsBundling = %v, want %v", got, tt.want)
			}
		})
	}
}
