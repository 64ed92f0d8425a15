package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "flaredeck") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestInitCmd_Scaffolds(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCommand(t, "init", dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, name := range []string{"wrangler.toml", filepath.Join("src", "index.js")} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	// A second init must refuse to clobber the project.
	if _, err := runCommand(t, "init", dir); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}

func TestConfigCmd(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCommand(t, "init", dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, err := runCommand(t, "config", dir)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, `"my-worker"`) || !strings.Contains(out, `"src/index.js"`) {
		t.Fatalf("unexpected config output: %q", out)
	}
}

func TestConfigCmd_NoConfig(t *testing.T) {
	if _, err := runCommand(t, "config", t.TempDir()); err == nil {
		t.Fatal("expected error for missing config")
	}
}
