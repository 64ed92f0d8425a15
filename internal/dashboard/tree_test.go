package dashboard

import (
	"encoding/json"
	"testing"

	"github.com/cryguy/flaredeck/internal/core"
)

func TestBuildTree_Shape(t *testing.T) {
	objects := []core.R2Object{
		{Key: "zebra.txt", Size: 10},
		{Key: "img/2.png", Size: 2},
		{Key: "img/1.png", Size: 1},
		{Key: "img/thumbs/t.png", Size: 3},
		{Key: "a.txt", Size: 4},
	}

	tree := BuildTree(objects)
	if len(tree) != 3 {
		t.Fatalf("got %d root nodes, want 3", len(tree))
	}
	// Directories first, then files, each alphabetical.
	if !tree[0].Dir || tree[0].Name != "img" {
		t.Fatalf("first node = %+v, want img dir", tree[0])
	}
	if tree[1].Name != "a.txt" || tree[2].Name != "zebra.txt" {
		t.Fatalf("unexpected file order: %s, %s", tree[1].Name, tree[2].Name)
	}

	img := tree[0]
	if len(img.Children) != 3 {
		t.Fatalf("img has %d children, want 3", len(img.Children))
	}
	if !img.Children[0].Dir || img.Children[0].Name != "thumbs" {
		t.Fatalf("unexpected img children: %+v", img.Children[0])
	}
	if img.Children[1].Name != "1.png" || img.Children[1].Size != 1 {
		t.Fatalf("unexpected file node: %+v", img.Children[1])
	}
	if img.Children[1].Path != "img/1.png" {
		t.Fatalf("path = %q, want img/1.png", img.Children[1].Path)
	}
}

func TestBuildTree_Deterministic(t *testing.T) {
	a := []core.R2Object{{Key: "x/a"}, {Key: "y/b"}, {Key: "x/c"}}
	b := []core.R2Object{{Key: "x/c"}, {Key: "x/a"}, {Key: "y/b"}}

	ja, _ := json.Marshal(BuildTree(a))
	jb, _ := json.Marshal(BuildTree(b))
	if string(ja) != string(jb) {
		t.Fatalf("tree output depends on input order:\n%s\n%s", ja, jb)
	}
}

func TestBuildTree_ObjectAlsoPrefix(t *testing.T) {
	// "a" is both an object key and the prefix of deeper keys. The node
	// renders as a directory so its children participate in sorting.
	objects := []core.R2Object{
		{Key: "a", Size: 9},
		{Key: "a/z", Size: 1},
		{Key: "a/sub/x", Size: 2},
		{Key: "a/b", Size: 3},
	}
	tree := BuildTree(objects)
	if len(tree) != 1 {
		t.Fatalf("got %d root nodes, want 1", len(tree))
	}
	a := tree[0]
	if !a.Dir || a.Size != 0 {
		t.Fatalf("node a = %+v, want promoted dir", a)
	}
	if len(a.Children) != 3 {
		t.Fatalf("a has %d children, want 3", len(a.Children))
	}
	if !a.Children[0].Dir || a.Children[0].Name != "sub" {
		t.Fatalf("first child = %+v, want sub dir", a.Children[0])
	}
	if a.Children[1].Name != "b" || a.Children[2].Name != "z" {
		t.Fatalf("unexpected file order: %s, %s", a.Children[1].Name, a.Children[2].Name)
	}
}

func TestBuildTree_EmptySegments(t *testing.T) {
	tree := BuildTree([]core.R2Object{{Key: "a//b", Size: 1}})
	if len(tree) != 1 || tree[0].Name != "a" {
		t.Fatalf("unexpected tree: %+v", tree)
	}
	if len(tree[0].Children) != 1 || tree[0].Children[0].Name != "b" {
		t.Fatalf("empty segment not collapsed: %+v", tree[0].Children)
	}
}

func TestBuildTree_Empty(t *testing.T) {
	if tree := BuildTree(nil); len(tree) != 0 {
		t.Fatalf("expected empty tree, got %+v", tree)
	}
}
