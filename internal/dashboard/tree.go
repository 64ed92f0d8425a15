package dashboard

import (
	"sort"
	"strings"

	"github.com/cryguy/flaredeck/internal/core"
)

// TreeNode is one entry in the R2 file tree. Dir nodes carry children;
// file nodes carry the object size.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Dir      bool        `json:"dir"`
	Size     int64       `json:"size,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// BuildTree folds flat slash-separated object keys into a directory tree.
// Children are ordered directories first, then files, each alphabetically,
// so equal inputs always produce equal trees.
func BuildTree(objects []core.R2Object) []*TreeNode {
	root := &TreeNode{Dir: true}
	index := map[string]*TreeNode{"": root}

	for _, obj := range objects {
		segments := strings.Split(obj.Key, "/")
		parentPath := ""
		for i, seg := range segments {
			if seg == "" {
				continue
			}
			isLeaf := i == len(segments)-1
			nodePath := seg
			if parentPath != "" {
				nodePath = parentPath + "/" + seg
			}
			node, ok := index[nodePath]
			if !ok {
				node = &TreeNode{Name: seg, Path: nodePath, Dir: !isLeaf}
				index[nodePath] = node
				parent := index[parentPath]
				parent.Children = append(parent.Children, node)
			}
			if !isLeaf && !node.Dir {
				// A key that is both an object and a prefix of deeper
				// keys renders as a directory.
				node.Dir = true
				node.Size = 0
			}
			if isLeaf && !node.Dir {
				node.Size = obj.Size
			}
			parentPath = nodePath
		}
	}

	sortTree(root)
	return root.Children
}

func sortTree(node *TreeNode) {
	sort.SliceStable(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if a.Dir != b.Dir {
			return a.Dir
		}
		return a.Name < b.Name
	})
	for _, child := range node.Children {
		if child.Dir {
			sortTree(child)
		}
	}
}
