// Package models contains the tree types returned by read operations.
package models

// Node is a file or folder in a tree snapshot. Folders carry their children
// in display order; files never have children.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	IsDir    bool    `json:"is_dir"`
	Children []*Node `json:"children,omitempty"`
}

// ChildPath constructs a child virtual path from parent + name.
func ChildPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// CountNodes counts all nodes in a forest, descendants included.
func CountNodes(nodes []*Node) int {
	count := 0
	for _, n := range nodes {
		if n == nil {
			continue
		}
		count += 1 + CountNodes(n.Children)
	}
	return count
}
