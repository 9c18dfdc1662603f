package model

import (
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

const (
	CollectionStateReserved  = 1
	CollectionStatePublished = 2
)

type Collection struct {
	ID              string   `json:"id"`
	State           int      `json:"state"`
	Title           string   `json:"title"`
	Owners          []string `json:"owners"`
	ReservedVersion int      `json:"reserved_version"`
	LatestVersion   int      `json:"latest_version"`
	Ctime           int64    `json:"ctime"`
	Mtime           int64    `json:"mtime"`
}

type CollectionVersion struct {
	CollectionID string    `json:"collection_id"`
	Version      int       `json:"version"`
	Tree         *TreeNode `json:"tree"`
	Ctime        int64     `json:"ctime"`
}

func (v *CollectionVersion) Equal(other *CollectionVersion) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.CollectionID == other.CollectionID &&
		v.Version == other.Version &&
		v.Tree.Equal(other.Tree)
}

// TreeNode is one node of a collection tree. An intermediate node carries a
// title and children; a leaf carries a title plus either a resolved ModuleID
// or, before resolution, the ExternalID it was built from. A leaf whose
// import permanently failed keeps its ExternalID and an empty ModuleID so
// callers can tell it apart.
type TreeNode struct {
	Title      string      `json:"title"`
	ModuleID   string      `json:"module_id,omitempty"`
	ExternalID string      `json:"external_id,omitempty"`
	Children   []*TreeNode `json:"children,omitempty"`
}

func (n *TreeNode) IsLeaf() bool {
	return n != nil && len(n.Children) == 0
}

func (n *TreeNode) Equal(other *TreeNode) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Title != other.Title || n.ModuleID != other.ModuleID || n.ExternalID != other.ExternalID {
		return false
	}
	if len(n.Children) != len(other.Children) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// Leaves returns the tree's leaves in reading order.
func (n *TreeNode) Leaves() []*TreeNode {
	if n == nil {
		return nil
	}
	if n.IsLeaf() {
		return []*TreeNode{n}
	}
	var leaves []*TreeNode
	for _, child := range n.Children {
		leaves = append(leaves, child.Leaves()...)
	}
	return leaves
}

// ValidateTree enforces the collection-tree invariants before publish:
// a non-nil root and no ModuleID appearing more than once.
func ValidateTree(root *TreeNode) error {
	if root == nil {
		return appErr.ErrInvalid
	}
	seen := make(map[string]bool)
	for _, leaf := range root.Leaves() {
		if leaf.ModuleID == "" {
			continue
		}
		if seen[leaf.ModuleID] {
			return appErr.ErrDuplicateLeaf
		}
		seen[leaf.ModuleID] = true
	}
	return nil
}
