package model_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

func sampleTree() *model.TreeNode {
	return &model.TreeNode{
		Title: "root",
		Children: []*model.TreeNode{
			{Title: "chapter 1", Children: []*model.TreeNode{
				{Title: "a", ModuleID: "m-a"},
				{Title: "b", ModuleID: "m-b"},
			}},
			{Title: "c", ModuleID: "m-c"},
		},
	}
}

func TestTreeLeavesOrder(t *testing.T) {
	leaves := sampleTree().Leaves()
	require.Len(t, leaves, 3)
	require.Equal(t, "m-a", leaves[0].ModuleID)
	require.Equal(t, "m-b", leaves[1].ModuleID)
	require.Equal(t, "m-c", leaves[2].ModuleID)
}

func TestValidateTree(t *testing.T) {
	require.NoError(t, model.ValidateTree(sampleTree()))
	require.ErrorIs(t, model.ValidateTree(nil), appErr.ErrInvalid)

	dup := sampleTree()
	dup.Children[1].ModuleID = "m-a"
	require.ErrorIs(t, model.ValidateTree(dup), appErr.ErrDuplicateLeaf)

	// Unresolved leaves (failed imports) are allowed.
	partial := sampleTree()
	partial.Children[1].ModuleID = ""
	partial.Children[1].ExternalID = "doc:failed"
	require.NoError(t, model.ValidateTree(partial))
}

func TestTreeNodeEqual(t *testing.T) {
	a := sampleTree()
	b := sampleTree()
	require.True(t, a.Equal(b))

	b.Children[0].Children[1].Title = "b2"
	require.False(t, a.Equal(b))

	require.False(t, a.Equal(nil))
	var nilNode *model.TreeNode
	require.True(t, nilNode.Equal(nil))
}
