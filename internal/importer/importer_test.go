package importer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

func TestResolveTree(t *testing.T) {
	tree := &model.TreeNode{
		Title: "root",
		Children: []*model.TreeNode{
			{Title: "a", ExternalID: "doc:a"},
			{Title: "sub", Children: []*model.TreeNode{
				{Title: "b", ExternalID: "doc:b"},
				{Title: "c", ExternalID: "doc:c"},
			}},
		},
	}
	completed := map[string]*model.ImportResource{
		"doc:a": {ExternalID: "doc:a", ModuleID: "m-a"},
		"doc:c": {ExternalID: "doc:c", ModuleID: "m-c"},
	}
	resolveTree(tree, completed)

	leaves := tree.Leaves()
	require.Len(t, leaves, 3)
	require.Equal(t, "m-a", leaves[0].ModuleID)
	require.Empty(t, leaves[0].ExternalID)

	// doc:b failed: keeps its external id, no module.
	require.Empty(t, leaves[1].ModuleID)
	require.Equal(t, "doc:b", leaves[1].ExternalID)

	require.Equal(t, "m-c", leaves[2].ModuleID)

	// Resolving again is a no-op.
	resolveTree(tree, completed)
	require.Equal(t, "m-a", tree.Leaves()[0].ModuleID)
}

func TestValidateBatchTree(t *testing.T) {
	resources := []model.ResourceInfo{
		{ExternalID: "doc:a"},
		{ExternalID: "doc:b"},
	}
	ok := &model.TreeNode{Title: "root", Children: []*model.TreeNode{
		{Title: "a", ExternalID: "doc:a"},
		{Title: "b", ExternalID: "doc:b"},
	}}
	require.NoError(t, validateBatchTree(ok, resources))

	unknown := &model.TreeNode{Title: "root", Children: []*model.TreeNode{
		{Title: "x", ExternalID: "doc:x"},
	}}
	require.ErrorIs(t, validateBatchTree(unknown, resources), appErr.ErrInvalid)

	dup := &model.TreeNode{Title: "root", Children: []*model.TreeNode{
		{Title: "a", ExternalID: "doc:a"},
		{Title: "a again", ExternalID: "doc:a"},
	}}
	require.ErrorIs(t, validateBatchTree(dup, resources), appErr.ErrDuplicateLeaf)
}

func TestNormalizeContent(t *testing.T) {
	html, err := normalizeContent([]byte("# Title\n\nsome *emphasis* here"))
	require.NoError(t, err)
	require.Contains(t, html, "<h1>Title</h1>")
	require.Contains(t, html, "<em>emphasis</em>")

	// Same input, same output: published content must be reproducible.
	again, err := normalizeContent([]byte("# Title\n\nsome *emphasis* here"))
	require.NoError(t, err)
	require.Equal(t, html, again)
}

func TestStagingKey(t *testing.T) {
	require.Equal(t, "staging/job-1/content.html", stagingKey("job-1"))
}
