package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/service"
	"github.com/lecternhq/lectern/test/testutil"
)

func newPublishService(t *testing.T) (*service.PublishService, *service.ReservationService, func()) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	publish := service.NewPublishService(db,
		repo.NewModuleRepo(db),
		repo.NewModuleVersionRepo(db),
		repo.NewCollectionRepo(db),
		repo.NewCollectionVersionRepo(db))
	reservations, err := service.NewReservationService(repo.NewModuleRepo(db), repo.NewCollectionRepo(db))
	require.NoError(t, err)
	return publish, reservations, cleanup
}

func TestModulePublishProtocol(t *testing.T) {
	publish, reservations, cleanup := newPublishService(t)
	defer cleanup()

	ctx := context.Background()
	externalID := model.ExternalID("doc:" + testutil.NewID())
	module, err := reservations.ReserveModule(ctx, externalID, []string{"owner-1"}, "first title")
	require.NoError(t, err)
	require.Equal(t, model.ModuleStateReserved, module.State)

	// Reserving the same ExternalID returns the same module.
	same, err := reservations.ReserveModule(ctx, externalID, []string{"owner-1"}, "other title")
	require.NoError(t, err)
	require.Equal(t, module.ID, same.ID)

	// No published version yet: latest resolves to nothing.
	_, err = publish.GetModuleVersion(ctx, module.ID, model.VersionLatest)
	require.ErrorIs(t, err, appErr.ErrNotFound)

	version, changed, err := publish.ReserveModuleVersion(ctx, module.ID, 100)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, version)

	v1 := &model.ModuleVersion{
		ModuleID:     module.ID,
		Version:      version,
		Title:        "first title",
		Content:      "<p>hello</p>",
		Etag:         "etag-1",
		LastEditTime: 100,
	}
	published, err := publish.PublishModuleVersion(ctx, v1, []service.PublishResource{
		{ResourceID: "img-1", LocationRef: "files/img-1.png", ContentType: "image/png"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, published.Version)

	// Identical republish is an idempotent no-op.
	again, err := publish.PublishModuleVersion(ctx, &model.ModuleVersion{
		ModuleID:     module.ID,
		Version:      1,
		Title:        "first title",
		Content:      "<p>hello</p>",
		Etag:         "etag-1",
		LastEditTime: 100,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, again.Version)

	// Differing content for a published version never lands.
	_, err = publish.PublishModuleVersion(ctx, &model.ModuleVersion{
		ModuleID: module.ID,
		Version:  1,
		Title:    "first title",
		Content:  "<p>tampered</p>",
	}, nil)
	require.ErrorIs(t, err, appErr.ErrMutabilityViolation)

	latest, err := publish.GetModuleVersion(ctx, module.ID, model.VersionLatest)
	require.NoError(t, err)
	require.Equal(t, 1, latest.Version)
	require.Equal(t, "<p>hello</p>", latest.Content)

	fetched, err := publish.GetModule(ctx, module.ID)
	require.NoError(t, err)
	require.Equal(t, model.ModuleStatePublished, fetched.State)
	require.Equal(t, 1, fetched.LatestVersion)

	// Unchanged source short-circuits the next reservation.
	version, changed, err = publish.ReserveModuleVersion(ctx, module.ID, 100)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, version)

	// A newer edit reserves a fresh version.
	version, changed, err = publish.ReserveModuleVersion(ctx, module.ID, 200)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, version)
}

func TestModulePublishOutOfOrder(t *testing.T) {
	publish, reservations, cleanup := newPublishService(t)
	defer cleanup()

	ctx := context.Background()
	externalID := model.ExternalID("doc:" + testutil.NewID())
	module, err := reservations.ReserveModule(ctx, externalID, []string{"owner-1"}, "doc")
	require.NoError(t, err)

	v1, _, err := publish.ReserveModuleVersion(ctx, module.ID, 100)
	require.NoError(t, err)
	v2, _, err := publish.ReserveModuleVersion(ctx, module.ID, 200)
	require.NoError(t, err)
	require.Equal(t, 1, v1)
	require.Equal(t, 2, v2)

	_, err = publish.PublishModuleVersion(ctx, &model.ModuleVersion{
		ModuleID:     module.ID,
		Version:      v2,
		Title:        "newer title",
		Content:      "<p>newer</p>",
		Etag:         "etag-2",
		LastEditTime: 200,
	}, nil)
	require.NoError(t, err)

	// A late publish of the older reserved version must not move the latest
	// pointer back or overwrite the denormalized fields with stale values.
	_, err = publish.PublishModuleVersion(ctx, &model.ModuleVersion{
		ModuleID:     module.ID,
		Version:      v1,
		Title:        "older title",
		Content:      "<p>older</p>",
		Etag:         "etag-1",
		LastEditTime: 100,
	}, nil)
	require.NoError(t, err)

	fetched, err := publish.GetModule(ctx, module.ID)
	require.NoError(t, err)
	require.Equal(t, 2, fetched.LatestVersion)
	require.Equal(t, "newer title", fetched.Title)
	require.Equal(t, "etag-2", fetched.Etag)
	require.Equal(t, int64(200), fetched.LastEditTime)

	latest, err := publish.GetModuleVersion(ctx, module.ID, model.VersionLatest)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	// Both version rows exist and are intact.
	older, err := publish.GetModuleVersion(ctx, module.ID, v1)
	require.NoError(t, err)
	require.Equal(t, "<p>older</p>", older.Content)
}

func TestCollectionPublishProtocol(t *testing.T) {
	publish, reservations, cleanup := newPublishService(t)
	defer cleanup()

	ctx := context.Background()
	col, err := reservations.ReserveCollection(ctx, []string{"owner-1"}, "my collection")
	require.NoError(t, err)

	_, err = reservations.ReserveCollection(ctx, []string{"owner-1"}, "  ")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	version, err := publish.ReserveCollectionVersion(ctx, col.ID)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	tree := &model.TreeNode{Title: "root", Children: []*model.TreeNode{
		{Title: "a", ModuleID: "m-a"},
		{Title: "b", ModuleID: "m-b"},
	}}
	_, err = publish.PublishCollectionVersion(ctx, &model.CollectionVersion{
		CollectionID: col.ID,
		Version:      version,
		Tree:         tree,
	})
	require.NoError(t, err)

	// Duplicate module in the tree is rejected before anything is written.
	badTree := &model.TreeNode{Title: "root", Children: []*model.TreeNode{
		{Title: "a", ModuleID: "m-a"},
		{Title: "a again", ModuleID: "m-a"},
	}}
	_, err = publish.PublishCollectionVersion(ctx, &model.CollectionVersion{
		CollectionID: col.ID,
		Version:      2,
		Tree:         badTree,
	})
	require.ErrorIs(t, err, appErr.ErrDuplicateLeaf)

	// Idempotent equal-content republish, same policy as modules.
	_, err = publish.PublishCollectionVersion(ctx, &model.CollectionVersion{
		CollectionID: col.ID,
		Version:      version,
		Tree:         tree,
	})
	require.NoError(t, err)

	// Differing tree for the same version is a mutability violation.
	otherTree := &model.TreeNode{Title: "root", Children: []*model.TreeNode{
		{Title: "a", ModuleID: "m-a"},
	}}
	_, err = publish.PublishCollectionVersion(ctx, &model.CollectionVersion{
		CollectionID: col.ID,
		Version:      version,
		Tree:         otherTree,
	})
	require.ErrorIs(t, err, appErr.ErrMutabilityViolation)

	latest, err := publish.GetCollectionVersion(ctx, col.ID, model.VersionLatest)
	require.NoError(t, err)
	require.Equal(t, version, latest.Version)
	require.True(t, tree.Equal(latest.Tree))
}
