package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/test/testutil"
)

func TestImportRepoResourceCAS(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	imports := repo.NewImportRepo(db)
	now := timeutil.NowUnix()
	res := &model.ImportResource{
		JobID:      testutil.NewID(),
		BatchID:    testutil.NewID(),
		ExternalID: "doc:abc",
		Kind:       model.KindDocument,
		State:      model.ResourceStateEnqueued,
		Title:      "title",
		Ctime:      now,
		Mtime:      now,
	}
	require.NoError(t, imports.CreateResourceTx(context.Background(), db, res))

	res.ArchiveID = "arch-1"
	res.State = model.ResourceStateWaitingForArchive
	res.Mtime = timeutil.NowUnix()
	require.NoError(t, imports.SaveResourceIf(context.Background(), db, res, model.ResourceStateEnqueued))

	// Stale precondition loses.
	res.State = model.ResourceStateArchiveDownloaded
	err := imports.SaveResourceIf(context.Background(), db, res, model.ResourceStateEnqueued)
	require.ErrorIs(t, err, appErr.ErrStateConflict)

	fetched, err := imports.GetResource(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, model.ResourceStateWaitingForArchive, fetched.State)
	require.Equal(t, "arch-1", fetched.ArchiveID)
	require.Equal(t, model.KindDocument, fetched.Kind)
}

func TestImportRepoDuplicateResourceRejected(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	imports := repo.NewImportRepo(db)
	now := timeutil.NowUnix()
	batchID := testutil.NewID()
	first := &model.ImportResource{
		JobID:      testutil.NewID(),
		BatchID:    batchID,
		ExternalID: "doc:dup",
		Kind:       model.KindDocument,
		State:      model.ResourceStateEnqueued,
		Ctime:      now,
		Mtime:      now,
	}
	require.NoError(t, imports.CreateResourceTx(context.Background(), db, first))

	// A second child row for the same batch resource loses on the unique
	// index, so two deliveries of the same root task cannot both spawn.
	second := &model.ImportResource{
		JobID:      testutil.NewID(),
		BatchID:    batchID,
		ExternalID: "doc:dup",
		Kind:       model.KindDocument,
		State:      model.ResourceStateEnqueued,
		Ctime:      now,
		Mtime:      now,
	}
	err := imports.CreateResourceTx(context.Background(), db, second)
	require.Error(t, err)
	require.True(t, dbutil.IsConflict(err))
}

func TestImportRepoBatchRoundtrip(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	imports := repo.NewImportRepo(db)
	now := timeutil.NowUnix()
	batch := &model.ImportBatch{
		ID:              testutil.NewID(),
		OwnerID:         "owner-1",
		ActorID:         "actor-1",
		State:           model.BatchStateBuilding,
		CollectionTitle: "my import",
		Resources: []model.ResourceInfo{
			{ExternalID: "doc:1", Title: "one"},
			{ExternalID: "doc:2", Title: "two"},
		},
		Ctime: now,
		Mtime: now,
	}
	require.NoError(t, imports.CreateBatch(context.Background(), batch))

	batch.State = model.BatchStateEnqueued
	batch.JobID = testutil.NewID()
	batch.CollectionVersion = 2
	batch.Destinations = []model.Destination{{ExternalID: "doc:1", ModuleID: "m-1", ChildJobID: "j-1"}}
	batch.Tree = &model.TreeNode{Title: "root", Children: []*model.TreeNode{{Title: "one", ModuleID: "m-1"}}}
	batch.Mtime = timeutil.NowUnix()
	require.NoError(t, imports.SaveBatchIf(context.Background(), db, batch, model.BatchStateBuilding))

	fetched, err := imports.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchStateEnqueued, fetched.State)
	require.Equal(t, batch.JobID, fetched.JobID)
	require.Equal(t, 2, fetched.CollectionVersion)
	require.Len(t, fetched.Resources, 2)
	require.Len(t, fetched.Destinations, 1)
	require.NotNil(t, fetched.Tree)
	require.True(t, batch.Tree.Equal(fetched.Tree))

	// Confirming twice loses the CAS.
	err = imports.SaveBatchIf(context.Background(), db, batch, model.BatchStateBuilding)
	require.ErrorIs(t, err, appErr.ErrStateConflict)
}

func TestImportRepoRetention(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	imports := repo.NewImportRepo(db)
	old := timeutil.NowUnix() - 3600
	batch := &model.ImportBatch{
		ID:      testutil.NewID(),
		OwnerID: "owner-1",
		ActorID: "actor-1",
		State:   model.BatchStateComplete,
		Ctime:   old,
		Mtime:   old,
	}
	require.NoError(t, imports.CreateBatch(context.Background(), batch))
	res := &model.ImportResource{
		JobID:      testutil.NewID(),
		BatchID:    batch.ID,
		ExternalID: "doc:old",
		Kind:       model.KindDocument,
		State:      model.ResourceStateComplete,
		ModuleID:   "m-old",
		Version:    1,
		Ctime:      old,
		Mtime:      old,
	}
	require.NoError(t, imports.CreateResourceTx(context.Background(), db, res))

	_, err := imports.DeleteFinishedBefore(context.Background(), timeutil.NowUnix())
	require.NoError(t, err)

	_, err = imports.GetBatch(context.Background(), batch.ID)
	require.ErrorIs(t, err, appErr.ErrNotFound)
	_, err = imports.GetResource(context.Background(), res.JobID)
	require.ErrorIs(t, err, appErr.ErrNotFound)
}
