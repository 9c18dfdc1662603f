package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/service"
	"github.com/lecternhq/lectern/test/testutil"
)

func TestJobServiceCreateAndInvoke(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	tasks := repo.NewTaskRepo(db)
	jobs := service.NewJobService(db, repo.NewJobRepo(db), tasks)

	invoked := 0
	require.NoError(t, jobs.RegisterHandler(model.HandlerBatchImport, func(ctx context.Context, inv *service.Invocation) error {
		invoked++
		require.Equal(t, model.JobStateRunning, inv.Job.State)
		return nil
	}))
	// Duplicate registration is a programming error.
	err := jobs.RegisterHandler(model.HandlerBatchImport, func(ctx context.Context, inv *service.Invocation) error { return nil })
	require.ErrorIs(t, err, appErr.ErrConflict)

	queue := "q-" + testutil.NewID()
	job, err := jobs.CreateAndEnqueue(context.Background(), service.JobSpec{
		Type:     model.JobTypeRoot,
		Handler:  model.HandlerBatchImport,
		Identity: model.Identity{OwnerID: "owner-1", ActorID: "actor-1"},
		Queue:    queue,
		Policy:   model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	require.Equal(t, model.JobStatePreStart, job.State)
	require.Equal(t, job.ID, job.RootJobID)

	// The first task was booked in the same transaction.
	leased, err := tasks.Lease(context.Background(), []string{queue}, timeutil.NowUnix(), 120, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, job.ID, leased[0].JobID)
	require.Equal(t, model.HandlerBatchImport, leased[0].Handler)

	require.NoError(t, jobs.OnJobInvoked(context.Background(), &leased[0]))
	require.Equal(t, 1, invoked)

	fetched, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStateRunning, fetched.State)

	require.NoError(t, jobs.MarkCompleted(context.Background(), job.ID))

	// Re-invoking a terminal job is a no-op.
	require.NoError(t, jobs.OnJobInvoked(context.Background(), &leased[0]))
	require.Equal(t, 1, invoked)

	logs, err := jobs.Logs(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.Equal(t, "job created", logs[0].Note)
}

func TestJobServiceIndexTaskRunsAfterCompletion(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	tasks := repo.NewTaskRepo(db)
	jobs := service.NewJobService(db, repo.NewJobRepo(db), tasks)

	indexed := 0
	require.NoError(t, jobs.RegisterHandler(model.HandlerBatchImport, func(ctx context.Context, inv *service.Invocation) error {
		return nil
	}))
	require.NoError(t, jobs.RegisterHandler(model.HandlerSearchIndex, func(ctx context.Context, inv *service.Invocation) error {
		indexed++
		return nil
	}))

	queue := "q-" + testutil.NewID()
	job, err := jobs.CreateAndEnqueue(context.Background(), service.JobSpec{
		Type:     model.JobTypeRoot,
		Handler:  model.HandlerBatchImport,
		Identity: model.Identity{OwnerID: "owner-1", ActorID: "actor-1"},
		Queue:    queue,
		Policy:   model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)

	leased, err := tasks.Lease(context.Background(), []string{queue}, timeutil.NowUnix(), 120, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, jobs.OnJobInvoked(context.Background(), &leased[0]))

	// The publishing job books its index task and then completes. The index
	// task still runs: it is side work, not a resumption of the job.
	require.NoError(t, jobs.EnqueueIndexTask(context.Background(), job, "m-"+testutil.NewID()))
	require.NoError(t, jobs.MarkCompleted(context.Background(), job.ID))

	idxTask := &model.Task{
		ID:      testutil.NewID(),
		Queue:   model.QueueIndex,
		JobID:   job.ID,
		Handler: model.HandlerSearchIndex,
		Payload: "m-" + testutil.NewID(),
	}
	require.NoError(t, jobs.OnJobInvoked(context.Background(), idxTask))
	require.Equal(t, 1, indexed)

	// The job itself stays terminal and untouched.
	fetched, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStateCompletedSuccessfully, fetched.State)
}

func TestJobServiceStopAndErrorStates(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	jobs := service.NewJobService(db, repo.NewJobRepo(db), repo.NewTaskRepo(db))
	queue := "q-" + testutil.NewID()
	job, err := jobs.CreateAndEnqueue(context.Background(), service.JobSpec{
		Type:     model.JobTypeRoot,
		Handler:  model.HandlerResourceImport,
		Identity: model.Identity{OwnerID: "owner-1", ActorID: "actor-1"},
		Queue:    queue,
		Policy:   model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)

	require.NoError(t, jobs.Stop(context.Background(), job.ID, "operator request"))
	stopped, err := jobs.IsStopped(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, stopped)

	// Stopping a terminal job conflicts.
	require.ErrorIs(t, jobs.Stop(context.Background(), job.ID, ""), appErr.ErrStateConflict)

	// A terminal job cannot be stopped by error either; the call is a no-op.
	require.NoError(t, jobs.MarkStoppedByError(context.Background(), job.ID, errors.New("late failure")))
	fetched, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStateStoppedByRequest, fetched.State)
}

func TestJobServiceChildNotification(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	tasks := repo.NewTaskRepo(db)
	jobs := service.NewJobService(db, repo.NewJobRepo(db), tasks)

	queue := "q-" + testutil.NewID()
	parent, err := jobs.CreateAndEnqueue(context.Background(), service.JobSpec{
		Type:     model.JobTypeRoot,
		Handler:  model.HandlerBatchImport,
		Identity: model.Identity{OwnerID: "owner-1", ActorID: "actor-1"},
		Queue:    queue,
		Policy:   model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)

	child, err := jobs.CreateAndEnqueue(context.Background(), service.JobSpec{
		Type:        model.JobTypeChild,
		ParentJobID: parent.ID,
		RootJobID:   parent.ID,
		Handler:     model.HandlerResourceImport,
		Identity:    model.Identity{OwnerID: "owner-1", ActorID: "actor-1"},
		Queue:       queue,
		Policy:      model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)

	children, err := jobs.ListChildren(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, child.ID, children[0].ID)

	require.NoError(t, jobs.NotifyChildCompletion(context.Background(), parent.ID, child.ID))

	// The notification rides the notify queue, carries the child id and
	// dispatches to the parent's handler.
	booked, err := tasks.ListByJob(context.Background(), parent.ID)
	require.NoError(t, err)
	var found bool
	for _, task := range booked {
		if task.Queue == model.QueueNotify && task.Payload == child.ID {
			require.Equal(t, model.HandlerBatchImport, task.Handler)
			found = true
		}
	}
	require.True(t, found)
}
