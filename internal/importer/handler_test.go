package importer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/filestore"
	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/search"
	"github.com/lecternhq/lectern/internal/service"
	"github.com/lecternhq/lectern/test/testutil"
)

// fakeFetcher serves scripted resources: content keyed by ExternalID, an
// optional resolve failure, and a per-archive countdown of not-ready polls
// before the export becomes available.
type fakeFetcher struct {
	mu        sync.Mutex
	meta      map[model.ExternalID]*ResourceMeta
	content   map[model.ExternalID]string
	pollsLeft map[string]int
	failing   map[model.ExternalID]error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		meta:      make(map[model.ExternalID]*ResourceMeta),
		content:   make(map[model.ExternalID]string),
		pollsLeft: make(map[string]int),
		failing:   make(map[model.ExternalID]error),
	}
}

func (f *fakeFetcher) add(id model.ExternalID, meta *ResourceMeta, content string, notReadyPolls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[id] = meta
	f.content[id] = content
	f.pollsLeft["arch-"+id.SourceRef()] = notReadyPolls
}

func (f *fakeFetcher) fail(id model.ExternalID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = err
}

func (f *fakeFetcher) Resolve(ctx context.Context, id model.ExternalID) (*ResourceMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[id]; ok {
		return nil, err
	}
	meta, ok := f.meta[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return meta, nil
}

func (f *fakeFetcher) RequestArchive(ctx context.Context, id model.ExternalID) (string, error) {
	return "arch-" + id.SourceRef(), nil
}

func (f *fakeFetcher) PollArchive(ctx context.Context, archiveID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollsLeft[archiveID] > 0 {
		f.pollsLeft[archiveID]--
		return false, nil
	}
	return true, nil
}

func (f *fakeFetcher) DownloadArchive(ctx context.Context, archiveID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, content := range f.content {
		if "arch-"+id.SourceRef() == archiveID {
			return io.NopCloser(strings.NewReader(content)), nil
		}
	}
	return nil, appErr.ErrNotFound
}

// TestBatchImportEndToEnd runs a confirmed batch through the real dispatcher:
// one resource imports immediately, one needs two archive polls, and one
// fails permanently at resolve. The batch must still complete, publish a
// collection whose failed leaf stays unresolved, and index the published
// modules.
func TestBatchImportEndToEnd(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	store, err := filestore.New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)

	moduleRepo := repo.NewModuleRepo(db)
	collectionRepo := repo.NewCollectionRepo(db)
	taskRepo := repo.NewTaskRepo(db)
	importRepo := repo.NewImportRepo(db)

	publish := service.NewPublishService(db, moduleRepo,
		repo.NewModuleVersionRepo(db), collectionRepo, repo.NewCollectionVersionRepo(db))
	reservations, err := service.NewReservationService(moduleRepo, collectionRepo)
	require.NoError(t, err)
	jobs := service.NewJobService(db, repo.NewJobRepo(db), taskRepo)

	run := testutil.NewID()
	fast := model.ExternalID("doc:fast-" + run)
	slow := model.ExternalID("doc:slow-" + run)
	bad := model.ExternalID("doc:bad-" + run)

	fetcher := newFakeFetcher()
	fetcher.add(fast, &ResourceMeta{Title: "guide " + run, Etag: "e-fast", LastEditTime: 100}, "# Fast\n\nfast body", 0)
	fetcher.add(slow, &ResourceMeta{Title: "slow doc", Etag: "e-slow", LastEditTime: 200}, "# Slow\n\nslow body", 2)
	fetcher.fail(bad, fmt.Errorf("source gone: %w", appErr.ErrNotFound))

	im := New(config.ImportConfig{
		MaxBatchResources: 10,
		MaxArchivePolls:   5,
		ArchivePollDelay:  0,
	}, db, store, fetcher, reservations, publish, jobs, importRepo)
	require.NoError(t, im.RegisterHandlers())

	indexer := search.NewIndexer(repo.NewFTSRepo(db), moduleRepo, publish)
	require.NoError(t, indexer.Register(jobs))

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := queue.NewDispatcher(taskRepo, jobs, config.QueueConfig{
		Workers:          2,
		PollIntervalMS:   25,
		LeaseSeconds:     30,
		InvokeTimeoutSec: 30,
	})
	dispatcher.Start(ctx)
	defer func() {
		cancel()
		dispatcher.Wait()
	}()

	identity := model.Identity{OwnerID: "owner-" + run, ActorID: "actor-" + run}
	batch, err := im.CreateBatch(ctx, identity, "", "Imported Docs")
	require.NoError(t, err)
	_, err = im.AddResources(ctx, batch.ID, []model.ResourceInfo{
		{ExternalID: fast, Title: "fast"},
		{ExternalID: slow, Title: "slow"},
		{ExternalID: bad, Title: "bad"},
	})
	require.NoError(t, err)
	confirmed, err := im.ConfirmBatch(ctx, batch.ID, nil)
	require.NoError(t, err)
	require.Equal(t, model.BatchStateEnqueued, confirmed.State)
	require.NotEmpty(t, confirmed.JobID)

	require.Eventually(t, func() bool {
		current, err := importRepo.GetBatch(ctx, batch.ID)
		return err == nil && current.State == model.BatchStateComplete
	}, 30*time.Second, 100*time.Millisecond, "batch never completed")

	status, err := im.Status(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchStateComplete, status.Batch.State)
	require.Equal(t, model.JobStateCompletedSuccessfully, status.Job.State)
	require.NotEmpty(t, status.Batch.CollectionID)
	require.Equal(t, 1, status.Batch.CollectionVersion)

	// Two destinations resolved to modules, the failed one stays open.
	require.Len(t, status.Batch.Destinations, 3)
	resolved := make(map[string]string, 2)
	for _, d := range status.Batch.Destinations {
		if d.ModuleID != "" {
			resolved[d.ExternalID.String()] = d.ModuleID
		}
	}
	require.Len(t, resolved, 2)
	require.Contains(t, resolved, fast.String())
	require.Contains(t, resolved, slow.String())

	require.Len(t, status.Resources, 3)
	for i := range status.Resources {
		res := &status.Resources[i]
		switch res.ExternalID {
		case fast:
			require.Equal(t, model.ResourceStateComplete, res.State)
			require.Equal(t, 1, res.Version)
		case slow:
			require.Equal(t, model.ResourceStateComplete, res.State)
			require.Equal(t, 2, res.Polls)
		case bad:
			// Never got past resolve.
			require.Equal(t, model.ResourceStateEnqueued, res.State)
			require.Empty(t, res.ModuleID)
		}
	}

	// Children: two succeeded, the failed resolve stopped its job.
	children, err := jobs.ListChildren(ctx, status.Job.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	succeeded, stopped := 0, 0
	for i := range children {
		switch children[i].State {
		case model.JobStateCompletedSuccessfully:
			succeeded++
		case model.JobStateStoppedByError:
			stopped++
		}
	}
	require.Equal(t, 2, succeeded)
	require.Equal(t, 1, stopped)

	// The published collection carries the default tree; the failed leaf
	// keeps its external id.
	colVersion, err := publish.GetCollectionVersion(ctx, status.Batch.CollectionID, model.VersionLatest)
	require.NoError(t, err)
	require.Equal(t, 1, colVersion.Version)
	require.Equal(t, "Imported Docs", colVersion.Tree.Title)
	leaves := colVersion.Tree.Leaves()
	require.Len(t, leaves, 3)
	unresolvedLeaves := 0
	for _, leaf := range leaves {
		if leaf.ExternalID != "" {
			unresolvedLeaves++
			require.Equal(t, bad.String(), leaf.ExternalID)
			require.Empty(t, leaf.ModuleID)
		} else {
			require.NotEmpty(t, leaf.ModuleID)
		}
	}
	require.Equal(t, 1, unresolvedLeaves)

	// The staged markdown was normalized and published.
	version, err := publish.GetModuleVersion(ctx, resolved[fast.String()], model.VersionLatest)
	require.NoError(t, err)
	require.Contains(t, version.Content, "<h1>Fast</h1>")

	// Indexing rides its own queue and may finish after the batch does.
	require.Eventually(t, func() bool {
		results, err := indexer.Search(ctx, run, 10)
		if err != nil {
			return false
		}
		for _, r := range results {
			if r.ModuleID == resolved[fast.String()] {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond, "published module never indexed")
}

// TestBatchImportUnchangedSourceSkips covers the resolve short-circuit: a
// re-import whose source did not change since the last publish completes
// without requesting an archive.
func TestBatchImportUnchangedSourceSkips(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	store, err := filestore.New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)

	moduleRepo := repo.NewModuleRepo(db)
	collectionRepo := repo.NewCollectionRepo(db)
	publish := service.NewPublishService(db, moduleRepo,
		repo.NewModuleVersionRepo(db), collectionRepo, repo.NewCollectionVersionRepo(db))
	reservations, err := service.NewReservationService(moduleRepo, collectionRepo)
	require.NoError(t, err)
	taskRepo := repo.NewTaskRepo(db)
	jobs := service.NewJobService(db, repo.NewJobRepo(db), taskRepo)

	run := testutil.NewID()
	docID := model.ExternalID("doc:same-" + run)

	// First publish lands directly, as a finished earlier import would.
	module, err := reservations.ReserveModule(context.Background(), docID, []string{"owner-" + run}, "same doc")
	require.NoError(t, err)
	v, changed, err := publish.ReserveModuleVersion(context.Background(), module.ID, 300)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = publish.PublishModuleVersion(context.Background(), &model.ModuleVersion{
		ModuleID:     module.ID,
		Version:      v,
		Title:        "same doc",
		Content:      "<p>same</p>",
		LastEditTime: 300,
	}, nil)
	require.NoError(t, err)

	fetcher := newFakeFetcher()
	fetcher.add(docID, &ResourceMeta{Title: "same doc", LastEditTime: 300}, "unused", 0)

	im := New(config.ImportConfig{MaxBatchResources: 10, MaxArchivePolls: 5}, db, store, fetcher,
		reservations, publish, jobs, repo.NewImportRepo(db))
	require.NoError(t, im.RegisterHandlers())

	// Drive the single child by hand; the dispatcher adds nothing here.
	queueName := "q-" + testutil.NewID()
	child, err := jobs.CreateAndEnqueue(context.Background(), service.JobSpec{
		Type:     model.JobTypeRoot,
		Handler:  model.HandlerResourceImport,
		Identity: model.Identity{OwnerID: "owner-" + run, ActorID: "actor-" + run},
		Queue:    queueName,
		Policy:   model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	res := &model.ImportResource{
		JobID:      child.ID,
		BatchID:    testutil.NewID(),
		ExternalID: docID,
		Kind:       model.KindDocument,
		State:      model.ResourceStateEnqueued,
		Ctime:      child.Ctime,
		Mtime:      child.Ctime,
	}
	require.NoError(t, repo.NewImportRepo(db).CreateResourceTx(context.Background(), db, res))

	leased, err := taskRepo.Lease(context.Background(), []string{queueName}, timeutil.NowUnix(), 120, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, jobs.OnJobInvoked(context.Background(), &leased[0]))

	fetched, err := repo.NewImportRepo(db).GetResource(context.Background(), child.ID)
	require.NoError(t, err)
	require.Equal(t, model.ResourceStateComplete, fetched.State)
	require.Equal(t, module.ID, fetched.ModuleID)
	require.Equal(t, v, fetched.Version)
	require.Empty(t, fetched.ArchiveID)

	done, err := jobs.Get(context.Background(), child.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStateCompletedSuccessfully, done.State)
}
