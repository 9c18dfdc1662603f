package importer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/filestore"
	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/service"
)

// Importer owns the batch lifecycle and the two queue handlers that drive
// it: one per resource (child jobs) and one per batch (the root job).
type Importer struct {
	cfg          config.ImportConfig
	db           *sql.DB
	store        filestore.Store
	fetcher      Fetcher
	reservations *service.ReservationService
	publish      *service.PublishService
	jobs         *service.JobService
	imports      *repo.ImportRepo
}

func New(cfg config.ImportConfig, db *sql.DB, store filestore.Store, fetcher Fetcher,
	reservations *service.ReservationService, publish *service.PublishService,
	jobs *service.JobService, imports *repo.ImportRepo) *Importer {
	return &Importer{
		cfg:          cfg,
		db:           db,
		store:        store,
		fetcher:      fetcher,
		reservations: reservations,
		publish:      publish,
		jobs:         jobs,
		imports:      imports,
	}
}

// RegisterHandlers binds the import handlers into the job dispatch table.
func (im *Importer) RegisterHandlers() error {
	if err := im.jobs.RegisterHandler(model.HandlerBatchImport, im.HandleBatch); err != nil {
		return err
	}
	return im.jobs.RegisterHandler(model.HandlerResourceImport, im.HandleResource)
}

// CreateBatch opens a new batch in BUILDING state. Exactly one of
// collectionID (append to an existing collection) and collectionTitle
// (create a new one) may be set; with neither, the batch imports standalone
// modules.
func (im *Importer) CreateBatch(ctx context.Context, identity model.Identity, collectionID, collectionTitle string) (*model.ImportBatch, error) {
	if collectionID != "" && collectionTitle != "" {
		return nil, appErr.ErrInvalid
	}
	now := timeutil.NowUnix()
	batch := &model.ImportBatch{
		ID:              newBatchID(),
		OwnerID:         identity.OwnerID,
		ActorID:         identity.ActorID,
		State:           model.BatchStateBuilding,
		CollectionID:    collectionID,
		CollectionTitle: collectionTitle,
		Ctime:           now,
		Mtime:           now,
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := im.imports.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// AddResources appends resources to a BUILDING batch. ExternalIDs already in
// the batch are skipped, and every id must parse to a supported kind.
func (im *Importer) AddResources(ctx context.Context, batchID string, resources []model.ResourceInfo) (*model.ImportBatch, error) {
	batch, err := im.imports.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.State != model.BatchStateBuilding {
		return nil, appErr.ErrStateConflict
	}
	seen := make(map[model.ExternalID]bool, len(batch.Resources))
	for _, r := range batch.Resources {
		seen[r.ExternalID] = true
	}
	for _, r := range resources {
		if _, err := r.ExternalID.Kind(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ExternalID, err)
		}
		if seen[r.ExternalID] {
			continue
		}
		seen[r.ExternalID] = true
		batch.Resources = append(batch.Resources, r)
	}
	if len(batch.Resources) > im.cfg.MaxBatchResources {
		return nil, fmt.Errorf("batch exceeds %d resources: %w", im.cfg.MaxBatchResources, appErr.ErrInvalid)
	}
	batch.Mtime = timeutil.NowUnix()
	if err := im.imports.SaveBatchIf(ctx, im.db, batch, model.BatchStateBuilding); err != nil {
		return nil, err
	}
	return batch, nil
}

// ConfirmBatch seals the batch and creates its root job, atomically with the
// state move to ENQUEUED. Confirming an already-confirmed batch returns it
// unchanged. The optional tree describes the target collection structure;
// its leaves reference batch resources by ExternalID.
func (im *Importer) ConfirmBatch(ctx context.Context, batchID string, tree *model.TreeNode) (*model.ImportBatch, error) {
	batch, err := im.imports.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.State != model.BatchStateBuilding {
		return batch, nil
	}
	if len(batch.Resources) == 0 {
		return nil, appErr.ErrEmptyBatch
	}
	if tree != nil {
		if !batch.WantsCollection() {
			return nil, appErr.ErrInvalid
		}
		if err := validateBatchTree(tree, batch.Resources); err != nil {
			return nil, err
		}
		batch.Tree = tree
	}
	batch.State = model.BatchStateEnqueued
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	err = dbutil.WithTx(ctx, im.db, func(tx *sql.Tx) error {
		job, err := im.jobs.CreateAndEnqueueTx(ctx, tx, service.JobSpec{
			Type:       model.JobTypeRoot,
			Handler:    model.HandlerBatchImport,
			PayloadRef: batch.ID,
			Identity:   model.Identity{OwnerID: batch.OwnerID, ActorID: batch.ActorID},
			Queue:      model.QueueImport,
			Policy:     model.DefaultRetryPolicy(),
			Note:       fmt.Sprintf("batch %s confirmed with %d resources", batch.ID, len(batch.Resources)),
		})
		if err != nil {
			return err
		}
		batch.JobID = job.ID
		batch.Mtime = timeutil.NowUnix()
		return im.imports.SaveBatchIf(ctx, tx, batch, model.BatchStateBuilding)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// BatchStatus is the aggregate view exposed over the API.
type BatchStatus struct {
	Batch     *model.ImportBatch     `json:"batch"`
	Job       *model.Job             `json:"job,omitempty"`
	Resources []model.ImportResource `json:"resources"`
}

func (im *Importer) Status(ctx context.Context, batchID string) (*BatchStatus, error) {
	batch, err := im.imports.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	status := &BatchStatus{Batch: batch}
	if batch.JobID != "" {
		job, err := im.jobs.Get(ctx, batch.JobID)
		if err != nil {
			return nil, err
		}
		status.Job = job
	}
	resources, err := im.imports.ListResourcesByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	status.Resources = resources
	return status, nil
}

// validateBatchTree checks that every leaf references a batch resource and
// no resource is referenced twice.
func validateBatchTree(tree *model.TreeNode, resources []model.ResourceInfo) error {
	known := make(map[string]bool, len(resources))
	for _, r := range resources {
		known[r.ExternalID.String()] = true
	}
	seen := make(map[string]bool)
	for _, leaf := range tree.Leaves() {
		if leaf.ExternalID == "" {
			continue
		}
		if !known[leaf.ExternalID] {
			return fmt.Errorf("tree references unknown resource %s: %w", leaf.ExternalID, appErr.ErrInvalid)
		}
		if seen[leaf.ExternalID] {
			return fmt.Errorf("tree references %s twice: %w", leaf.ExternalID, appErr.ErrDuplicateLeaf)
		}
		seen[leaf.ExternalID] = true
	}
	return nil
}
