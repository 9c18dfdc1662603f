package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/service"
)

// HandleBatch drives the root job. The first delivery spawns the child jobs;
// every later delivery (child-completion notifications included) re-checks
// whether all children are terminal and, once they are, assembles and
// publishes the result. Both steps are idempotent, so duplicated or
// reordered deliveries are harmless.
func (im *Importer) HandleBatch(ctx context.Context, inv *service.Invocation) error {
	batch, err := im.imports.GetBatch(ctx, inv.Job.PayloadRef)
	if err != nil {
		return err
	}
	switch batch.State {
	case model.BatchStateEnqueued:
		if err := im.spawnChildren(ctx, inv.Job, batch); err != nil {
			return im.classify(err)
		}
		return im.classify(im.aggregate(ctx, inv.Job, batch))
	case model.BatchStateComplete:
		// Late notification after completion.
		return nil
	default:
		return fmt.Errorf("batch %s in state %d cannot run: %w", batch.ID, batch.State, appErr.ErrStateConflict)
	}
}

// spawnChildren creates one child job plus resource row per batch resource.
// The destination record is written in the same transaction as the child, so
// a retried delivery sees which resources are already covered and skips
// them.
func (im *Importer) spawnChildren(ctx context.Context, job *model.Job, batch *model.ImportBatch) error {
	for _, info := range batch.Resources {
		if _, ok := batch.DestinationFor(info.ExternalID); ok {
			continue
		}
		kind, err := info.ExternalID.Kind()
		if err != nil {
			return err
		}
		err = dbutil.WithTx(ctx, im.db, func(tx *sql.Tx) error {
			child, err := im.jobs.CreateAndEnqueueTx(ctx, tx, service.JobSpec{
				Type:        model.JobTypeChild,
				ParentJobID: job.ID,
				RootJobID:   job.RootJobID,
				Handler:     model.HandlerResourceImport,
				PayloadRef:  batch.ID,
				Identity:    model.Identity{OwnerID: job.OwnerID, ActorID: job.ActorID},
				Queue:       model.QueueImport,
				Policy:      model.DefaultRetryPolicy(),
				Note:        fmt.Sprintf("import %s", info.ExternalID),
			})
			if err != nil {
				return err
			}
			now := timeutil.NowUnix()
			res := &model.ImportResource{
				JobID:      child.ID,
				BatchID:    batch.ID,
				ExternalID: info.ExternalID,
				Kind:       kind,
				State:      model.ResourceStateEnqueued,
				Title:      info.Title,
				Ctime:      now,
				Mtime:      now,
			}
			if err := im.imports.CreateResourceTx(ctx, tx, res); err != nil {
				return err
			}
			batch.Destinations = append(batch.Destinations, model.Destination{
				ExternalID: info.ExternalID,
				ChildJobID: child.ID,
			})
			batch.Mtime = now
			return im.imports.SaveBatchIf(ctx, tx, batch, model.BatchStateEnqueued)
		})
		if err != nil {
			// A concurrent delivery of the same root task (expired lease)
			// already spawned this resource; the unique index on
			// (batch_id, external_id) rolls our duplicate back. The retry
			// re-reads the batch with the winner's destination recorded.
			if dbutil.IsConflict(err) {
				return appErr.Transient(err)
			}
			return err
		}
	}
	return nil
}

// aggregate finalizes the batch once every child is terminal: it fills the
// destinations with the imported module ids, publishes the collection when
// one was requested, and completes the root job. Children that stopped on
// error leave their leaves unresolved; the batch still completes.
func (im *Importer) aggregate(ctx context.Context, job *model.Job, batch *model.ImportBatch) error {
	children, err := im.jobs.ListChildren(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(children) < len(batch.Resources) {
		return nil
	}
	for i := range children {
		if !children[i].Terminal() {
			return nil
		}
	}
	resources, err := im.imports.ListResourcesByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	completed := make(map[string]*model.ImportResource, len(resources))
	failed := 0
	for i := range resources {
		res := &resources[i]
		if res.State == model.ResourceStateComplete {
			completed[res.ExternalID.String()] = res
		} else {
			failed++
		}
	}
	for i := range batch.Destinations {
		if res, ok := completed[batch.Destinations[i].ExternalID.String()]; ok {
			batch.Destinations[i].ModuleID = res.ModuleID
		}
	}
	if batch.WantsCollection() {
		if err := im.publishCollection(ctx, job, batch, completed); err != nil {
			return err
		}
	}
	batch.State = model.BatchStateComplete
	batch.Mtime = timeutil.NowUnix()
	if err := batch.Validate(); err != nil {
		return err
	}
	if err := im.imports.SaveBatchIf(ctx, im.db, batch, model.BatchStateEnqueued); err != nil {
		return err
	}
	if err := im.jobs.AppendLog(ctx, job.ID, fmt.Sprintf("batch finished: %d imported, %d failed", len(completed), failed)); err != nil {
		return err
	}
	if err := im.jobs.MarkCompleted(ctx, job.ID); err != nil && !errors.Is(err, appErr.ErrStateConflict) {
		return err
	}
	logutil.GetLogger(ctx).Info("batch complete",
		zap.String("batch_id", batch.ID), zap.Int("imported", len(completed)), zap.Int("failed", failed))
	return nil
}

// publishCollection resolves the batch tree against the imported modules and
// publishes it as the reserved collection version. The reserved collection
// and version are persisted on the batch before publishing, so a retry
// republishes the same version and lands on the idempotent equal-content
// branch.
func (im *Importer) publishCollection(ctx context.Context, job *model.Job, batch *model.ImportBatch, completed map[string]*model.ImportResource) error {
	if batch.CollectionID == "" {
		col, err := im.reservations.ReserveCollection(ctx, []string{job.OwnerID}, batch.CollectionTitle)
		if err != nil {
			return err
		}
		batch.CollectionID = col.ID
		batch.Mtime = timeutil.NowUnix()
		if err := im.imports.SaveBatchIf(ctx, im.db, batch, model.BatchStateEnqueued); err != nil {
			return err
		}
	}
	if batch.Tree == nil {
		// The default tree is built from the current latest version, so it
		// must be persisted before publishing: rebuilding it afterwards
		// would append the new leaves a second time.
		tree, err := im.defaultTree(ctx, batch)
		if err != nil {
			return err
		}
		resolveTree(tree, completed)
		batch.Tree = tree
		batch.Mtime = timeutil.NowUnix()
		if err := im.imports.SaveBatchIf(ctx, im.db, batch, model.BatchStateEnqueued); err != nil {
			return err
		}
	} else {
		resolveTree(batch.Tree, completed)
	}
	if batch.CollectionVersion == 0 {
		version, err := im.publish.ReserveCollectionVersion(ctx, batch.CollectionID)
		if err != nil {
			return err
		}
		batch.CollectionVersion = version
		batch.Mtime = timeutil.NowUnix()
		if err := im.imports.SaveBatchIf(ctx, im.db, batch, model.BatchStateEnqueued); err != nil {
			return err
		}
	}
	stopped, err := im.jobs.IsStopped(ctx, job.ID)
	if err != nil {
		return err
	}
	if stopped {
		return fmt.Errorf("job stopped before collection publish: %w", appErr.ErrStopped)
	}
	_, err = im.publish.PublishCollectionVersion(ctx, &model.CollectionVersion{
		CollectionID: batch.CollectionID,
		Version:      batch.CollectionVersion,
		Tree:         batch.Tree,
	})
	return err
}

// defaultTree builds the tree used when the batch did not supply one: for an
// existing collection the latest published tree with the new resources
// appended, otherwise a flat tree under the new collection's title.
func (im *Importer) defaultTree(ctx context.Context, batch *model.ImportBatch) (*model.TreeNode, error) {
	var root *model.TreeNode
	existing, err := im.publish.GetCollectionVersion(ctx, batch.CollectionID, model.VersionLatest)
	switch {
	case err == nil:
		root = existing.Tree
	case appErr.IsNotFound(err):
		title := batch.CollectionTitle
		if title == "" {
			title = "Imported"
		}
		root = &model.TreeNode{Title: title}
	default:
		return nil, err
	}
	for _, info := range batch.Resources {
		title := info.Title
		if title == "" {
			title = info.ExternalID.String()
		}
		root.Children = append(root.Children, &model.TreeNode{
			Title:      title,
			ExternalID: info.ExternalID.String(),
		})
	}
	return root, nil
}

// resolveTree swaps leaf ExternalIDs for the module ids their imports
// produced. Leaves of failed imports keep the ExternalID and no ModuleID.
func resolveTree(node *model.TreeNode, completed map[string]*model.ImportResource) {
	if node == nil {
		return
	}
	if node.IsLeaf() && node.ExternalID != "" {
		if res, ok := completed[node.ExternalID]; ok {
			node.ModuleID = res.ModuleID
			node.ExternalID = ""
		}
		return
	}
	for _, child := range node.Children {
		resolveTree(child, completed)
	}
}
