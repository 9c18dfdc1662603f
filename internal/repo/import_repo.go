package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/didi/gendry/builder"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

// ImportRepo persists the two import contexts: per-resource rows (one per
// child job) and per-batch rows (one per root job).
type ImportRepo struct {
	db *sql.DB
}

func NewImportRepo(db *sql.DB) *ImportRepo {
	return &ImportRepo{db: db}
}

const resourceColumns = "job_id, batch_id, external_id, kind, state, title, archive_id, staged_ref, module_id, version, etag, last_edit_time, polls, last_error, ctime, mtime"

func scanResource(scan func(dest ...interface{}) error) (*model.ImportResource, error) {
	var res model.ImportResource
	var externalID string
	var kind int
	if err := scan(&res.JobID, &res.BatchID, &externalID, &kind, &res.State, &res.Title, &res.ArchiveID, &res.StagedRef, &res.ModuleID, &res.Version, &res.Etag, &res.LastEditTime, &res.Polls, &res.LastError, &res.Ctime, &res.Mtime); err != nil {
		return nil, err
	}
	res.ExternalID = model.ExternalID(externalID)
	res.Kind = model.ModuleKind(kind)
	return &res, nil
}

func (r *ImportRepo) CreateResourceTx(ctx context.Context, q dbutil.Queryer, res *model.ImportResource) error {
	data := map[string]interface{}{
		"job_id":         res.JobID,
		"batch_id":       res.BatchID,
		"external_id":    res.ExternalID.String(),
		"kind":           int(res.Kind),
		"state":          res.State,
		"title":          res.Title,
		"archive_id":     res.ArchiveID,
		"staged_ref":     res.StagedRef,
		"module_id":      res.ModuleID,
		"version":        res.Version,
		"etag":           res.Etag,
		"last_edit_time": res.LastEditTime,
		"polls":          res.Polls,
		"last_error":     res.LastError,
		"ctime":          res.Ctime,
		"mtime":          res.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("import_resources", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = q.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *ImportRepo) GetResource(ctx context.Context, jobID string) (*model.ImportResource, error) {
	const query = `SELECT ` + resourceColumns + ` FROM import_resources WHERE job_id = $1`
	row := r.db.QueryRowContext(ctx, query, jobID)
	res, err := scanResource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	return res, err
}

// SaveResourceIf writes the resource's mutable fields with the previous
// state as the CAS precondition. A lost race surfaces as ErrStateConflict
// instead of a silent overwrite.
func (r *ImportRepo) SaveResourceIf(ctx context.Context, q dbutil.Queryer, res *model.ImportResource, fromState int) error {
	const query = `
		UPDATE import_resources
		SET state = $1,
			title = $2,
			archive_id = $3,
			staged_ref = $4,
			module_id = $5,
			version = $6,
			etag = $7,
			last_edit_time = $8,
			polls = $9,
			last_error = $10,
			mtime = $11
		WHERE job_id = $12 AND state = $13
	`
	result, err := q.ExecContext(ctx, query,
		res.State, res.Title, res.ArchiveID, res.StagedRef, res.ModuleID, res.Version,
		res.Etag, res.LastEditTime, res.Polls, res.LastError, res.Mtime,
		res.JobID, fromState)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrStateConflict
	}
	return nil
}

func (r *ImportRepo) ListResourcesByBatch(ctx context.Context, batchID string) ([]model.ImportResource, error) {
	const query = `SELECT ` + resourceColumns + ` FROM import_resources WHERE batch_id = $1 ORDER BY ctime ASC, job_id ASC`
	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	resources := make([]model.ImportResource, 0)
	for rows.Next() {
		res, err := scanResource(rows.Scan)
		if err != nil {
			return nil, err
		}
		resources = append(resources, *res)
	}
	return resources, rows.Err()
}

func (r *ImportRepo) CreateBatch(ctx context.Context, batch *model.ImportBatch) error {
	resourcesJSON, err := json.Marshal(batch.Resources)
	if err != nil {
		return err
	}
	destinationsJSON, err := json.Marshal(batch.Destinations)
	if err != nil {
		return err
	}
	treeJSON := []byte("")
	if batch.Tree != nil {
		treeJSON, err = json.Marshal(batch.Tree)
		if err != nil {
			return err
		}
	}
	data := map[string]interface{}{
		"id":                 batch.ID,
		"job_id":             batch.JobID,
		"owner_id":           batch.OwnerID,
		"actor_id":           batch.ActorID,
		"state":              batch.State,
		"collection_id":      batch.CollectionID,
		"collection_title":   batch.CollectionTitle,
		"collection_version": batch.CollectionVersion,
		"resources_json":     string(resourcesJSON),
		"destinations_json":  string(destinationsJSON),
		"tree_json":          string(treeJSON),
		"ctime":              batch.Ctime,
		"mtime":              batch.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("import_batches", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *ImportRepo) GetBatch(ctx context.Context, batchID string) (*model.ImportBatch, error) {
	const query = `
		SELECT id, job_id, owner_id, actor_id, state, collection_id, collection_title,
			collection_version, resources_json, destinations_json, tree_json, ctime, mtime
		FROM import_batches
		WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, batchID)
	var b model.ImportBatch
	var resourcesJSON, destinationsJSON, treeJSON string
	if err := row.Scan(&b.ID, &b.JobID, &b.OwnerID, &b.ActorID, &b.State, &b.CollectionID, &b.CollectionTitle,
		&b.CollectionVersion, &resourcesJSON, &destinationsJSON, &treeJSON, &b.Ctime, &b.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	if resourcesJSON != "" {
		_ = json.Unmarshal([]byte(resourcesJSON), &b.Resources)
	}
	if destinationsJSON != "" {
		_ = json.Unmarshal([]byte(destinationsJSON), &b.Destinations)
	}
	if treeJSON != "" {
		var tree model.TreeNode
		if err := json.Unmarshal([]byte(treeJSON), &tree); err == nil {
			b.Tree = &tree
		}
	}
	return &b, nil
}

// SaveBatchIf mirrors SaveResourceIf for the batch context.
func (r *ImportRepo) SaveBatchIf(ctx context.Context, q dbutil.Queryer, batch *model.ImportBatch, fromState int) error {
	resourcesJSON, err := json.Marshal(batch.Resources)
	if err != nil {
		return err
	}
	destinationsJSON, err := json.Marshal(batch.Destinations)
	if err != nil {
		return err
	}
	treeJSON := []byte("")
	if batch.Tree != nil {
		treeJSON, err = json.Marshal(batch.Tree)
		if err != nil {
			return err
		}
	}
	const query = `
		UPDATE import_batches
		SET job_id = $1,
			state = $2,
			collection_id = $3,
			collection_title = $4,
			collection_version = $5,
			resources_json = $6,
			destinations_json = $7,
			tree_json = $8,
			mtime = $9
		WHERE id = $10 AND state = $11
	`
	result, err := q.ExecContext(ctx, query,
		batch.JobID, batch.State, batch.CollectionID, batch.CollectionTitle, batch.CollectionVersion,
		string(resourcesJSON), string(destinationsJSON), string(treeJSON), batch.Mtime,
		batch.ID, fromState)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrStateConflict
	}
	return nil
}

// DeleteFinishedBefore removes batch and resource contexts whose batch
// completed before the cutoff. Jobs and published content are never touched.
func (r *ImportRepo) DeleteFinishedBefore(ctx context.Context, cutoff int64) (int64, error) {
	const resourceQuery = `
		DELETE FROM import_resources
		WHERE batch_id IN (SELECT id FROM import_batches WHERE state = $1 AND mtime < $2)
	`
	if _, err := r.db.ExecContext(ctx, resourceQuery, model.BatchStateComplete, cutoff); err != nil {
		return 0, err
	}
	const batchQuery = `DELETE FROM import_batches WHERE state = $1 AND mtime < $2`
	res, err := r.db.ExecContext(ctx, batchQuery, model.BatchStateComplete, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
