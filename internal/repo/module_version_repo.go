package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

type ModuleVersionRepo struct {
	db *sql.DB
}

func NewModuleVersionRepo(db *sql.DB) *ModuleVersionRepo {
	return &ModuleVersionRepo{db: db}
}

func (r *ModuleVersionRepo) Get(ctx context.Context, moduleID string, version int) (*model.ModuleVersion, error) {
	return r.GetTx(ctx, r.db, moduleID, version)
}

func (r *ModuleVersionRepo) GetTx(ctx context.Context, q dbutil.Queryer, moduleID string, version int) (*model.ModuleVersion, error) {
	const query = `
		SELECT module_id, version, title, content, etag, last_edit_time, ctime
		FROM module_versions
		WHERE module_id = $1 AND version = $2
	`
	row := q.QueryRowContext(ctx, query, moduleID, version)
	var v model.ModuleVersion
	if err := row.Scan(&v.ModuleID, &v.Version, &v.Title, &v.Content, &v.Etag, &v.LastEditTime, &v.Ctime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// InsertTx writes a new version row. Version rows are insert-only; callers
// must have established that no row exists for (module_id, version).
func (r *ModuleVersionRepo) InsertTx(ctx context.Context, q dbutil.Queryer, v *model.ModuleVersion) error {
	data := map[string]interface{}{
		"module_id":      v.ModuleID,
		"version":        v.Version,
		"title":          v.Title,
		"content":        v.Content,
		"etag":           v.Etag,
		"last_edit_time": v.LastEditTime,
		"ctime":          v.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("module_versions", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := q.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *ModuleVersionRepo) ListSummaries(ctx context.Context, moduleID string) ([]model.ModuleVersion, error) {
	const query = `
		SELECT module_id, version, title, '', etag, last_edit_time, ctime
		FROM module_versions
		WHERE module_id = $1
		ORDER BY version DESC
	`
	rows, err := r.db.QueryContext(ctx, query, moduleID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	versions := make([]model.ModuleVersion, 0)
	for rows.Next() {
		var v model.ModuleVersion
		if err := rows.Scan(&v.ModuleID, &v.Version, &v.Title, &v.Content, &v.Etag, &v.LastEditTime, &v.Ctime); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r *ModuleVersionRepo) InsertResourceTx(ctx context.Context, q dbutil.Queryer, res *model.ModuleVersionResource) error {
	data := map[string]interface{}{
		"module_id":    res.ModuleID,
		"version":      res.Version,
		"resource_id":  res.ResourceID,
		"location_ref": res.LocationRef,
		"content_type": res.ContentType,
		"ctime":        res.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("module_version_resources", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := q.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *ModuleVersionRepo) GetResource(ctx context.Context, moduleID string, version int, resourceID string) (*model.ModuleVersionResource, error) {
	const query = `
		SELECT module_id, version, resource_id, location_ref, content_type, ctime
		FROM module_version_resources
		WHERE module_id = $1 AND version = $2 AND resource_id = $3
	`
	row := r.db.QueryRowContext(ctx, query, moduleID, version, resourceID)
	var res model.ModuleVersionResource
	if err := row.Scan(&res.ModuleID, &res.Version, &res.ResourceID, &res.LocationRef, &res.ContentType, &res.Ctime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (r *ModuleVersionRepo) ListResources(ctx context.Context, moduleID string, version int) ([]model.ModuleVersionResource, error) {
	where := map[string]interface{}{
		"module_id": moduleID,
		"version":   version,
		"_orderby":  "resource_id asc",
	}
	sqlStr, args, err := builder.BuildSelect("module_version_resources", where, []string{"module_id", "version", "resource_id", "location_ref", "content_type", "ctime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	resources := make([]model.ModuleVersionResource, 0)
	for rows.Next() {
		var res model.ModuleVersionResource
		if err := rows.Scan(&res.ModuleID, &res.Version, &res.ResourceID, &res.LocationRef, &res.ContentType, &res.Ctime); err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}
