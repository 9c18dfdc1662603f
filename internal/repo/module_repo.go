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

type ModuleRepo struct {
	db *sql.DB
}

func NewModuleRepo(db *sql.DB) *ModuleRepo {
	return &ModuleRepo{db: db}
}

const moduleColumns = "id, kind, state, title, owners_json, reserved_version, latest_version, etag, last_edit_time, ctime, mtime"

func scanModule(scan func(dest ...interface{}) error) (*model.Module, error) {
	var m model.Module
	var kind int
	var ownersJSON string
	if err := scan(&m.ID, &kind, &m.State, &m.Title, &ownersJSON, &m.ReservedVersion, &m.LatestVersion, &m.Etag, &m.LastEditTime, &m.Ctime, &m.Mtime); err != nil {
		return nil, err
	}
	m.Kind = model.ModuleKind(kind)
	if ownersJSON != "" {
		_ = json.Unmarshal([]byte(ownersJSON), &m.Owners)
	}
	return &m, nil
}

// ReserveWithMapping resolves an ExternalID to a module, creating the module
// and the mapping row in one transaction when the ExternalID is new. The
// unique constraint on module_mappings.external_id is the arbiter under
// concurrency: the loser of a race re-reads the winner's mapping.
func (r *ModuleRepo) ReserveWithMapping(ctx context.Context, externalID model.ExternalID, module *model.Module) (*model.Module, error) {
	if existing, err := r.GetByExternalID(ctx, externalID); err == nil {
		return existing, nil
	} else if !appErr.IsNotFound(err) {
		return nil, err
	}
	err := dbutil.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		mapping := map[string]interface{}{
			"external_id": externalID.String(),
			"module_id":   module.ID,
			"ctime":       module.Ctime,
		}
		sqlStr, args, err := builder.BuildInsert("module_mappings", []map[string]interface{}{mapping})
		if err != nil {
			return err
		}
		sqlStr, args = dbutil.Finalize(sqlStr, args)
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return err
		}
		return r.insert(ctx, tx, module)
	})
	if err != nil {
		if dbutil.IsConflict(err) {
			return r.GetByExternalID(ctx, externalID)
		}
		return nil, err
	}
	return module, nil
}

func (r *ModuleRepo) insert(ctx context.Context, q dbutil.Queryer, module *model.Module) error {
	ownersJSON, err := json.Marshal(module.Owners)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"id":               module.ID,
		"kind":             int(module.Kind),
		"state":            module.State,
		"title":            module.Title,
		"owners_json":      string(ownersJSON),
		"reserved_version": module.ReservedVersion,
		"latest_version":   module.LatestVersion,
		"etag":             module.Etag,
		"last_edit_time":   module.LastEditTime,
		"ctime":            module.Ctime,
		"mtime":            module.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("modules", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = q.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *ModuleRepo) GetByID(ctx context.Context, moduleID string) (*model.Module, error) {
	const query = `SELECT ` + moduleColumns + ` FROM modules WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, moduleID)
	m, err := scanModule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	return m, err
}

func (r *ModuleRepo) GetByExternalID(ctx context.Context, externalID model.ExternalID) (*model.Module, error) {
	const query = `
		SELECT ` + moduleColumns + `
		FROM modules
		WHERE id = (SELECT module_id FROM module_mappings WHERE external_id = $1)
	`
	row := r.db.QueryRowContext(ctx, query, externalID.String())
	m, err := scanModule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	return m, err
}

// ReserveVersion atomically increments and returns the module's version
// counter. The read and the write share one statement so concurrent callers
// never observe the same value.
func (r *ModuleRepo) ReserveVersion(ctx context.Context, moduleID string, mtime int64) (int, error) {
	const query = `
		UPDATE modules
		SET reserved_version = reserved_version + 1, mtime = $1
		WHERE id = $2
		RETURNING reserved_version
	`
	var version int
	if err := r.db.QueryRowContext(ctx, query, mtime, moduleID).Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, appErr.ErrNotFound
		}
		return 0, err
	}
	return version, nil
}

// UpdateLatestTx moves the latest-published pointer and the denormalized
// title/etag. Runs inside the same transaction as the version-row insert;
// the pointer never advances past a version that is not yet durable. The
// denormalized columns follow the pointer: a late publish of an older
// reserved version must not overwrite them with stale values.
func (r *ModuleRepo) UpdateLatestTx(ctx context.Context, q dbutil.Queryer, v *model.ModuleVersion, mtime int64) error {
	const query = `
		UPDATE modules
		SET state = $2,
			title = CASE WHEN $1 >= latest_version THEN $3 ELSE title END,
			etag = CASE WHEN $1 >= latest_version THEN $4 ELSE etag END,
			last_edit_time = CASE WHEN $1 >= latest_version THEN $5 ELSE last_edit_time END,
			latest_version = GREATEST(latest_version, $1),
			mtime = $6
		WHERE id = $7
	`
	res, err := q.ExecContext(ctx, query, v.Version, model.ModuleStatePublished, v.Title, v.Etag, v.LastEditTime, mtime, v.ModuleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}
