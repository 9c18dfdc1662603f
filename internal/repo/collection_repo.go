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

type CollectionRepo struct {
	db *sql.DB
}

func NewCollectionRepo(db *sql.DB) *CollectionRepo {
	return &CollectionRepo{db: db}
}

func (r *CollectionRepo) Create(ctx context.Context, col *model.Collection) error {
	ownersJSON, err := json.Marshal(col.Owners)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"id":               col.ID,
		"state":            col.State,
		"title":            col.Title,
		"owners_json":      string(ownersJSON),
		"reserved_version": col.ReservedVersion,
		"latest_version":   col.LatestVersion,
		"ctime":            col.Ctime,
		"mtime":            col.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("collections", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *CollectionRepo) GetByID(ctx context.Context, collectionID string) (*model.Collection, error) {
	const query = `
		SELECT id, state, title, owners_json, reserved_version, latest_version, ctime, mtime
		FROM collections
		WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, collectionID)
	var col model.Collection
	var ownersJSON string
	if err := row.Scan(&col.ID, &col.State, &col.Title, &ownersJSON, &col.ReservedVersion, &col.LatestVersion, &col.Ctime, &col.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	if ownersJSON != "" {
		_ = json.Unmarshal([]byte(ownersJSON), &col.Owners)
	}
	return &col, nil
}

// ReserveVersion mirrors ModuleRepo.ReserveVersion: a single-statement
// increment-and-read on the collection's version counter.
func (r *CollectionRepo) ReserveVersion(ctx context.Context, collectionID string, mtime int64) (int, error) {
	const query = `
		UPDATE collections
		SET reserved_version = reserved_version + 1, mtime = $1
		WHERE id = $2
		RETURNING reserved_version
	`
	var version int
	if err := r.db.QueryRowContext(ctx, query, mtime, collectionID).Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, appErr.ErrNotFound
		}
		return 0, err
	}
	return version, nil
}

func (r *CollectionRepo) UpdateLatestTx(ctx context.Context, q dbutil.Queryer, collectionID string, version int, mtime int64) error {
	const query = `
		UPDATE collections
		SET latest_version = GREATEST(latest_version, $1),
			state = $2,
			mtime = $3
		WHERE id = $4
	`
	res, err := q.ExecContext(ctx, query, version, model.CollectionStatePublished, mtime, collectionID)
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
