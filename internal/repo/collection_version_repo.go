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

type CollectionVersionRepo struct {
	db *sql.DB
}

func NewCollectionVersionRepo(db *sql.DB) *CollectionVersionRepo {
	return &CollectionVersionRepo{db: db}
}

func (r *CollectionVersionRepo) Get(ctx context.Context, collectionID string, version int) (*model.CollectionVersion, error) {
	return r.GetTx(ctx, r.db, collectionID, version)
}

func (r *CollectionVersionRepo) GetTx(ctx context.Context, q dbutil.Queryer, collectionID string, version int) (*model.CollectionVersion, error) {
	const query = `
		SELECT collection_id, version, tree_json, ctime
		FROM collection_versions
		WHERE collection_id = $1 AND version = $2
	`
	row := q.QueryRowContext(ctx, query, collectionID, version)
	var v model.CollectionVersion
	var treeJSON string
	if err := row.Scan(&v.CollectionID, &v.Version, &treeJSON, &v.Ctime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	if treeJSON != "" {
		var tree model.TreeNode
		if err := json.Unmarshal([]byte(treeJSON), &tree); err == nil {
			v.Tree = &tree
		}
	}
	return &v, nil
}

func (r *CollectionVersionRepo) InsertTx(ctx context.Context, q dbutil.Queryer, v *model.CollectionVersion) error {
	treeJSON, err := json.Marshal(v.Tree)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"collection_id": v.CollectionID,
		"version":       v.Version,
		"tree_json":     string(treeJSON),
		"ctime":         v.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("collection_versions", []map[string]interface{}{data})
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
