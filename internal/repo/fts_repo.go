package repo

import (
	"context"
	"database/sql"
)

// FTSRepo maintains the full-text index over published modules. Indexing is
// best-effort: it runs on its own queue task after publish and a failure
// never affects the published version.
type FTSRepo struct {
	db *sql.DB
}

func NewFTSRepo(db *sql.DB) *FTSRepo {
	return &FTSRepo{db: db}
}

func (r *FTSRepo) Upsert(ctx context.Context, moduleID, title, body string, publishTime int64) error {
	const query = `
		INSERT INTO modules_fts (module_id, title, body, publish_time, tsv)
		VALUES ($1, $2, $3, $4, to_tsvector('english', $2 || ' ' || $3))
		ON CONFLICT (module_id) DO UPDATE
		SET title = EXCLUDED.title,
			body = EXCLUDED.body,
			publish_time = EXCLUDED.publish_time,
			tsv = EXCLUDED.tsv
	`
	_, err := r.db.ExecContext(ctx, query, moduleID, title, body, publishTime)
	return err
}

func (r *FTSRepo) Delete(ctx context.Context, moduleID string) error {
	const query = `DELETE FROM modules_fts WHERE module_id = $1`
	_, err := r.db.ExecContext(ctx, query, moduleID)
	return err
}

func (r *FTSRepo) SearchModuleIDs(ctx context.Context, query string, limit uint) ([]string, error) {
	if query == "" {
		return []string{}, nil
	}
	if limit == 0 {
		limit = 20
	}
	const sqlStr = `
		SELECT module_id
		FROM modules_fts
		WHERE tsv @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(tsv, plainto_tsquery('english', $1)) DESC, publish_time DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, sqlStr, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
