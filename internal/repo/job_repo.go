package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = "id, type, state, handler, payload_ref, parent_job_id, root_job_id, owner_id, actor_id, ctime, mtime"

func scanJob(scan func(dest ...interface{}) error) (*model.Job, error) {
	var j model.Job
	var handler int
	var parent, root sql.NullString
	if err := scan(&j.ID, &j.Type, &j.State, &handler, &j.PayloadRef, &parent, &root, &j.OwnerID, &j.ActorID, &j.Ctime, &j.Mtime); err != nil {
		return nil, err
	}
	j.Handler = model.HandlerType(handler)
	j.ParentJobID = parent.String
	j.RootJobID = root.String
	return &j, nil
}

func (r *JobRepo) CreateTx(ctx context.Context, q dbutil.Queryer, job *model.Job) error {
	data := map[string]interface{}{
		"id":          job.ID,
		"type":        job.Type,
		"state":       job.State,
		"handler":     int(job.Handler),
		"payload_ref": job.PayloadRef,
		"owner_id":    job.OwnerID,
		"actor_id":    job.ActorID,
		"ctime":       job.Ctime,
		"mtime":       job.Mtime,
	}
	if job.ParentJobID != "" {
		data["parent_job_id"] = job.ParentJobID
	}
	if job.RootJobID != "" {
		data["root_job_id"] = job.RootJobID
	}
	sqlStr, args, err := builder.BuildInsert("jobs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = q.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*model.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	return j, err
}

// UpdateStateIf is the compare-and-swap every job transition goes through:
// the precondition state is asserted in the UPDATE itself, so a retried
// invocation racing a fresh one cannot both act on the same pre-transition
// state.
func (r *JobRepo) UpdateStateIf(ctx context.Context, q dbutil.Queryer, jobID string, fromState, toState int, mtime int64) (bool, error) {
	const query = `
		UPDATE jobs
		SET state = $1, mtime = $2
		WHERE id = $3 AND state = $4
	`
	res, err := q.ExecContext(ctx, query, toState, mtime, jobID, fromState)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// StopIfRunning moves a job to STOPPED_BY_REQUEST unless it is already
// terminal.
func (r *JobRepo) StopIfRunning(ctx context.Context, jobID string, mtime int64) (bool, error) {
	const query = `
		UPDATE jobs
		SET state = $1, mtime = $2
		WHERE id = $3 AND state NOT IN ($4, $5, $6)
	`
	res, err := r.db.ExecContext(ctx, query,
		model.JobStateStoppedByRequest, mtime, jobID,
		model.JobStateCompletedSuccessfully, model.JobStateStoppedByError, model.JobStateStoppedByRequest)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *JobRepo) AppendLogTx(ctx context.Context, q dbutil.Queryer, entry *model.JobLogEntry) error {
	data := map[string]interface{}{
		"id":     entry.ID,
		"job_id": entry.JobID,
		"ts":     entry.Ts,
		"note":   entry.Note,
	}
	sqlStr, args, err := builder.BuildInsert("job_logs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = q.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *JobRepo) ListLogs(ctx context.Context, jobID string) ([]model.JobLogEntry, error) {
	const query = `
		SELECT id, job_id, ts, note
		FROM job_logs
		WHERE job_id = $1
		ORDER BY ts ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	entries := make([]model.JobLogEntry, 0)
	for rows.Next() {
		var e model.JobLogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Ts, &e.Note); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListChildren returns the direct children of a job. The parent's
// aggregation check is a pure read over these rows, safe to run repeatedly
// and concurrently.
func (r *JobRepo) ListChildren(ctx context.Context, parentJobID string) ([]model.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE parent_job_id = $1 ORDER BY ctime ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, parentJobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	jobs := make([]model.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
