package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
)

// Invocation is what a queue delivery hands to a handler: the job being
// resumed and the task that carried the delivery.
type Invocation struct {
	Job  *model.Job
	Task *model.Task
}

type HandlerFunc func(ctx context.Context, inv *Invocation) error

// JobSpec describes a job to create together with its first task. The task
// row is written in the same transaction as the job, so the queue can only
// ever deliver committed job state.
type JobSpec struct {
	Type        int
	ParentJobID string
	RootJobID   string
	Handler     model.HandlerType
	PayloadRef  string
	Identity    model.Identity
	Queue       string
	Policy      model.RetryPolicy
	DelaySec    int64
	Note        string
}

type JobService struct {
	db       *sql.DB
	jobs     *repo.JobRepo
	tasks    *repo.TaskRepo
	handlers map[model.HandlerType]HandlerFunc
}

func NewJobService(db *sql.DB, jobs *repo.JobRepo, tasks *repo.TaskRepo) *JobService {
	return &JobService{
		db:       db,
		jobs:     jobs,
		tasks:    tasks,
		handlers: make(map[model.HandlerType]HandlerFunc),
	}
}

// RegisterHandler binds a handler type to its function. The table is built
// once at startup; late or duplicate registration is a programming error.
func (s *JobService) RegisterHandler(ht model.HandlerType, fn HandlerFunc) error {
	if fn == nil {
		return appErr.ErrInvalid
	}
	if _, ok := s.handlers[ht]; ok {
		return appErr.ErrConflict
	}
	s.handlers[ht] = fn
	return nil
}

// CreateAndEnqueue creates a job and books its first task in one
// transaction.
func (s *JobService) CreateAndEnqueue(ctx context.Context, spec JobSpec) (*model.Job, error) {
	var job *model.Job
	err := dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		job, err = s.CreateAndEnqueueTx(ctx, tx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateAndEnqueueTx is the transactional form, used when job creation must
// commit atomically with other writes (e.g. recording a batch destination).
func (s *JobService) CreateAndEnqueueTx(ctx context.Context, q dbutil.Queryer, spec JobSpec) (*model.Job, error) {
	now := timeutil.NowUnix()
	job := &model.Job{
		ID:          newID(),
		Type:        spec.Type,
		State:       model.JobStatePreStart,
		Handler:     spec.Handler,
		PayloadRef:  spec.PayloadRef,
		ParentJobID: spec.ParentJobID,
		RootJobID:   spec.RootJobID,
		OwnerID:     spec.Identity.OwnerID,
		ActorID:     spec.Identity.ActorID,
		Ctime:       now,
		Mtime:       now,
	}
	if job.Type == model.JobTypeRoot {
		job.RootJobID = job.ID
	}
	if err := s.jobs.CreateTx(ctx, q, job); err != nil {
		return nil, err
	}
	note := spec.Note
	if note == "" {
		note = "job created"
	}
	if err := s.appendLogTx(ctx, q, job.ID, note); err != nil {
		return nil, err
	}
	if err := s.enqueueTx(ctx, q, job, spec.Handler, spec.Queue, "", spec.Policy, spec.DelaySec); err != nil {
		return nil, err
	}
	return job, nil
}

// NotifyChildCompletion books a notification task for the parent on the
// notify queue. Notifications may be duplicated or reordered; the parent's
// aggregation check is a pure read of child states, so redelivery is
// harmless.
func (s *JobService) NotifyChildCompletion(ctx context.Context, parentJobID, childJobID string) error {
	parent, err := s.jobs.Get(ctx, parentJobID)
	if err != nil {
		return err
	}
	return dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.enqueueTx(ctx, tx, parent, parent.Handler, model.QueueNotify, childJobID, model.DefaultRetryPolicy(), 0)
	})
}

// EnqueueIndexTask books a best-effort search-index task after a module
// publish. It rides on the publishing job's identity but dispatches to the
// index handler.
func (s *JobService) EnqueueIndexTask(ctx context.Context, job *model.Job, moduleID string) error {
	return dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.enqueueTx(ctx, tx, job, model.HandlerSearchIndex, model.QueueIndex, moduleID, model.DefaultRetryPolicy(), 0)
	})
}

func (s *JobService) enqueueTx(ctx context.Context, q dbutil.Queryer, job *model.Job, handler model.HandlerType, queue, payload string, policy model.RetryPolicy, delaySec int64) error {
	now := timeutil.NowUnix()
	deadline := int64(0)
	if policy.DeadlineSec > 0 {
		deadline = now + policy.DeadlineSec
	}
	task := &model.Task{
		ID:            newID(),
		Queue:         queue,
		JobID:         job.ID,
		Handler:       handler,
		Payload:       payload,
		OwnerID:       job.OwnerID,
		ActorID:       job.ActorID,
		State:         model.TaskStateReady,
		RunAt:         now + delaySec,
		MaxAttempts:   policy.MaxAttempts,
		BackoffFactor: policy.BackoffFactor,
		MaxBackoffSec: policy.MaxBackoffSec,
		Deadline:      deadline,
		Ctime:         now,
		Mtime:         now,
	}
	return s.tasks.InsertTx(ctx, q, task)
}

// Stop moves a job to STOPPED_BY_REQUEST unless it is already terminal.
// In-flight stage work checks the job state before externally visible side
// effects and aborts cleanly.
func (s *JobService) Stop(ctx context.Context, jobID, reason string) error {
	stopped, err := s.jobs.StopIfRunning(ctx, jobID, timeutil.NowUnix())
	if err != nil {
		return err
	}
	if !stopped {
		return appErr.ErrStateConflict
	}
	if reason == "" {
		reason = "stopped by request"
	}
	return s.AppendLog(ctx, jobID, reason)
}

// IsStopped reports whether the job was stopped by request. Stage handlers
// call this immediately before publishing.
func (s *JobService) IsStopped(ctx context.Context, jobID string) (bool, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.State == model.JobStateStoppedByRequest, nil
}

func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

func (s *JobService) ListChildren(ctx context.Context, parentJobID string) ([]model.Job, error) {
	return s.jobs.ListChildren(ctx, parentJobID)
}

// Tasks lists every delivery booked for a job, pending and finished.
func (s *JobService) Tasks(ctx context.Context, jobID string) ([]model.Task, error) {
	return s.tasks.ListByJob(ctx, jobID)
}

func (s *JobService) Logs(ctx context.Context, jobID string) ([]model.JobLogEntry, error) {
	return s.jobs.ListLogs(ctx, jobID)
}

func (s *JobService) AppendLog(ctx context.Context, jobID, note string) error {
	return s.appendLogTx(ctx, s.db, jobID, note)
}

func (s *JobService) appendLogTx(ctx context.Context, q dbutil.Queryer, jobID, note string) error {
	entry := &model.JobLogEntry{
		ID:    newID(),
		JobID: jobID,
		Ts:    timeutil.NowUnix(),
		Note:  note,
	}
	return s.jobs.AppendLogTx(ctx, q, entry)
}

// MarkCompleted finalizes a job from RUNNING.
func (s *JobService) MarkCompleted(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, model.JobStateRunning, model.JobStateCompletedSuccessfully, "completed successfully")
}

// MarkStoppedByError records a permanent failure with its cause.
func (s *JobService) MarkStoppedByError(ctx context.Context, jobID string, cause error) error {
	return dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return nil
		}
		if _, err := s.jobs.UpdateStateIf(ctx, tx, jobID, job.State, model.JobStateStoppedByError, timeutil.NowUnix()); err != nil {
			return err
		}
		return s.appendLogTx(ctx, tx, jobID, fmt.Sprintf("stopped by error: %v", cause))
	})
}

// MarkWaitingToRetry records that the queue will re-invoke the job later.
func (s *JobService) MarkWaitingToRetry(ctx context.Context, jobID string, cause error) error {
	return dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.jobs.UpdateStateIf(ctx, tx, jobID, model.JobStateRunning, model.JobStateWaitingToRetry, timeutil.NowUnix()); err != nil {
			return err
		}
		return s.appendLogTx(ctx, tx, jobID, fmt.Sprintf("transient failure, waiting to retry: %v", cause))
	})
}

func (s *JobService) transition(ctx context.Context, jobID string, from, to int, note string) error {
	return dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		ok, err := s.jobs.UpdateStateIf(ctx, tx, jobID, from, to, timeutil.NowUnix())
		if err != nil {
			return err
		}
		if !ok {
			return appErr.ErrStateConflict
		}
		return s.appendLogTx(ctx, tx, jobID, note)
	})
}

// OnJobInvoked is the queue's entry point: it resumes the job at whatever
// stage its persisted context records. Re-invocation of a terminal job is a
// no-op, except for index tasks: those are fire-and-forget side work booked
// by a job that normally completes before they run, so they dispatch
// regardless of the job's state and never touch it.
func (s *JobService) OnJobInvoked(ctx context.Context, task *model.Task) error {
	job, err := s.jobs.Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	handler, ok := s.handlers[task.Handler]
	if !ok {
		return fmt.Errorf("no handler registered for type %d: %w", task.Handler, appErr.ErrInvalid)
	}
	if task.Queue == model.QueueIndex {
		return handler(ctx, &Invocation{Job: job, Task: task})
	}
	if job.Terminal() {
		logutil.GetLogger(ctx).Info("job already terminal, task is a no-op",
			zap.String("job_id", job.ID), zap.Int("state", job.State))
		return nil
	}
	if job.State == model.JobStatePreStart || job.State == model.JobStateWaitingToRetry {
		if _, err := s.jobs.UpdateStateIf(ctx, s.db, job.ID, job.State, model.JobStateRunning, timeutil.NowUnix()); err != nil {
			return err
		}
		job.State = model.JobStateRunning
	}
	return handler(ctx, &Invocation{Job: job, Task: task})
}
