package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/service"
)

// Dispatcher polls the durable task table and drives job invocations. Each
// invocation is an independent unit of work with a hard wall-clock budget;
// nothing is shared between invocations except the persisted records.
type Dispatcher struct {
	tasks  *repo.TaskRepo
	jobs   *service.JobService
	cfg    config.QueueConfig
	queues []string

	wg sync.WaitGroup
}

func NewDispatcher(tasks *repo.TaskRepo, jobs *service.JobService, cfg config.QueueConfig) *Dispatcher {
	return &Dispatcher{
		tasks:  tasks,
		jobs:   jobs,
		cfg:    cfg,
		queues: []string{model.QueueImport, model.QueueNotify, model.QueueIndex},
	}
}

// Start launches the poller and workers. They run until ctx is cancelled;
// Wait blocks until in-flight invocations finish.
func (d *Dispatcher) Start(ctx context.Context) {
	taskCh := make(chan model.Task)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(taskCh)
		d.poll(ctx, taskCh)
	}()
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for task := range taskCh {
				d.handle(ctx, task)
			}
		}()
	}
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) poll(ctx context.Context, taskCh chan<- model.Task) {
	interval := time.Duration(d.cfg.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		leased, err := d.tasks.Lease(ctx, d.queues, timeutil.NowUnix(), d.cfg.LeaseSeconds, d.cfg.Workers)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logutil.GetLogger(ctx).Error("lease tasks failed", zap.Error(err))
			continue
		}
		for _, task := range leased {
			select {
			case <-ctx.Done():
				return
			case taskCh <- task:
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, task model.Task) {
	logger := logutil.GetLogger(ctx).With(
		zap.String("task_id", task.ID),
		zap.String("job_id", task.JobID),
		zap.String("queue", task.Queue),
		zap.Int("attempt", task.Attempts),
	)
	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.InvokeTimeoutSec)*time.Second)
	err := d.invoke(invokeCtx, &task)
	cancel()

	now := timeutil.NowUnix()
	switch {
	case err == nil:
		if mErr := d.tasks.MarkDone(ctx, task.ID, now); mErr != nil {
			logger.Error("mark task done failed", zap.Error(mErr))
		}
	case isRetryAfterErr(err):
		delay, _ := AsRetryAfter(err)
		logger.Info("task requeued", zap.Int64("delay_sec", delay), zap.String("reason", err.Error()))
		if mErr := d.tasks.RescheduleContinuation(ctx, task.ID, now+delay, now); mErr != nil {
			logger.Error("reschedule task failed", zap.Error(mErr))
		}
	case appErr.IsTransient(err):
		if d.exhausted(&task, now) {
			logger.Error("retries exhausted", zap.Error(err))
			d.fail(ctx, &task, fmt.Errorf("retries exhausted: %w", err), now)
			return
		}
		delay := Backoff(task.BackoffFactor, task.MaxBackoffSec, task.Attempts)
		logger.Info("transient failure, retrying", zap.Error(err), zap.Int64("delay_sec", delay))
		if mErr := d.jobs.MarkWaitingToRetry(ctx, task.JobID, err); mErr != nil {
			logger.Error("mark waiting-to-retry failed", zap.Error(mErr))
		}
		if mErr := d.tasks.Reschedule(ctx, task.ID, now+delay, err.Error(), now); mErr != nil {
			logger.Error("reschedule task failed", zap.Error(mErr))
		}
	default:
		logger.Error("permanent failure", zap.Error(err))
		d.fail(ctx, &task, err, now)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, task *model.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return d.jobs.OnJobInvoked(ctx, task)
}

func (d *Dispatcher) exhausted(task *model.Task, now int64) bool {
	if task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
		return true
	}
	if task.Deadline > 0 && now >= task.Deadline {
		return true
	}
	return false
}

// fail marks the task dead and stops the job. Index-queue failures only
// kill the task: indexing is best-effort and must never take a finished
// publish down with it.
func (d *Dispatcher) fail(ctx context.Context, task *model.Task, cause error, now int64) {
	logger := logutil.GetLogger(ctx).With(zap.String("task_id", task.ID), zap.String("job_id", task.JobID))
	if mErr := d.tasks.MarkDead(ctx, task.ID, cause.Error(), now); mErr != nil {
		logger.Error("mark task dead failed", zap.Error(mErr))
	}
	if task.Queue == model.QueueIndex {
		return
	}
	if mErr := d.jobs.MarkStoppedByError(ctx, task.JobID, cause); mErr != nil {
		logger.Error("mark job stopped failed", zap.Error(mErr))
	}
	// A failed child still counts toward its parent's aggregation; without
	// the notification the parent would wait forever.
	job, err := d.jobs.Get(ctx, task.JobID)
	if err != nil {
		logger.Error("load job for parent notify failed", zap.Error(err))
		return
	}
	if job.ParentJobID != "" {
		if mErr := d.jobs.NotifyChildCompletion(ctx, job.ParentJobID, job.ID); mErr != nil {
			logger.Error("notify parent failed", zap.Error(mErr))
		}
	}
}

func isRetryAfterErr(err error) bool {
	_, ok := AsRetryAfter(err)
	return ok
}
