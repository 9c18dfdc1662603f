package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/repo"
)

// TaskRequeueJob returns tasks whose lease expired to the ready state. A
// lease only expires when the worker that held it died mid-invocation.
type TaskRequeueJob struct {
	tasks *repo.TaskRepo
}

func NewTaskRequeueJob(tasks *repo.TaskRepo) *TaskRequeueJob {
	return &TaskRequeueJob{tasks: tasks}
}

func (j *TaskRequeueJob) Name() string {
	return "task_requeue"
}

func (j *TaskRequeueJob) Run(ctx context.Context) error {
	if j.tasks == nil {
		return nil
	}
	requeued, err := j.tasks.RequeueExpired(ctx, time.Now().Unix())
	if err != nil {
		return err
	}
	if requeued > 0 {
		logutil.GetLogger(ctx).Warn("requeued tasks with expired leases", zap.Int64("count", requeued))
	}
	return nil
}
