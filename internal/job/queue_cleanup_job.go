package job

import (
	"context"
	"time"

	"github.com/lecternhq/lectern/internal/repo"
)

// QueueCleanupJob deletes finished (done or dead) task rows past the
// retention window. Job rows and their logs are kept.
type QueueCleanupJob struct {
	tasks  *repo.TaskRepo
	maxAge time.Duration
}

func NewQueueCleanupJob(tasks *repo.TaskRepo, maxAge time.Duration) *QueueCleanupJob {
	return &QueueCleanupJob{tasks: tasks, maxAge: maxAge}
}

func (j *QueueCleanupJob) Name() string {
	return "queue_cleanup"
}

func (j *QueueCleanupJob) Run(ctx context.Context) error {
	if j.tasks == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	_, err := j.tasks.DeleteFinishedBefore(ctx, cutoff)
	return err
}
