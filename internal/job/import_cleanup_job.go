package job

import (
	"context"
	"time"

	"github.com/lecternhq/lectern/internal/repo"
)

// ImportCleanupJob removes completed batch and resource contexts past the
// retention window. Published modules and collections are never touched;
// the contexts are only needed while an import can still be inspected or
// retried.
type ImportCleanupJob struct {
	imports *repo.ImportRepo
	maxAge  time.Duration
}

func NewImportCleanupJob(imports *repo.ImportRepo, maxAge time.Duration) *ImportCleanupJob {
	return &ImportCleanupJob{imports: imports, maxAge: maxAge}
}

func (j *ImportCleanupJob) Name() string {
	return "import_cleanup"
}

func (j *ImportCleanupJob) Run(ctx context.Context) error {
	if j.imports == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	_, err := j.imports.DeleteFinishedBefore(ctx, cutoff)
	return err
}
