package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/service"
)

// HandleResource resumes a child import job at whatever state its resource
// row records. Each stage persists its result before the next one runs, so a
// re-delivered task repeats at most one stage.
func (im *Importer) HandleResource(ctx context.Context, inv *service.Invocation) error {
	res, err := im.imports.GetResource(ctx, inv.Job.ID)
	if err != nil {
		return err
	}
	for {
		switch res.State {
		case model.ResourceStateEnqueued:
			done, err := im.stageResolve(ctx, inv, res)
			if err != nil {
				return im.classify(err)
			}
			if done {
				return im.finishResource(ctx, inv, res, false)
			}
			return queue.RetryAfter(int64(im.cfg.ArchivePollDelay), "waiting for archive export")
		case model.ResourceStateWaitingForArchive:
			ready, err := im.stagePoll(ctx, res)
			if err != nil {
				return im.classify(err)
			}
			if !ready {
				return queue.RetryAfter(int64(im.cfg.ArchivePollDelay), "archive not ready")
			}
		case model.ResourceStateArchiveDownloaded:
			if err := im.stagePublish(ctx, inv, res); err != nil {
				return im.classify(err)
			}
			return im.finishResource(ctx, inv, res, true)
		case model.ResourceStateComplete:
			return im.finishResource(ctx, inv, res, false)
		default:
			return fmt.Errorf("resource %s in unknown state %d: %w", res.JobID, res.State, appErr.ErrStateConflict)
		}
	}
}

// stageResolve looks the resource up at the provider, reserves its module
// and version, and requests an archive export. It reports done=true when the
// source is unchanged since the last publish and no download is needed.
func (im *Importer) stageResolve(ctx context.Context, inv *service.Invocation, res *model.ImportResource) (bool, error) {
	meta, err := im.fetcher.Resolve(ctx, res.ExternalID)
	if err != nil {
		return false, err
	}
	module, err := im.reservations.ReserveModule(ctx, res.ExternalID, []string{inv.Job.OwnerID}, meta.Title)
	if err != nil {
		return false, err
	}
	res.ModuleID = module.ID
	res.Title = meta.Title
	res.Etag = meta.Etag
	res.LastEditTime = meta.LastEditTime

	version, changed, err := im.publish.ReserveModuleVersion(ctx, module.ID, meta.LastEditTime)
	if err != nil {
		return false, err
	}
	res.Version = version
	if !changed {
		logutil.GetLogger(ctx).Info("source unchanged since last publish, skipping download",
			zap.String("job_id", res.JobID), zap.String("module_id", module.ID), zap.Int("version", version))
		if err := im.advanceResource(ctx, res, model.ResourceStateComplete); err != nil {
			return false, err
		}
		return true, nil
	}

	archiveID, err := im.fetcher.RequestArchive(ctx, res.ExternalID)
	if err != nil {
		return false, err
	}
	res.ArchiveID = archiveID
	if err := im.advanceResource(ctx, res, model.ResourceStateWaitingForArchive); err != nil {
		return false, err
	}
	return false, nil
}

// stagePoll checks the export and, once ready, downloads, normalizes and
// stages the content.
func (im *Importer) stagePoll(ctx context.Context, res *model.ImportResource) (bool, error) {
	if res.Polls >= im.cfg.MaxArchivePolls {
		return false, fmt.Errorf("archive %s not ready after %d polls: %w", res.ArchiveID, res.Polls, appErr.ErrArchiveFailed)
	}
	ready, err := im.fetcher.PollArchive(ctx, res.ArchiveID)
	if err != nil {
		return false, err
	}
	if !ready {
		res.Polls++
		res.Mtime = timeutil.NowUnix()
		if err := im.imports.SaveResourceIf(ctx, im.db, res, res.State); err != nil {
			return false, err
		}
		return false, nil
	}
	body, err := im.fetcher.DownloadArchive(ctx, res.ArchiveID)
	if err != nil {
		return false, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return false, appErr.Transient(err)
	}
	content, err := normalizeContent(raw)
	if err != nil {
		return false, err
	}
	key := stagingKey(res.JobID)
	if err := im.store.Save(ctx, key, strings.NewReader(content), int64(len(content))); err != nil {
		return false, appErr.Transient(err)
	}
	res.StagedRef = key
	if err := im.advanceResource(ctx, res, model.ResourceStateArchiveDownloaded); err != nil {
		return false, err
	}
	return true, nil
}

// stagePublish publishes the staged content as the reserved version. The
// stop check sits immediately before the only externally visible side
// effect of the stage.
func (im *Importer) stagePublish(ctx context.Context, inv *service.Invocation, res *model.ImportResource) error {
	stopped, err := im.jobs.IsStopped(ctx, inv.Job.ID)
	if err != nil {
		return err
	}
	if stopped {
		return fmt.Errorf("job stopped before publish: %w", appErr.ErrStopped)
	}
	rc, err := im.store.Open(ctx, res.StagedRef)
	if err != nil {
		return appErr.Transient(err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return appErr.Transient(err)
	}
	published, err := im.publish.PublishModuleVersion(ctx, &model.ModuleVersion{
		ModuleID:     res.ModuleID,
		Version:      res.Version,
		Title:        res.Title,
		Content:      string(content),
		Etag:         res.Etag,
		LastEditTime: res.LastEditTime,
	}, nil)
	if err != nil {
		return err
	}
	res.Version = published.Version
	return im.advanceResource(ctx, res, model.ResourceStateComplete)
}

// finishResource completes the child job and notifies the parent. indexed
// says whether new content was published and should be (re)indexed.
func (im *Importer) finishResource(ctx context.Context, inv *service.Invocation, res *model.ImportResource, indexed bool) error {
	if res.StagedRef != "" {
		if err := im.store.Delete(ctx, res.StagedRef); err != nil {
			logutil.GetLogger(ctx).Warn("cleanup staged content failed",
				zap.String("key", res.StagedRef), zap.Error(err))
		}
	}
	if indexed {
		if err := im.jobs.EnqueueIndexTask(ctx, inv.Job, res.ModuleID); err != nil {
			return err
		}
	}
	if err := im.jobs.MarkCompleted(ctx, inv.Job.ID); err != nil && !errors.Is(err, appErr.ErrStateConflict) {
		return err
	}
	if inv.Job.ParentJobID != "" {
		return im.jobs.NotifyChildCompletion(ctx, inv.Job.ParentJobID, inv.Job.ID)
	}
	return nil
}

// advanceResource validates and persists a state transition with the
// previous state as CAS precondition.
func (im *Importer) advanceResource(ctx context.Context, res *model.ImportResource, to int) error {
	if err := model.ValidateResourceTransition(res, to); err != nil {
		return err
	}
	from := res.State
	res.State = to
	res.Mtime = timeutil.NowUnix()
	return im.imports.SaveResourceIf(ctx, im.db, res, from)
}

// classify turns a lost CAS race into a transient error: another delivery of
// the same job is ahead of us, and the retry will observe its progress (or a
// terminal job and no-op).
func (im *Importer) classify(err error) error {
	if errors.Is(err, appErr.ErrStateConflict) && !appErr.IsTransient(err) {
		return appErr.Transient(err)
	}
	return err
}

func stagingKey(jobID string) string {
	return "staging/" + jobID + "/content.html"
}
