package search

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/service"
)

// Indexer keeps the full-text index in step with published modules. It runs
// as a queue handler after each publish; the published version is the source
// of truth and the index is rebuildable from it at any time.
type Indexer struct {
	fts     *repo.FTSRepo
	modules *repo.ModuleRepo
	publish *service.PublishService
}

func NewIndexer(fts *repo.FTSRepo, modules *repo.ModuleRepo, publish *service.PublishService) *Indexer {
	return &Indexer{fts: fts, modules: modules, publish: publish}
}

// Register binds the index handler into the job dispatch table.
func (ix *Indexer) Register(jobs *service.JobService) error {
	return jobs.RegisterHandler(model.HandlerSearchIndex, ix.HandleIndex)
}

// HandleIndex indexes the latest published version of the module named in
// the task payload. Always the latest: if a newer version landed between
// enqueue and delivery, indexing the newer content is the better outcome.
func (ix *Indexer) HandleIndex(ctx context.Context, inv *service.Invocation) error {
	moduleID := inv.Task.Payload
	if moduleID == "" {
		return fmt.Errorf("index task without module id: %w", appErr.ErrInvalid)
	}
	version, err := ix.publish.GetModuleVersion(ctx, moduleID, model.VersionLatest)
	if err != nil {
		if appErr.IsNotFound(err) {
			// Nothing published (yet); a later publish enqueues again.
			return nil
		}
		return err
	}
	if err := ix.fts.Upsert(ctx, moduleID, version.Title, version.Content, timeutil.NowUnix()); err != nil {
		return appErr.Transient(err)
	}
	logutil.GetLogger(ctx).Debug("module indexed",
		zap.String("module_id", moduleID), zap.Int("version", version.Version))
	return nil
}

// Result is one search hit with enough module context to render a listing.
type Result struct {
	ModuleID      string `json:"module_id"`
	Title         string `json:"title"`
	LatestVersion int    `json:"latest_version"`
}

// Search runs a plain-language query over indexed modules.
func (ix *Indexer) Search(ctx context.Context, query string, limit uint) ([]Result, error) {
	ids, err := ix.fts.SearchModuleIDs(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		module, err := ix.modules.GetByID(ctx, id)
		if err != nil {
			if appErr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		results = append(results, Result{
			ModuleID:      module.ID,
			Title:         module.Title,
			LatestVersion: module.LatestVersion,
		})
	}
	return results, nil
}
