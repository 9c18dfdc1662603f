package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
)

// PublishService is the version ledger: it reserves version numbers and
// durably, immutably associates content with them.
type PublishService struct {
	db                 *sql.DB
	modules            *repo.ModuleRepo
	moduleVersions     *repo.ModuleVersionRepo
	collections        *repo.CollectionRepo
	collectionVersions *repo.CollectionVersionRepo
}

func NewPublishService(db *sql.DB, modules *repo.ModuleRepo, moduleVersions *repo.ModuleVersionRepo, collections *repo.CollectionRepo, collectionVersions *repo.CollectionVersionRepo) *PublishService {
	return &PublishService{
		db:                 db,
		modules:            modules,
		moduleVersions:     moduleVersions,
		collections:        collections,
		collectionVersions: collectionVersions,
	}
}

// ReserveModuleVersion reserves the next version for a module. When the
// source has not been edited since the last publish (by last-edit
// timestamp), it short-circuits and reports that the current latest version
// still covers the content. That is a dedup optimization only; callers that
// skip it stay correct.
func (s *PublishService) ReserveModuleVersion(ctx context.Context, moduleID string, sourceEditTime int64) (version int, changed bool, err error) {
	module, err := s.modules.GetByID(ctx, moduleID)
	if err != nil {
		return 0, false, err
	}
	if module.State == model.ModuleStatePublished && sourceEditTime > 0 && module.LastEditTime >= sourceEditTime {
		return module.LatestVersion, false, nil
	}
	v, err := s.modules.ReserveVersion(ctx, moduleID, timeutil.NowUnix())
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *PublishService) ReserveCollectionVersion(ctx context.Context, collectionID string) (int, error) {
	return s.collections.ReserveVersion(ctx, collectionID, timeutil.NowUnix())
}

// PublishResource is a binary attachment published alongside a module
// version.
type PublishResource struct {
	ResourceID  string
	LocationRef string
	ContentType string
}

// PublishModuleVersion writes the version row and moves the module's
// latest-published pointer in one transaction. For an existing
// (moduleID, version) row: identical content returns the stored row
// unchanged (idempotent retry), differing content fails with
// ErrMutabilityViolation and never overwrites published history.
func (s *PublishService) PublishModuleVersion(ctx context.Context, v *model.ModuleVersion, resources []PublishResource) (*model.ModuleVersion, error) {
	if v.ModuleID == "" || v.Version <= 0 {
		return nil, appErr.ErrInvalid
	}
	now := timeutil.NowUnix()
	if v.Ctime == 0 {
		v.Ctime = now
	}
	var published *model.ModuleVersion
	err := dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.moduleVersions.GetTx(ctx, tx, v.ModuleID, v.Version)
		if err == nil {
			if existing.Equal(v) {
				published = existing
				return nil
			}
			return appErr.ErrMutabilityViolation
		}
		if !appErr.IsNotFound(err) {
			return err
		}
		if err := s.moduleVersions.InsertTx(ctx, tx, v); err != nil {
			return err
		}
		for _, res := range resources {
			row := &model.ModuleVersionResource{
				ModuleID:    v.ModuleID,
				Version:     v.Version,
				ResourceID:  res.ResourceID,
				LocationRef: res.LocationRef,
				ContentType: res.ContentType,
				Ctime:       v.Ctime,
			}
			if err := s.moduleVersions.InsertResourceTx(ctx, tx, row); err != nil {
				return err
			}
		}
		if err := s.modules.UpdateLatestTx(ctx, tx, v, now); err != nil {
			return err
		}
		published = v
		return nil
	})
	if err != nil {
		if errors.Is(err, appErr.ErrConflict) {
			// Lost an insert race; the winner's row decides.
			existing, gerr := s.moduleVersions.Get(ctx, v.ModuleID, v.Version)
			if gerr != nil {
				return nil, gerr
			}
			if existing.Equal(v) {
				return existing, nil
			}
			return nil, appErr.ErrMutabilityViolation
		}
		return nil, err
	}
	logutil.GetLogger(ctx).Info("module version published",
		zap.String("module_id", v.ModuleID), zap.Int("version", v.Version))
	return published, nil
}

// PublishCollectionVersion follows the same protocol as module publish,
// including the idempotent equal-content branch (one consistent policy for
// both entity kinds). The tree must have a single root and no ModuleID may
// appear on more than one leaf.
func (s *PublishService) PublishCollectionVersion(ctx context.Context, v *model.CollectionVersion) (*model.CollectionVersion, error) {
	if v.CollectionID == "" || v.Version <= 0 {
		return nil, appErr.ErrInvalid
	}
	if err := model.ValidateTree(v.Tree); err != nil {
		return nil, err
	}
	now := timeutil.NowUnix()
	if v.Ctime == 0 {
		v.Ctime = now
	}
	var published *model.CollectionVersion
	err := dbutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.collectionVersions.GetTx(ctx, tx, v.CollectionID, v.Version)
		if err == nil {
			if existing.Equal(v) {
				published = existing
				return nil
			}
			return appErr.ErrMutabilityViolation
		}
		if !appErr.IsNotFound(err) {
			return err
		}
		if err := s.collectionVersions.InsertTx(ctx, tx, v); err != nil {
			return err
		}
		if err := s.collections.UpdateLatestTx(ctx, tx, v.CollectionID, v.Version, now); err != nil {
			return err
		}
		published = v
		return nil
	})
	if err != nil {
		if errors.Is(err, appErr.ErrConflict) {
			existing, gerr := s.collectionVersions.Get(ctx, v.CollectionID, v.Version)
			if gerr != nil {
				return nil, gerr
			}
			if existing.Equal(v) {
				return existing, nil
			}
			return nil, appErr.ErrMutabilityViolation
		}
		return nil, err
	}
	logutil.GetLogger(ctx).Info("collection version published",
		zap.String("collection_id", v.CollectionID), zap.Int("version", v.Version))
	return published, nil
}

// GetModuleVersion resolves the VersionLatest token to the module's current
// latest-published version. A module with no published version yet is not
// found.
func (s *PublishService) GetModuleVersion(ctx context.Context, moduleID string, version int) (*model.ModuleVersion, error) {
	if version == model.VersionLatest {
		module, err := s.modules.GetByID(ctx, moduleID)
		if err != nil {
			return nil, err
		}
		if module.LatestVersion == 0 {
			return nil, appErr.ErrNotFound
		}
		version = module.LatestVersion
	}
	return s.moduleVersions.Get(ctx, moduleID, version)
}

func (s *PublishService) GetCollectionVersion(ctx context.Context, collectionID string, version int) (*model.CollectionVersion, error) {
	if version == model.VersionLatest {
		col, err := s.collections.GetByID(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		if col.LatestVersion == 0 {
			return nil, appErr.ErrNotFound
		}
		version = col.LatestVersion
	}
	return s.collectionVersions.Get(ctx, collectionID, version)
}

func (s *PublishService) ListModuleVersions(ctx context.Context, moduleID string) ([]model.ModuleVersion, error) {
	return s.moduleVersions.ListSummaries(ctx, moduleID)
}

func (s *PublishService) GetModule(ctx context.Context, moduleID string) (*model.Module, error) {
	return s.modules.GetByID(ctx, moduleID)
}

func (s *PublishService) GetCollection(ctx context.Context, collectionID string) (*model.Collection, error) {
	return s.collections.GetByID(ctx, collectionID)
}
