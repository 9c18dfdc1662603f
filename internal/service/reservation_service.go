package service

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/timeutil"
	"github.com/lecternhq/lectern/internal/repo"
)

// ReservationService allocates module and collection identifiers ahead of
// any content being published.
type ReservationService struct {
	modules     *repo.ModuleRepo
	collections *repo.CollectionRepo

	// ExternalID -> ModuleID. Mappings are created once and never change,
	// so cached entries cannot go stale.
	mappings *lru.Cache[string, string]
}

const mappingCacheSize = 4096

func NewReservationService(modules *repo.ModuleRepo, collections *repo.CollectionRepo) (*ReservationService, error) {
	cache, err := lru.New[string, string](mappingCacheSize)
	if err != nil {
		return nil, err
	}
	return &ReservationService{modules: modules, collections: collections, mappings: cache}, nil
}

// ReserveModule resolves an ExternalID to a module, creating one in RESERVED
// state on first sight. Idempotent: every call with the same ExternalID
// returns the same ModuleID, including concurrent first calls.
func (s *ReservationService) ReserveModule(ctx context.Context, externalID model.ExternalID, owners []string, title string) (*model.Module, error) {
	kind, err := externalID.Kind()
	if err != nil {
		return nil, err
	}
	if moduleID, ok := s.mappings.Get(externalID.String()); ok {
		return s.modules.GetByID(ctx, moduleID)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	now := timeutil.NowUnix()
	candidate := &model.Module{
		ID:     newID(),
		Kind:   kind,
		State:  model.ModuleStateReserved,
		Title:  title,
		Owners: owners,
		Ctime:  now,
		Mtime:  now,
	}
	module, err := s.modules.ReserveWithMapping(ctx, externalID, candidate)
	if err != nil {
		return nil, err
	}
	s.mappings.Add(externalID.String(), module.ID)
	return module, nil
}

// ReserveCollection always creates a new RESERVED collection; collections
// are not deduplicated by origin.
func (s *ReservationService) ReserveCollection(ctx context.Context, owners []string, title string) (*model.Collection, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, appErr.ErrInvalid
	}
	now := timeutil.NowUnix()
	col := &model.Collection{
		ID:     newID(),
		State:  model.CollectionStateReserved,
		Title:  title,
		Owners: owners,
		Ctime:  now,
		Mtime:  now,
	}
	if err := s.collections.Create(ctx, col); err != nil {
		return nil, err
	}
	return col, nil
}
