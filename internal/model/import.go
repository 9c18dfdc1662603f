package model

import (
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

// Per-resource import states. Transitions only move forward.
const (
	ResourceStateEnqueued = 1 + iota
	ResourceStateWaitingForArchive
	ResourceStateArchiveDownloaded
	ResourceStateComplete
)

// ImportResource ties an ExternalID to an in-progress module import. One row
// per child job; the row is the only state carried between invocations.
type ImportResource struct {
	JobID        string     `json:"job_id"`
	BatchID      string     `json:"batch_id"`
	ExternalID   ExternalID `json:"external_id"`
	Kind         ModuleKind `json:"kind"`
	State        int        `json:"state"`
	Title        string     `json:"title"`
	ArchiveID    string     `json:"archive_id"`
	StagedRef    string     `json:"staged_ref"`
	ModuleID     string     `json:"module_id"`
	Version      int        `json:"version"`
	Etag         string     `json:"etag"`
	LastEditTime int64      `json:"last_edit_time"`
	Polls        int        `json:"polls"`
	LastError    string     `json:"last_error"`
	Ctime        int64      `json:"ctime"`
	Mtime        int64      `json:"mtime"`
}

// ValidateResourceTransition enforces the forward-only per-resource state
// machine and the fields each target state requires. Moving backwards fails
// validation. The single permitted skip is ENQUEUED -> COMPLETE for a source
// that has not changed since its last publish; the archive stages have
// nothing to do then, but the completed row must still name its module and
// version.
func ValidateResourceTransition(res *ImportResource, to int) error {
	if res == nil {
		return appErr.ErrInvalid
	}
	if res.State == ResourceStateEnqueued && to == ResourceStateComplete {
		if res.ModuleID == "" || res.Version <= 0 {
			return appErr.ErrInvalid
		}
		return nil
	}
	if to != res.State+1 {
		return appErr.ErrStateConflict
	}
	switch to {
	case ResourceStateWaitingForArchive:
		if res.ArchiveID == "" {
			return appErr.ErrInvalid
		}
	case ResourceStateArchiveDownloaded:
		if res.StagedRef == "" {
			return appErr.ErrInvalid
		}
	case ResourceStateComplete:
		if res.ModuleID == "" || res.Version <= 0 {
			return appErr.ErrInvalid
		}
	default:
		return appErr.ErrStateConflict
	}
	return nil
}

// Per-batch import states.
const (
	BatchStateBuilding = 1 + iota
	BatchStateEnqueued
	BatchStateComplete
)

// ResourceInfo is one requested resource of a batch, recorded while the
// batch is still BUILDING.
type ResourceInfo struct {
	ExternalID ExternalID `json:"external_id"`
	Title      string     `json:"title"`
}

// Destination records that a child job was already created for an
// ExternalID, so a retried batch invocation does not enqueue it twice.
type Destination struct {
	ExternalID ExternalID `json:"external_id"`
	ModuleID   string     `json:"module_id"`
	ChildJobID string     `json:"child_job_id"`
}

// ImportBatch drives a multi-resource import into one collection (or, with
// no collection target, into standalone modules). Create-new (CollectionTitle)
// and append-to-existing (CollectionID) are mutually exclusive.
type ImportBatch struct {
	ID              string `json:"id"`
	JobID           string `json:"job_id"`
	OwnerID         string `json:"owner_id"`
	ActorID         string `json:"actor_id"`
	State           int    `json:"state"`
	CollectionID    string `json:"collection_id"`
	CollectionTitle string `json:"collection_title"`
	// CollectionVersion is the version reserved for the final collection
	// publish, persisted before publishing so a retried aggregation reuses
	// it instead of minting a new version.
	CollectionVersion int            `json:"collection_version"`
	Resources         []ResourceInfo `json:"resources"`
	Destinations      []Destination  `json:"destinations"`
	Tree              *TreeNode      `json:"tree"`
	Ctime             int64          `json:"ctime"`
	Mtime             int64          `json:"mtime"`
}

// Validate checks the invariants of the batch's current state.
func (b *ImportBatch) Validate() error {
	if b.CollectionID != "" && b.CollectionTitle != "" {
		return appErr.ErrInvalid
	}
	switch b.State {
	case BatchStateBuilding:
		return nil
	case BatchStateEnqueued:
		if len(b.Resources) == 0 {
			return appErr.ErrEmptyBatch
		}
		return nil
	case BatchStateComplete:
		if len(b.Resources) == 0 {
			return appErr.ErrEmptyBatch
		}
		if b.WantsCollection() && b.Tree == nil {
			return appErr.ErrInvalid
		}
		if len(b.Destinations) == 0 {
			return appErr.ErrInvalid
		}
		return nil
	default:
		return appErr.ErrStateConflict
	}
}

// WantsCollection reports whether the batch publishes a collection at the
// end, as opposed to importing standalone modules only.
func (b *ImportBatch) WantsCollection() bool {
	return b.CollectionID != "" || b.CollectionTitle != ""
}

// DestinationFor returns the recorded destination for an ExternalID, if any.
func (b *ImportBatch) DestinationFor(externalID ExternalID) (Destination, bool) {
	for _, d := range b.Destinations {
		if d.ExternalID == externalID {
			return d, true
		}
	}
	return Destination{}, false
}
