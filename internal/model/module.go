package model

const (
	ModuleStateReserved  = 1
	ModuleStatePublished = 2
)

// VersionLatest is the version token meaning "resolve to the latest
// published version".
const VersionLatest = 0

type Module struct {
	ID              string     `json:"id"`
	Kind            ModuleKind `json:"kind"`
	State           int        `json:"state"`
	Title           string     `json:"title"`
	Owners          []string   `json:"owners"`
	ReservedVersion int        `json:"reserved_version"`
	LatestVersion   int        `json:"latest_version"`
	Etag            string     `json:"etag"`
	LastEditTime    int64      `json:"last_edit_time"`
	Ctime           int64      `json:"ctime"`
	Mtime           int64      `json:"mtime"`
}

// ModuleVersion is immutable once written: the repo never updates a row for
// an existing (ModuleID, Version) pair.
type ModuleVersion struct {
	ModuleID     string `json:"module_id"`
	Version      int    `json:"version"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Etag         string `json:"etag"`
	LastEditTime int64  `json:"last_edit_time"`
	Ctime        int64  `json:"ctime"`
}

// Equal reports whether two versions carry identical published fields.
// Ctime is excluded: it records when the row was written, not what was
// published.
func (v *ModuleVersion) Equal(other *ModuleVersion) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.ModuleID == other.ModuleID &&
		v.Version == other.Version &&
		v.Title == other.Title &&
		v.Content == other.Content &&
		v.Etag == other.Etag &&
		v.LastEditTime == other.LastEditTime
}

type ModuleVersionResource struct {
	ModuleID    string `json:"module_id"`
	Version     int    `json:"version"`
	ResourceID  string `json:"resource_id"`
	LocationRef string `json:"location_ref"`
	ContentType string `json:"content_type"`
	Ctime       int64  `json:"ctime"`
}
