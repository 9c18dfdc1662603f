package model

import (
	"strings"

	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

// ModuleKind is derived from the ExternalID prefix and decides which import
// pipeline handles the resource.
type ModuleKind int

const (
	KindDocument ModuleKind = iota + 1
	KindFolder
	KindPlaylist
	KindHosted
	KindSynthetic
)

var kindNames = map[ModuleKind]string{
	KindDocument:  "document",
	KindFolder:    "folder",
	KindPlaylist:  "playlist",
	KindHosted:    "hosted",
	KindSynthetic: "synthetic",
}

var kindByPrefix = map[string]ModuleKind{
	"doc":       KindDocument,
	"folder":    KindFolder,
	"playlist":  KindPlaylist,
	"hosted":    KindHosted,
	"synthetic": KindSynthetic,
}

func (k ModuleKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ExternalID is the stable identifier of a source resource, formatted as
// "<prefix>:<opaque id>". It is the reservation key: re-importing the same
// ExternalID resolves to the same ModuleID.
type ExternalID string

func (e ExternalID) String() string {
	return string(e)
}

// Kind derives the module type tag from the prefix.
func (e ExternalID) Kind() (ModuleKind, error) {
	prefix, rest, ok := strings.Cut(string(e), ":")
	if !ok || rest == "" {
		return 0, appErr.ErrInvalid
	}
	kind, ok := kindByPrefix[strings.ToLower(prefix)]
	if !ok {
		return 0, appErr.ErrUnsupportedType
	}
	return kind, nil
}

// SourceRef returns the provider-side identifier without the prefix.
func (e ExternalID) SourceRef() string {
	_, rest, ok := strings.Cut(string(e), ":")
	if !ok {
		return string(e)
	}
	return rest
}
