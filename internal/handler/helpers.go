package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/errcode"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
	"github.com/lecternhq/lectern/internal/pkg/response"
)

// getIdentity reads the acting identity from the request headers. Upstream
// infrastructure authenticates callers; these headers are trusted here.
func getIdentity(c *gin.Context) model.Identity {
	return model.Identity{
		OwnerID: strings.TrimSpace(c.GetHeader("X-Owner-Id")),
		ActorID: strings.TrimSpace(c.GetHeader("X-Actor-Id")),
	}
}

// parseVersion accepts a positive version number or the literal "latest".
func parseVersion(raw string) (int, error) {
	if raw == "" || raw == "latest" {
		return model.VersionLatest, nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version <= 0 {
		return 0, appErr.ErrInvalid
	}
	return version, nil
}

func handleError(c *gin.Context, err error) {
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	switch {
	case err == nil:
		return
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrMutabilityViolation):
		response.Error(c, errcode.ErrMutabilityViolation, "published version is immutable")
	case errors.Is(err, appErr.ErrStateConflict):
		response.Error(c, errcode.ErrStateConflict, "state conflict")
	case errors.Is(err, appErr.ErrUnsupportedType):
		response.Error(c, errcode.ErrUnsupportedType, "unsupported module type")
	case errors.Is(err, appErr.ErrEmptyBatch):
		response.Error(c, errcode.ErrEmptyBatch, "batch has no resources")
	case errors.Is(err, appErr.ErrDuplicateLeaf), errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, "invalid request")
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrConflict, "conflict")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
