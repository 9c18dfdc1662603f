package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/pkg/errcode"
	"github.com/lecternhq/lectern/internal/pkg/response"
	"github.com/lecternhq/lectern/internal/service"
)

type ModuleHandler struct {
	publish *service.PublishService
}

func NewModuleHandler(publish *service.PublishService) *ModuleHandler {
	return &ModuleHandler{publish: publish}
}

func (h *ModuleHandler) Get(c *gin.Context) {
	module, err := h.publish.GetModule(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, module)
}

func (h *ModuleHandler) ListVersions(c *gin.Context) {
	versions, err := h.publish.ListModuleVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, versions)
}

func (h *ModuleHandler) GetVersion(c *gin.Context) {
	version, err := parseVersion(c.Param("version"))
	if err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid version")
		return
	}
	row, err := h.publish.GetModuleVersion(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, row)
}
