package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/pkg/errcode"
	"github.com/lecternhq/lectern/internal/pkg/response"
	"github.com/lecternhq/lectern/internal/service"
)

type CollectionHandler struct {
	publish *service.PublishService
}

func NewCollectionHandler(publish *service.PublishService) *CollectionHandler {
	return &CollectionHandler{publish: publish}
}

func (h *CollectionHandler) Get(c *gin.Context) {
	collection, err := h.publish.GetCollection(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, collection)
}

func (h *CollectionHandler) GetVersion(c *gin.Context) {
	version, err := parseVersion(c.Param("version"))
	if err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid version")
		return
	}
	row, err := h.publish.GetCollectionVersion(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, row)
}
