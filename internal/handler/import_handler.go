package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/importer"
	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/errcode"
	"github.com/lecternhq/lectern/internal/pkg/response"
)

type ImportHandler struct {
	imports *importer.Importer
}

func NewImportHandler(imports *importer.Importer) *ImportHandler {
	return &ImportHandler{imports: imports}
}

type createBatchRequest struct {
	CollectionID    string `json:"collection_id"`
	CollectionTitle string `json:"collection_title"`
}

func (h *ImportHandler) Create(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request body")
		return
	}
	identity := getIdentity(c)
	if identity.OwnerID == "" {
		response.Error(c, errcode.ErrInvalid, "X-Owner-Id header is required")
		return
	}
	batch, err := h.imports.CreateBatch(c.Request.Context(), identity, req.CollectionID, req.CollectionTitle)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, batch)
}

type addResourcesRequest struct {
	Resources []model.ResourceInfo `json:"resources"`
}

func (h *ImportHandler) AddResources(c *gin.Context) {
	var req addResourcesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request body")
		return
	}
	batch, err := h.imports.AddResources(c.Request.Context(), c.Param("id"), req.Resources)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, batch)
}

type confirmBatchRequest struct {
	Tree *model.TreeNode `json:"tree"`
}

func (h *ImportHandler) Confirm(c *gin.Context) {
	var req confirmBatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, errcode.ErrInvalid, "invalid request body")
			return
		}
	}
	batch, err := h.imports.ConfirmBatch(c.Request.Context(), c.Param("id"), req.Tree)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, batch)
}

func (h *ImportHandler) Status(c *gin.Context) {
	status, err := h.imports.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, status)
}
