package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/pkg/errcode"
	"github.com/lecternhq/lectern/internal/pkg/response"
	"github.com/lecternhq/lectern/internal/search"
)

type SearchHandler struct {
	indexer *search.Indexer
}

func NewSearchHandler(indexer *search.Indexer) *SearchHandler {
	return &SearchHandler{indexer: indexer}
}

func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		response.Error(c, errcode.ErrInvalid, "query parameter q is required")
		return
	}
	limit, _ := strconv.ParseUint(c.DefaultQuery("limit", "20"), 10, 32)
	results, err := h.indexer.Search(c.Request.Context(), query, uint(limit))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, results)
}
