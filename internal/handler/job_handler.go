package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/pkg/response"
	"github.com/lecternhq/lectern/internal/service"
)

type JobHandler struct {
	jobs *service.JobService
}

func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, job)
}

func (h *JobHandler) Logs(c *gin.Context) {
	logs, err := h.jobs.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, logs)
}

func (h *JobHandler) Children(c *gin.Context) {
	children, err := h.jobs.ListChildren(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, children)
}

func (h *JobHandler) Tasks(c *gin.Context) {
	tasks, err := h.jobs.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, tasks)
}

type stopJobRequest struct {
	Reason string `json:"reason"`
}

func (h *JobHandler) Stop(c *gin.Context) {
	var req stopJobRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.jobs.Stop(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"stopped": true})
}
