package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/internal/domain"
)

type apiError struct {
	Message string                       `json:"message"`
	Code    string                       `json:"code,omitempty"`
	Detail  *domain.NoCapableEngineError `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, errorEnvelope{Error: apiError{Message: msg, Code: code}})
}

type JobHandler struct {
	svc *Service
}

func NewJobHandler(svc *Service) *JobHandler {
	return &JobHandler{svc: svc}
}

// POST /v1/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var in SubmitJobInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	job, err := h.svc.SubmitJob(c.Request.Context(), in)
	if err != nil {
		var sel *domain.NoCapableEngineError
		if errors.As(err, &sel) {
			c.JSON(http.StatusUnprocessableEntity, errorEnvelope{Error: apiError{
				Message: sel.Error(),
				Code:    domain.CategoryNoCapableEngine,
				Detail:  sel,
			}})
			return
		}
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, tasks, err := h.svc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			respondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		respondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "tasks": tasks})
}

// POST /v1/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.svc.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			respondError(c, http.StatusNotFound, "job_not_found", err)
		case errors.Is(err, ErrNotCancellable):
			respondError(c, http.StatusConflict, "cancel_job_failed", err)
		default:
			respondError(c, http.StatusInternalServerError, "cancel_job_failed", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// GET /healthcheck
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
