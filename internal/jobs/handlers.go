package jobs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides operator endpoints for the connector job queue.
type Handler struct {
	service *Service
}

// NewHandler creates a new jobs handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up job queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/requeue", h.RequeueJob)
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// RequeueJob handles POST /v1/jobs/:id/requeue
func (h *Handler) RequeueJob(c *gin.Context) {
	j, err := h.service.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Connector job not found",
		})
	case errors.Is(err, ErrNotRequeuable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_requeuable",
			"message": "Only permanently failed jobs can be requeued",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
