package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for tenant configuration.
type Handler struct {
	service *Service
}

// NewHandler creates a new tenant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up tenant configuration routes. Writes require a
// privileged actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/tenants/:id", h.PutTenant)
	r.GET("/tenants/:id", h.GetTenant)
}

// PutTenant handles PUT /v1/tenants/:id
func (h *Handler) PutTenant(c *gin.Context) {
	if !c.GetBool("privileged") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Tenant configuration requires a privileged actor",
		})
		return
	}

	var t Tenant
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	t.ID = c.Param("id")

	if err := h.service.Put(c.Request.Context(), &t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// GetTenant handles GET /v1/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	if c.Param("id") != c.GetString("tenantID") && !c.GetBool("privileged") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Cannot read another tenant's configuration",
		})
		return
	}

	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Tenant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}
