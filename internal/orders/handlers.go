package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trakka/payguard/internal/tenant"
	"github.com/trakka/payguard/internal/validation"
)

// Handler provides HTTP endpoints for the order directory.
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order directory routes. The server's tenant
// middleware must run first so the actor context keys are populated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/orders", h.PutOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/invoiced", h.MarkInvoiced)
}

func actorFrom(c *gin.Context) tenant.Actor {
	return tenant.Actor{
		TenantID:   c.GetString("tenantID"),
		UserID:     c.GetString("userID"),
		Privileged: c.GetBool("privileged"),
	}
}

// PutOrder handles PUT /v1/orders
func (h *Handler) PutOrder(c *gin.Context) {
	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("id", req.ID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidAmount("total", req.Total),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, err := h.service.Put(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		if errors.Is(err, ErrInvalidTotal) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Total must be greater than zero",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store order",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	list, err := h.service.List(c.Request.Context(), c.GetString("tenantID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// MarkInvoiced handles POST /v1/orders/:id/invoiced
func (h *Handler) MarkInvoiced(c *gin.Context) {
	o, err := h.service.MarkInvoiced(c.Request.Context(), c.GetString("tenantID"), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
