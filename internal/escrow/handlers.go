package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trakka/payguard/internal/tenant"
	"github.com/trakka/payguard/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. The server's tenant middleware must
// run first so the actor context keys are populated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.PATCH("/escrows/:id/amount", h.UpdateAmount)
	r.POST("/escrows/:id/release-ready", h.MarkReleaseReady)
	r.POST("/escrows/:id/settle", h.Settle)
	r.POST("/escrows/:id/override-release", h.OverrideRelease)
}

func actorFrom(c *gin.Context) tenant.Actor {
	return tenant.Actor{
		TenantID:   c.GetString("tenantID"),
		UserID:     c.GetString("userID"),
		Privileged: c.GetBool("privileged"),
	}
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderAlreadyEscrowed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "order_already_escrowed",
				"message": "An escrow already exists for this order",
			})
		case errors.Is(err, ErrDuplicateKey):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_idempotency_key",
				"message": "An escrow with this idempotency key already exists",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Amount must be greater than zero",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "escrow_failed",
				"message": "Failed to create escrow",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// UpdateAmount handles PATCH /v1/escrows/:id/amount
func (h *Handler) UpdateAmount(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.service.UpdateAmount(c.Request.Context(), actorFrom(c), c.Param("id"), req.Amount)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// MarkReleaseReady handles POST /v1/escrows/:id/release-ready
func (h *Handler) MarkReleaseReady(c *gin.Context) {
	e, err := h.service.MarkReleaseReady(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Settle handles POST /v1/escrows/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	e, err := h.service.PostSettlement(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// OverrideRelease handles POST /v1/escrows/:id/override-release
func (h *Handler) OverrideRelease(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required",
		})
		return
	}

	e, err := h.service.OverrideRelease(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		if errors.Is(err, ErrNotPrivileged) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operation requires a privileged actor",
			})
			return
		}
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAmountLocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvoiceRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invoice_required",
			"message": "Order must be fully invoiced before settlement",
		})
	case tenant.IsConfigError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "config_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
