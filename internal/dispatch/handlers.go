package dispatch

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trakka/payguard/internal/tenant"
)

// Handler provides HTTP endpoints for dispatch operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispatch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispatch routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/dispatches", h.CreateDispatch)
	r.GET("/dispatches/:id", h.GetDispatch)
	r.POST("/dispatches/:id/assign", h.Assign)
	r.POST("/dispatches/:id/accept", h.Accept)
	r.POST("/dispatches/:id/pick", h.Pick)
	r.POST("/dispatches/:id/on-route", h.OnRoute)
	r.POST("/dispatches/:id/deliver", h.Deliver)
	r.POST("/dispatches/:id/fail", h.Fail)
	r.POST("/dispatches/:id/quote", h.Quote)
	r.POST("/dispatches/:id/send", h.SendToProvider)
	r.POST("/dispatches/:id/refresh", h.RefreshStatus)
	r.POST("/dispatches/:id/cancel-shipment", h.CancelShipment)
}

func actorFrom(c *gin.Context) tenant.Actor {
	return tenant.Actor{
		TenantID:   c.GetString("tenantID"),
		UserID:     c.GetString("userID"),
		Privileged: c.GetBool("privileged"),
	}
}

// CreateDispatch handles POST /v1/dispatches
func (h *Handler) CreateDispatch(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Create(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrEscrowNotHeld):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "escrow_not_held",
				"message": "Order has no held escrow",
			})
		case errors.Is(err, ErrOrderAlreadyDispatched):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "order_already_dispatched",
				"message": "A dispatch already exists for this order",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "dispatch_failed",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispatch": d})
}

// GetDispatch handles GET /v1/dispatches/:id
func (h *Handler) GetDispatch(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatch": d})
}

// Assign handles POST /v1/dispatches/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var req struct {
		Partner string `json:"partner" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A partner is required",
		})
		return
	}
	d, err := h.service.Assign(c.Request.Context(), actorFrom(c), c.Param("id"), req.Partner)
	h.respond(c, d, err)
}

// Accept handles POST /v1/dispatches/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	d, err := h.service.Accept(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

// Pick handles POST /v1/dispatches/:id/pick
func (h *Handler) Pick(c *gin.Context) {
	d, err := h.service.Pick(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

// OnRoute handles POST /v1/dispatches/:id/on-route
func (h *Handler) OnRoute(c *gin.Context) {
	d, err := h.service.OnRoute(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

// Deliver handles POST /v1/dispatches/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req struct {
		ProofValue string `json:"proofValue"`
	}
	_ = c.ShouldBindJSON(&req) // proof is optional when proof_type is none
	d, err := h.service.Deliver(c.Request.Context(), actorFrom(c), c.Param("id"), req.ProofValue)
	h.respond(c, d, err)
}

// Fail handles POST /v1/dispatches/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A failure reason is required",
		})
		return
	}
	d, err := h.service.Fail(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	h.respond(c, d, err)
}

// Quote handles POST /v1/dispatches/:id/quote
func (h *Handler) Quote(c *gin.Context) {
	d, err := h.service.Quote(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

// SendToProvider handles POST /v1/dispatches/:id/send
func (h *Handler) SendToProvider(c *gin.Context) {
	d, err := h.service.SendToProvider(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

// RefreshStatus handles POST /v1/dispatches/:id/refresh
func (h *Handler) RefreshStatus(c *gin.Context) {
	d, err := h.service.RefreshStatus(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

// CancelShipment handles POST /v1/dispatches/:id/cancel-shipment
func (h *Handler) CancelShipment(c *gin.Context) {
	d, err := h.service.CancelShipment(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.respond(c, d, err)
}

func (h *Handler) respond(c *gin.Context, d *Dispatch, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatch": d})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDispatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispatch order not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "state_conflict",
			"message": "Dispatch state changed concurrently, re-read and retry",
		})
	case errors.Is(err, ErrProofRequired),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrPartnerRequired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoConnector), errors.Is(err, ErrNoProviderRef):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "config_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "provider_unavailable",
			"message": "Delivery provider is temporarily unavailable, try again shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
