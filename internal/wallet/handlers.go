package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for wallet balances and history.
// Moves are appended by settlement, never over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes. The server's tenant middleware must
// run first so the actor context keys are populated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:sellerId", h.GetWallet)
	r.GET("/wallets/:sellerId/moves", h.ListMoves)
}

func (h *Handler) findAccount(c *gin.Context) (*Account, bool) {
	tenantID := c.GetString("tenantID")
	currency := c.DefaultQuery("currency", "USD")

	a, err := h.service.Find(c.Request.Context(), tenantID, c.Param("sellerId"), currency)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No wallet for this seller and currency",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return nil, false
	}
	return a, true
}

// GetWallet handles GET /v1/wallets/:sellerId
func (h *Handler) GetWallet(c *gin.Context) {
	a, ok := h.findAccount(c)
	if !ok {
		return
	}

	balance, err := h.service.Balance(c.Request.Context(), a.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": a, "balance": balance})
}

// ListMoves handles GET /v1/wallets/:sellerId/moves
func (h *Handler) ListMoves(c *gin.Context) {
	a, ok := h.findAccount(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	moves, err := h.service.History(c.Request.Context(), a.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletId": a.ID, "moves": moves, "count": len(moves)})
}
