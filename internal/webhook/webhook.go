// Package webhook receives signed 3PL status callbacks.
//
// A callback must prove freshness and authenticity before it touches any
// state: the timestamp header is bound to a 300 second window and the
// signature is an HMAC-SHA256 over the raw body under the connector's
// webhook secret. Rejected requests have no side effects at all.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trakka/payguard/internal/connector"
	"github.com/trakka/payguard/internal/dispatch"
	"github.com/trakka/payguard/internal/metrics"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Payguard-Signature"
	// TimestampHeader carries the sender's unix timestamp in seconds.
	TimestampHeader = "X-Payguard-Timestamp"

	// maxSkew is how old (or future-dated) a callback may be.
	maxSkew = 300 * time.Second
)

// Secrets resolves a connector's webhook secret. Satisfied by
// *connector.Service.
type Secrets interface {
	WebhookSecret(id string) (string, error)
}

// payload is the callback body.
type payload struct {
	ConnectorID string          `json:"connector_id"`
	ProviderRef string          `json:"provider_ref"`
	Status      string          `json:"status"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Handler verifies and applies 3PL callbacks.
type Handler struct {
	secrets  Secrets
	dispatch *dispatch.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a webhook handler.
func NewHandler(secrets Secrets, dispatchService *dispatch.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secrets:  secrets,
		dispatch: dispatchService,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes sets up the public webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/3pl", h.Receive)
}

// Receive handles POST /webhooks/3pl.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.reject(c, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.reject(c, http.StatusBadRequest, "invalid_json", "body is not valid JSON")
		return
	}
	if p.ConnectorID == "" || p.ProviderRef == "" || p.Status == "" {
		h.reject(c, http.StatusBadRequest, "missing_fields", "connector_id, provider_ref and status are required")
		return
	}

	secret, err := h.secrets.WebhookSecret(p.ConnectorID)
	if err != nil || secret == "" {
		// Same response for unknown connector and unconfigured secret, so
		// the endpoint does not leak which connector IDs exist.
		h.reject(c, http.StatusUnauthorized, "unauthorized", "signature verification failed")
		return
	}

	ts, err := strconv.ParseInt(c.GetHeader(TimestampHeader), 10, 64)
	if err != nil {
		h.reject(c, http.StatusUnauthorized, "unauthorized", "missing or invalid timestamp")
		return
	}
	skew := math.Abs(h.now().UTC().Sub(time.Unix(ts, 0)).Seconds())
	if skew > maxSkew.Seconds() {
		h.reject(c, http.StatusUnauthorized, "stale_timestamp", "timestamp outside the allowed window")
		return
	}

	if !connector.Verify(secret, body, c.GetHeader(SignatureHeader)) {
		h.logger.Warn("webhook signature mismatch", "connectorId", p.ConnectorID)
		h.reject(c, http.StatusUnauthorized, "unauthorized", "signature verification failed")
		return
	}

	raw := string(p.Raw)
	if raw == "" {
		raw = string(body)
	}
	d, err := h.dispatch.ApplyProviderStatus(c.Request.Context(), p.ConnectorID, p.ProviderRef, p.Status, raw)
	if err != nil {
		if errors.Is(err, dispatch.ErrDispatchNotFound) {
			h.reject(c, http.StatusNotFound, "dispatch_not_found", "no dispatch for this provider reference")
			return
		}
		h.logger.Error("failed to apply webhook status",
			"connectorId", p.ConnectorID, "providerRef", p.ProviderRef, "error", err)
		h.reject(c, http.StatusInternalServerError, "internal_error", "failed to apply status")
		return
	}

	metrics.WebhooksReceivedTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": d.State})
}

func (h *Handler) reject(c *gin.Context, status int, code, message string) {
	metrics.WebhooksReceivedTotal.WithLabelValues("rejected").Inc()
	c.JSON(status, gin.H{"error": code, "message": message})
}
