package settlement

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vendaro/vendaro/internal/ledger"
	"github.com/vendaro/vendaro/internal/logging"
	"github.com/vendaro/vendaro/internal/metrics"
	"github.com/vendaro/vendaro/internal/money"
)

// Signature header per provider. Every provider signs the raw body with
// HMAC-SHA256 over the shared secret.
var signatureHeaders = map[Provider]string{
	Paystack:    "X-Paystack-Signature",
	Flutterwave: "Verif-Hash",
	NOWPayments: "X-Nowpayments-Sig",
	ClubKonnect: "X-Signature",
}

// Handler receives gateway callbacks.
type Handler struct {
	service *Service
}

// NewHandler creates a settlement webhook handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the callback endpoints. These are public but
// signature-verified; gateways cannot authenticate any other way.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.HandleCallback)
}

// RegisterProtectedRoutes mounts the caller-initiated settlement endpoints.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payouts", h.InitiatePayout)
}

type callbackPayload struct {
	Kind string `json:"kind"` // "deposit" or "payout"
	Event
}

// HandleCallback handles POST /v1/webhooks/:provider
func (h *Handler) HandleCallback(c *gin.Context) {
	provider := Provider(c.Param("provider"))
	if !KnownProvider(provider) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "Unsupported payment provider",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	signature := c.GetHeader(signatureHeaders[provider])
	if err := h.service.VerifySignature(provider, body, signature); err != nil {
		metrics.GatewayCallbacksTotal.WithLabelValues(string(provider), "rejected").Inc()
		logging.L(c.Request.Context()).Warn("rejected gateway callback",
			"provider", string(provider), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "bad_signature",
			"message": "Signature verification failed",
		})
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed callback payload",
		})
		return
	}
	payload.Provider = provider

	switch payload.Kind {
	case "payout":
		err = h.service.HandlePayoutResult(c.Request.Context(), payload.Event)
	default:
		err = h.service.HandleDeposit(c.Request.Context(), payload.Event)
	}
	if err != nil {
		metrics.GatewayCallbacksTotal.WithLabelValues(string(provider), "failed").Inc()
		writeCallbackError(c, err)
		return
	}
	metrics.GatewayCallbacksTotal.WithLabelValues(string(provider), "applied").Inc()

	// Gateways retry on anything but 2xx; acknowledge exactly once handled.
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type payoutRequest struct {
	Provider    string `json:"provider" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// InitiatePayout handles POST /v1/payouts. The wallet is debited up front
// and the payout submitted to the gateway; the result arrives later as a
// callback.
func (h *Handler) InitiatePayout(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Amount must be a positive decimal",
		})
		return
	}

	txn, err := h.service.InitiateWithdrawal(c.Request.Context(), Provider(req.Provider),
		c.GetString("authUserID"), req.Currency, amount, req.Reference, req.Destination)
	if err != nil {
		writePayoutError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, txn)
}

func writePayoutError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.Is(err, ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_provider",
			"message": "Unsupported payment provider",
		})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "insufficient_funds",
			"message":   "Wallet balance cannot cover this payout",
			"required":  money.Format(insufficient.Required),
			"available": money.Format(insufficient.Available),
		})
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
	case errors.Is(err, ledger.ErrWalletInactive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "wallet_inactive",
			"message": "Wallet is deactivated",
		})
	default:
		logging.L(c.Request.Context()).Error("payout initiation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payout_failed",
			"message": "Failed to initiate payout",
		})
	}
}

func writeCallbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingReference):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Callback missing reference",
		})
	default:
		logging.L(c.Request.Context()).Error("gateway callback failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settlement_failed",
			"message": "Failed to apply gateway event",
		})
	}
}
