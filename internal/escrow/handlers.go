package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vendaro/vendaro/internal/ledger"
	"github.com/vendaro/vendaro/internal/money"
	"github.com/vendaro/vendaro/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:userId/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/accept", h.AcceptEscrow)
	r.POST("/escrows/:id/reject", h.RejectEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/extend", h.ExtendDeadline)
	r.POST("/escrows/:id/messages", h.SendMessage)
	r.GET("/escrows/:id/messages", h.ListMessages)
}

// RegisterAdminRoutes sets up arbiter-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
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
		validation.ValidUserID("buyerId", req.BuyerID),
		validation.ValidUserID("sellerId", req.SellerID),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("title", req.Title, 140),
		validation.MaxLength("description", req.Description, 500),
		validation.MaxLength("terms", req.Terms, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated user must be the buyer.
	callerID := c.GetString("authUserID")
	if callerID != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	fund := c.Query("fund") == "true"
	var (
		escrow *Escrow
		err    error
	)
	if fund {
		escrow, err = h.service.CreateAndFund(c.Request.Context(), req)
	} else {
		escrow, err = h.service.Create(c.Request.Context(), req)
	}
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	if status := Status(c.Query("status")); status != "" {
		filtered := escrows[:0]
		for _, e := range escrows {
			if e.Status == status {
				filtered = append(filtered, e)
			}
		}
		escrows = filtered
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// AcceptEscrow handles POST /v1/escrows/:id/accept
func (h *Handler) AcceptEscrow(c *gin.Context) {
	escrow, err := h.service.Accept(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RejectEscrow handles POST /v1/escrows/:id/reject
func (h *Handler) RejectEscrow(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	escrow, err := h.service.Reject(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	escrow, err := h.service.Fund(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	escrow, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	escrow, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Dispute reason is required",
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 500)

	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Resolution is required",
		})
		return
	}

	escrow, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ExtendDeadline handles POST /v1/escrows/:id/extend
func (h *Handler) ExtendDeadline(c *gin.Context) {
	var req struct {
		Extension string `json:"extension" binding:"required"` // duration string, e.g. "24h"
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Extension duration is required",
		})
		return
	}
	extra, err := time.ParseDuration(req.Extension)
	if err != nil || extra <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Extension must be a positive duration like 24h",
		})
		return
	}

	escrow, err := h.service.ExtendDeadline(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), extra)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// SendMessage handles POST /v1/escrows/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Message body is required",
		})
		return
	}

	msg, err := h.service.SendMessage(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Body)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /v1/escrows/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), limit)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func writeEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this escrow operation",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Escrow is already in a final state",
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Escrow is not in a valid state for this operation",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrWalletInactive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "wallet_inactive",
			"message": "Wallet is deactivated",
		})
	case errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Buyer and seller cannot be the same user",
		})
	case errors.Is(err, ErrEmptyMessage),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrInvalidCurrency):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": err.Error(),
		})
	}
}
