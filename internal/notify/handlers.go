package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vendaro/vendaro/internal/security"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a notification handler.
func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterProtectedRoutes sets up subscription management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.Subscribe)
	r.GET("/notifications/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:id", h.Unsubscribe)
}

// Subscribe handles POST /v1/notifications/subscriptions
func (h *Handler) Subscribe(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Subscription URL is required",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Subscription URL rejected: " + err.Error(),
		})
		return
	}

	sub, secret, err := h.dispatcher.Subscribe(c.Request.Context(), c.GetString("authUserID"), req.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "subscribe_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	// The secret is shown once; store it to verify delivery signatures.
	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "secret": secret})
}

// ListSubscriptions handles GET /v1/notifications/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.dispatcher.Subscriptions(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// Unsubscribe handles DELETE /v1/notifications/subscriptions/:id
func (h *Handler) Unsubscribe(c *gin.Context) {
	err := h.dispatcher.Unsubscribe(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
	case errors.Is(err, ErrNotSubscriptionOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not the subscription owner",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "unsubscribe_failed",
			"message": "Failed to remove subscription",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
