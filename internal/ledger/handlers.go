package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vendaro/vendaro/internal/logging"
	"github.com/vendaro/vendaro/internal/money"
)

// Handlers exposes the ledger over HTTP.
type Handlers struct {
	svc *Service
}

// NewHandlers creates HTTP handlers backed by the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Register mounts the ledger routes.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/wallets/:userId/:currency", h.getBalance)
	r.GET("/wallets/:userId/:currency/transactions", h.getHistory)
	r.POST("/wallets/:userId/:currency/deactivate", h.deactivate)
	r.POST("/deposits", h.initiateDeposit)
	r.POST("/withdrawals", h.withdraw)
	r.POST("/transfers", h.transfer)
	r.GET("/transactions/:reference", h.getTransaction)
}

func (h *Handlers) getBalance(c *gin.Context) {
	w, err := h.svc.Balance(c.Request.Context(), c.Param("userId"), c.Param("currency"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) getHistory(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	txns, err := h.svc.History(c.Request.Context(), c.Param("userId"), c.Param("currency"), q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

func (h *Handlers) deactivate(c *gin.Context) {
	userID, currency := c.Param("userId"), c.Param("currency")
	if err := h.svc.Deactivate(c.Request.Context(), userID, currency); err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("wallet deactivated", "user_id", userID, "currency", currency)
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

type depositRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Provider  string `json:"provider"`
}

func (h *Handlers) initiateDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	var meta Metadata
	if req.Provider != "" {
		meta = &GatewayMeta{Provider: req.Provider}
	}
	txn, err := h.svc.InitiateDeposit(c.Request.Context(), req.UserID, req.Currency, amount, req.Reference, meta)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, txn)
}

type withdrawRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference" binding:"required"`
	Provider    string `json:"provider"`
	Destination string `json:"destination"`
}

func (h *Handlers) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	txn, err := h.svc.Withdraw(c.Request.Context(), req.UserID, req.Currency, amount, req.Reference,
		&GatewayMeta{Provider: req.Provider, Destination: req.Destination})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, txn)
}

type transferRequest struct {
	FromUserID  string `json:"fromUserId" binding:"required"`
	Recipient   string `json:"recipient" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference" binding:"required"`
	Description string `json:"description"`
}

func (h *Handlers) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	res, err := h.svc.Transfer(c.Request.Context(), req.FromUserID, req.Recipient, req.Currency,
		amount, req.Reference, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) getTransaction(c *gin.Context) {
	txn, err := h.svc.Transaction(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func writeError(c *gin.Context, err error) {
	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "insufficient funds",
			"required":  money.Format(insufficient.Required),
			"available": money.Format(insufficient.Available),
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient funds"})
	case errors.Is(err, ErrWalletNotFound),
		errors.Is(err, ErrRecipientNotFound),
		errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrWalletInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "wallet is deactivated"})
	case errors.Is(err, ErrSelfOperation),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("ledger request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
