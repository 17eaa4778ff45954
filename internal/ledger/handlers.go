package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/DaveO280/Diem-Marketplace/internal/validation"
)

// Handler provides HTTP endpoints for balance and withdrawal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/providers/:address/balance", h.GetBalance)
	r.GET("/providers/:address/ledger", h.GetHistory)
	r.GET("/platform/balance", h.GetPlatformBalance)
}

// RegisterProtectedRoutes sets up protected (auth-required) ledger routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/providers/withdraw", h.Withdraw)
	r.POST("/platform/withdraw", h.WithdrawFees)
}

// GetBalance handles GET /v1/providers/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	if errs := validation.Validate(validation.ValidAddress("address", address)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/providers/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")
	if errs := validation.Validate(validation.ValidAddress("address", address)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.service.History(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetPlatformBalance handles GET /v1/platform/balance
func (h *Handler) GetPlatformBalance(c *gin.Context) {
	balance, err := h.service.PlatformBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve platform balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// Withdraw handles POST /v1/providers/withdraw. The caller drains their own
// full available balance; there is no partial withdrawal.
func (h *Handler) Withdraw(c *gin.Context) {
	caller := c.GetString("authAccountAddr") // Set by auth middleware

	receipt, err := h.service.WithdrawProviderBalance(c.Request.Context(), caller)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "completed",
		"withdrawal": receipt,
	})
}

// WithdrawFees handles POST /v1/platform/withdraw
func (h *Handler) WithdrawFees(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	receipt, err := h.service.WithdrawPlatformFees(c.Request.Context(), caller)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "completed",
		"withdrawal": receipt,
	})
}

// respondLedgerError maps service errors to HTTP status codes.
func respondLedgerError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNothingToWithdraw):
		status = http.StatusConflict
		code = "nothing_to_withdraw"
	case errors.Is(err, ErrInsufficientBalance):
		status = http.StatusConflict
		code = "insufficient_balance"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
