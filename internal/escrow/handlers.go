package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DaveO280/Diem-Marketplace/internal/pagination"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
	"github.com/DaveO280/Diem-Marketplace/internal/validation"
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
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/distribution", h.PreviewDistribution)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/credential", h.DeliverCredential)
	r.POST("/escrows/:id/attest", h.AttestUsage)
	r.POST("/escrows/:id/settle", h.Settle)
	r.POST("/escrows/:id/auto-complete", h.AutoComplete)
	r.POST("/escrows/:id/refund-expired", h.RefundExpired)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/emergency-refund", h.EmergencyRefund)
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
		validation.ValidAddress("provider", req.Provider),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	consumer := c.GetString("authAccountAddr") // Set by auth middleware
	escrow, err := h.service.Create(c.Request.Context(), consumer, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	filter := Filter{
		Party:  c.Query("party"),
		Status: Status(c.Query("status")),
		Limit:  limit + 1, // extra row detects another page
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}
	if cursor != nil {
		filter.CreatedBefore = cursor.CreatedAt
		filter.BeforeID = cursor.ID
	}

	escrows, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"escrows":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// PreviewDistribution handles GET /v1/escrows/:id/distribution
func (h *Handler) PreviewDistribution(c *gin.Context) {
	usage, err := strconv.ParseInt(c.Query("usage"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "usage query parameter is required",
		})
		return
	}

	dist, err := h.service.PreviewDistribution(c.Request.Context(), c.Param("id"), usage)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrowId":         c.Param("id"),
		"usage":            usage,
		"usedAmount":       usdc.Format(dist.UsedAmount),
		"unusedAmount":     usdc.Format(dist.UnusedAmount),
		"platformFee":      usdc.Format(dist.PlatformFee),
		"penaltyAmount":    usdc.Format(dist.PenaltyAmount),
		"providerAmount":   usdc.Format(dist.ProviderAmount),
		"consumerRefund":   usdc.Format(dist.ConsumerRefund),
		"feeVersion":       dist.Fees.Version,
		"platformFeeBps":   dist.Fees.PlatformFeeBps,
		"unusedPenaltyBps": dist.Fees.UnusedPenaltyBps,
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	escrow, err := h.service.Fund(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// CredentialRequest carries the provider's hex commitment to the delivered
// access credential.
type CredentialRequest struct {
	CredentialHash string `json:"credentialHash" binding:"required"`
}

// DeliverCredential handles POST /v1/escrows/:id/credential
func (h *Handler) DeliverCredential(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	var req CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "credentialHash is required",
		})
		return
	}

	escrow, err := h.service.DeliverCredential(c.Request.Context(), caller, c.Param("id"), req.CredentialHash)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AttestRequest contains a usage attestation. Usage is a pointer so that an
// explicit zero is distinguishable from a missing field.
type AttestRequest struct {
	Usage *int64 `json:"usage" binding:"required"`
}

// AttestUsage handles POST /v1/escrows/:id/attest
func (h *Handler) AttestUsage(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	var req AttestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Usage is required",
		})
		return
	}

	escrow, err := h.service.AttestUsage(c.Request.Context(), caller, c.Param("id"), *req.Usage)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Settle handles POST /v1/escrows/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	escrow, err := h.service.Settle(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AutoComplete handles POST /v1/escrows/:id/auto-complete
func (h *Handler) AutoComplete(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	escrow, err := h.service.AutoComplete(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundExpired handles POST /v1/escrows/:id/refund-expired
func (h *Handler) RefundExpired(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	escrow, err := h.service.RefundExpired(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, 1000)
	escrow, err := h.service.RaiseDispute(c.Request.Context(), caller, c.Param("id"), reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "providerAmount and consumerAmount are required",
		})
		return
	}
	req.Resolution = validation.SanitizeString(req.Resolution, 1000)

	escrow, err := h.service.ResolveDispute(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// EmergencyRefundRequest carries the reason recorded with an emergency refund.
type EmergencyRefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// EmergencyRefund handles POST /v1/escrows/:id/emergency-refund
func (h *Handler) EmergencyRefund(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	var req EmergencyRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, 1000)
	escrow, err := h.service.EmergencyRefund(c.Request.Context(), caller, c.Param("id"), reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// respondError maps service errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrPaused):
		status = http.StatusServiceUnavailable
		code = "paused"
	case errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrAlreadyAttested),
		errors.Is(err, ErrConsumerFirst),
		errors.Is(err, ErrUsageMismatch),
		errors.Is(err, ErrNotAttested),
		errors.Is(err, ErrConsumerAttested),
		errors.Is(err, ErrNotPaused):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrReportingClosed),
		errors.Is(err, ErrReportingOpen),
		errors.Is(err, ErrGraceNotElapsed),
		errors.Is(err, ErrDisputeWindowOpen),
		errors.Is(err, ErrDisputeClosed):
		status = http.StatusConflict
		code = "timing_violation"
	case errors.Is(err, ErrSameParty),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountOverCap),
		errors.Is(err, ErrInvalidUsageLimit),
		errors.Is(err, ErrInvalidUsage),
		errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrOverAllocation):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrPaymentFailed):
		status = http.StatusPaymentRequired
		code = "payment_failed"
	case errors.Is(err, ErrConservation):
		status = http.StatusInternalServerError
		code = "conservation_failure"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
