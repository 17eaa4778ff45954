package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for governance operations.
type Handler struct {
	service *Service
	quorum  *QuorumAuthority // nil unless the quorum authority is configured
}

// NewHandler creates a new governance handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithQuorum exposes the approval endpoints for quorum deployments.
func (h *Handler) WithQuorum(q *QuorumAuthority) *Handler {
	h.quorum = q
	return h
}

// RegisterRoutes sets up public (read-only) governance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/state", h.GetState)
}

// RegisterProtectedRoutes sets up protected governance routes. Authority
// checks happen in the service; execute/unpause only need an authenticated
// caller for the audit trail.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/admin/fees/schedule", h.ScheduleFeeUpdate)
	r.POST("/admin/fees/execute", h.ExecuteFeeUpdate)
	r.POST("/admin/fees/cancel", h.CancelFeeUpdate)
	r.POST("/admin/pause", h.Pause)
	r.POST("/admin/unpause/schedule", h.ScheduleUnpause)
	r.POST("/admin/unpause", h.Unpause)
	r.POST("/admin/approve", h.Approve)
	r.POST("/admin/revoke", h.Revoke)
}

// GetState handles GET /v1/admin/state
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.service.State(c.Request.Context())})
}

// ScheduleFeesRequest carries a fee update proposal. Pointers so an explicit
// zero rate is distinguishable from a missing field.
type ScheduleFeesRequest struct {
	PlatformFeeBps   *int64 `json:"platformFeeBps" binding:"required"`
	UnusedPenaltyBps *int64 `json:"unusedPenaltyBps" binding:"required"`
}

// ScheduleFeeUpdate handles POST /v1/admin/fees/schedule
func (h *Handler) ScheduleFeeUpdate(c *gin.Context) {
	var req ScheduleFeesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "platformFeeBps and unusedPenaltyBps are required",
		})
		return
	}

	caller := c.GetString("authAccountAddr") // Set by auth middleware
	pending, err := h.service.ScheduleFeeUpdate(c.Request.Context(), caller, *req.PlatformFeeBps, *req.UnusedPenaltyBps)
	if err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"pending": pending})
}

// ExecuteFeeUpdate handles POST /v1/admin/fees/execute
func (h *Handler) ExecuteFeeUpdate(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	fees, err := h.service.ExecuteFeeUpdate(c.Request.Context(), caller)
	if err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"fees": fees})
}

// CancelFeeUpdate handles POST /v1/admin/fees/cancel
func (h *Handler) CancelFeeUpdate(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	if err := h.service.CancelFeeUpdate(c.Request.Context(), caller); err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Pause handles POST /v1/admin/pause
func (h *Handler) Pause(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	if err := h.service.Pause(c.Request.Context(), caller); err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ScheduleUnpause handles POST /v1/admin/unpause/schedule
func (h *Handler) ScheduleUnpause(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	after, err := h.service.ScheduleUnpause(c.Request.Context(), caller)
	if err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "scheduled", "unpauseAfter": after})
}

// Unpause handles POST /v1/admin/unpause
func (h *Handler) Unpause(c *gin.Context) {
	caller := c.GetString("authAccountAddr")

	if err := h.service.Unpause(c.Request.Context(), caller); err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unpaused"})
}

// ApprovalRequest names the action a quorum member approves or revokes.
type ApprovalRequest struct {
	Action string `json:"action" binding:"required"`
}

// Approve handles POST /v1/admin/approve
func (h *Handler) Approve(c *gin.Context) {
	if h.quorum == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Approvals only apply to quorum deployments",
		})
		return
	}

	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action is required",
		})
		return
	}

	caller := c.GetString("authAccountAddr")
	if err := h.quorum.Approve(caller, req.Action); err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "approved",
		"action":    req.Action,
		"approvals": h.quorum.Approvals(req.Action),
	})
}

// Revoke handles POST /v1/admin/revoke
func (h *Handler) Revoke(c *gin.Context) {
	if h.quorum == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Approvals only apply to quorum deployments",
		})
		return
	}

	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action is required",
		})
		return
	}

	caller := c.GetString("authAccountAddr")
	if err := h.quorum.Revoke(caller, req.Action); err != nil {
		respondAdminError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked", "action": req.Action})
}

// respondAdminError maps service errors to HTTP status codes.
func respondAdminError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotMember):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrFeeTooHigh),
		errors.Is(err, ErrPenaltyTooHigh),
		errors.Is(err, ErrInvalidBps):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrTimelockActive):
		status = http.StatusConflict
		code = "timing_violation"
	case errors.Is(err, ErrUpdatePending),
		errors.Is(err, ErrNoPendingUpdate),
		errors.Is(err, ErrAlreadyPaused),
		errors.Is(err, ErrNotPaused),
		errors.Is(err, ErrUnpauseNotScheduled):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
