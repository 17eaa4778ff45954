package registry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DaveO280/Diem-Marketplace/internal/pagination"
)

// Handler provides HTTP endpoints for the offer directory.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.PublishOffer)
	r.PUT("/offers/:id", h.UpdateOffer)
	r.DELETE("/offers/:id", h.RetireOffer)
}

// PublishOffer handles POST /v1/offers
func (h *Handler) PublishOffer(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	provider := c.GetString("authAccountAddr") // Set by auth middleware
	offer, err := h.service.Publish(c.Request.Context(), provider, req)
	if err != nil {
		respondOfferError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// UpdateOffer handles PUT /v1/offers/:id
func (h *Handler) UpdateOffer(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller := c.GetString("authAccountAddr")
	offer, err := h.service.Update(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		respondOfferError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// RetireOffer handles DELETE /v1/offers/:id
func (h *Handler) RetireOffer(c *gin.Context) {
	caller := c.GetString("authAccountAddr")
	offer, err := h.service.Retire(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondOfferError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOfferError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/offers?provider=0x..&q=..&active=true&limit=..&cursor=..
func (h *Handler) ListOffers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	query := Query{
		Provider:   c.Query("provider"),
		Search:     c.Query("q"),
		ActiveOnly: c.DefaultQuery("active", "true") != "false",
		// Fetch one extra so we know whether more pages exist.
		Limit: limit + 1,
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed or expired",
		})
		return
	}
	if cursor != nil {
		query.CreatedBefore = cursor.CreatedAt
		query.BeforeID = cursor.ID
	}

	offers, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		respondOfferError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(offers, limit, func(o *Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"offers":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

func respondOfferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Offer not found",
		})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this offer",
		})
	case errors.Is(err, ErrInvalidOffer):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_offer",
			"message": "Offer fields failed validation",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
