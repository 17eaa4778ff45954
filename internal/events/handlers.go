package events

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes read access to the audit log.
type Handler struct {
	log *Log
}

// NewHandler creates an events handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up the public event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.RecentEvents)
	r.GET("/escrows/:id/events", h.EscrowEvents)
}

// RecentEvents handles GET /v1/events?type=..&subject=..&limit=..
func (h *Handler) RecentEvents(c *gin.Context) {
	filter := Filter{
		Type:    c.Query("type"),
		Subject: c.Query("subject"),
		Limit:   parseLimit(c.Query("limit"), 50),
	}

	evs, err := h.log.Recent(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load events",
		})
		return
	}
	if evs == nil {
		evs = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": evs,
		"count":  len(evs),
	})
}

// EscrowEvents handles GET /v1/escrows/:id/events
//
// Events are returned oldest first so the response reads as the escrow's
// lifecycle history.
func (h *Handler) EscrowEvents(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)

	evs, err := h.log.BySubject(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load events",
		})
		return
	}
	if evs == nil {
		evs = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"escrowId": c.Param("id"),
		"events":   evs,
		"count":    len(evs),
	})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}
