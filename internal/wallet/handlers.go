package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/playora/playora/internal/pagination"
)

// Handler provides HTTP endpoints for wallet reads and admin grants.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/wallet", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/grants", h.Grant)
}

// GetBalance handles GET /v1/users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/users/:id/wallet
// Query: limit (max 200), cursor (opaque, from a previous page).
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet history",
		})
		return
	}

	entries, nextCursor, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
		"hasMore": hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// GrantRequest is the admin VP grant payload.
type GrantRequest struct {
	UserID    string `json:"userId" binding:"required"`
	VP        int64  `json:"vp" binding:"required"`
	Reference string `json:"reference"`
}

// Grant handles POST /v1/admin/grants. In production this is driven by the
// external top-up processor; exposed here for operations and demo mode.
func (h *Handler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and a positive vp amount are required",
		})
		return
	}

	if err := h.ledger.Grant(c.Request.Context(), req.UserID, req.VP, req.Reference); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "vp must be positive",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to apply grant",
		})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"granted": req.VP})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"granted": req.VP, "balance": balance})
}
