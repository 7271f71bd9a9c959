package review

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/playora/playora/internal/auth"
)

// Handler provides HTTP endpoints for reviews.
type Handler struct {
	service *Service
}

// NewHandler creates a new review handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) review routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reviews", h.ListForUser)
}

// RegisterProtectedRoutes sets up routes requiring authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reviews", h.Create)
	r.GET("/reviews/eligibility", h.Eligibility)
	r.GET("/me/reviews", h.MyReviews)
}

// CreateRequest is the review creation payload. Order reviews carry an
// orderId; behavior reviews carry targetUserId and reviewerRole.
type CreateRequest struct {
	Kind         string `json:"kind" binding:"required"`
	OrderID      string `json:"orderId"`
	TargetUserID string `json:"targetUserId"`
	ReviewerRole string `json:"reviewerRole"`
	Rating       int    `json:"rating" binding:"required"`
	Comment      string `json:"comment"`
}

// Create handles POST /v1/reviews
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind and rating are required",
		})
		return
	}

	reviewer := auth.GetAuthenticatedUser(c)
	ctx := c.Request.Context()

	var (
		r   *Review
		err error
	)
	if req.Kind == KindBehavior {
		r, err = h.service.CreateBehaviorReview(ctx, CreateBehaviorParams{
			ReviewerID:   reviewer,
			TargetUserID: req.TargetUserID,
			ReviewerRole: req.ReviewerRole,
			Rating:       req.Rating,
			Comment:      req.Comment,
		})
	} else {
		r, err = h.service.CreateOrderReview(ctx, CreateOrderParams{
			OrderID:    req.OrderID,
			ReviewerID: reviewer,
			Kind:       req.Kind,
			Rating:     req.Rating,
			Comment:    req.Comment,
		})
	}

	if err != nil {
		status, code := mapError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": r})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAlreadyReviewed):
		return http.StatusConflict, "already_reviewed"
	case errors.Is(err, ErrNotEligible):
		return http.StatusForbidden, "not_eligible"
	case errors.Is(err, ErrInvalidRating), errors.Is(err, ErrInvalidComment):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Eligibility handles GET /v1/reviews/eligibility
// Query: either orderId+kind, or targetUserId+reviewerRole for behavior.
func (h *Handler) Eligibility(c *gin.Context) {
	reviewer := auth.GetAuthenticatedUser(c)
	ctx := c.Request.Context()

	if orderID := c.Query("orderId"); orderID != "" {
		kind := c.DefaultQuery("kind", KindService)
		ok, err := h.service.CanReviewOrder(ctx, orderID, reviewer, kind)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"eligible": ok, "orderId": orderID, "kind": kind})
		return
	}

	target := c.Query("targetUserId")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId or targetUserId is required",
		})
		return
	}
	role := c.DefaultQuery("reviewerRole", RoleBuyer)
	ok, err := h.service.CanReviewBehavior(ctx, reviewer, target, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligible": ok, "targetUserId": target, "kind": KindBehavior})
}

// ListForUser handles GET /v1/users/:id/reviews
func (h *Handler) ListForUser(c *gin.Context) {
	summary, err := h.service.ListForUser(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reviews",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// MyReviews handles GET /v1/me/reviews (reviews written by the caller)
func (h *Handler) MyReviews(c *gin.Context) {
	reviews, err := h.service.ListByReviewer(c.Request.Context(), auth.GetAuthenticatedUser(c), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reviews",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
