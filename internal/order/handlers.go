package order

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/playora/playora/internal/auth"
	"github.com/playora/playora/internal/wallet"
)

// Handler provides the order RPC endpoint and read-only listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
}

// RegisterProtectedRoutes sets up routes requiring authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/rpc", h.RPC)
	r.GET("/me/orders", h.MyOrders)
	r.GET("/me/sales", h.MySales)
}

// RPCRequest is the uniform mutation envelope. The acting user always
// comes from the API key, never from the payload.
type RPCRequest struct {
	Resource string          `json:"resource" binding:"required"`
	Action   string          `json:"action" binding:"required"`
	Payload  json.RawMessage `json:"payload"`
}

type createPayload struct {
	SellerID    string    `json:"sellerId"`
	ItemID      string    `json:"itemId"`
	ItemKind    string    `json:"itemKind"`
	BasePrice   int64     `json:"basePrice"`
	DiscountPct float64   `json:"discountPct"`
	Features    []Feature `json:"additionalFeatures"`
}

type actionPayload struct {
	OrderID  string `json:"orderId"`
	Reason   string `json:"reason"`
	Notes    string `json:"notes"`
	Feedback string `json:"feedback"`
}

// RPC handles POST /v1/rpc
func (h *Handler) RPC(c *gin.Context) {
	var req RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpcError(c, http.StatusBadRequest, "invalid_request", "resource and action are required")
		return
	}

	if req.Resource != "serviceOrder" {
		rpcError(c, http.StatusNotFound, "unknown_resource", "Unknown resource: "+req.Resource)
		return
	}

	actor := auth.GetAuthenticatedUser(c)
	ctx := c.Request.Context()

	switch req.Action {
	case "create":
		var p createPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			rpcError(c, http.StatusBadRequest, "invalid_request", "Malformed create payload")
			return
		}
		o, err := h.service.Create(ctx, CreateParams{
			BuyerID:     actor,
			SellerID:    p.SellerID,
			ItemID:      p.ItemID,
			ItemKind:    p.ItemKind,
			BasePrice:   p.BasePrice,
			DiscountPct: p.DiscountPct,
			Features:    p.Features,
		})
		h.respond(c, o, err)

	case "accept", "decline", "cancel", "deliver", "confirm", "dispute", "autoRelease":
		var p actionPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.OrderID == "" {
			rpcError(c, http.StatusBadRequest, "invalid_request", "orderId is required")
			return
		}

		var (
			o   *Order
			err error
		)
		switch req.Action {
		case "accept":
			o, err = h.service.Accept(ctx, p.OrderID, actor)
		case "decline":
			o, err = h.service.Decline(ctx, p.OrderID, actor, p.Reason)
		case "cancel":
			o, err = h.service.Cancel(ctx, p.OrderID, actor, p.Reason)
		case "deliver":
			o, err = h.service.Deliver(ctx, p.OrderID, actor, p.Notes)
		case "confirm":
			o, err = h.service.Confirm(ctx, p.OrderID, actor, p.Feedback)
		case "dispute":
			o, err = h.service.Dispute(ctx, p.OrderID, actor, p.Reason)
		case "autoRelease":
			// System action. Only operators may force it over HTTP.
			if !auth.IsAdmin(c) {
				rpcError(c, http.StatusForbidden, "forbidden", "autoRelease is a system action")
				return
			}
			o, err = h.service.AutoRelease(ctx, p.OrderID)
		}
		h.respond(c, o, err)

	default:
		rpcError(c, http.StatusBadRequest, "unknown_action", "Unknown action: "+req.Action)
	}
}

// respond maps a service result onto the RPC envelope.
func (h *Handler) respond(c *gin.Context, o *Order, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "order": o})
		return
	}

	status, code := mapError(err)
	rpcError(c, status, code, err.Error())
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrDuplicatePendingOrder):
		return http.StatusConflict, "duplicate_pending_order"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func rpcError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success":   false,
		"errorCode": code,
		"message":   message,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load order",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// MyOrders handles GET /v1/me/orders (purchases of the authenticated user)
func (h *Handler) MyOrders(c *gin.Context) {
	orders, err := h.service.ListPurchases(c.Request.Context(), auth.GetAuthenticatedUser(c), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load orders",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// MySales handles GET /v1/me/sales (sales of the authenticated user)
func (h *Handler) MySales(c *gin.Context) {
	summary, err := h.service.ListSales(c.Request.Context(), auth.GetAuthenticatedUser(c), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load sales",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":       summary.Orders,
		"count":        len(summary.Orders),
		"pendingCount": summary.PendingCount,
	})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}
