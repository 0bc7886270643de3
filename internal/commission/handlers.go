package commission

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/affiliate/internal/validation"
)

// Handler provides operator HTTP endpoints for commissions.
type Handler struct {
	service *Service
}

// NewHandler creates a new commission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator routes. The group must already be
// behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders/:orderId/commissions", validation.IDParamMiddleware("orderId"), h.ListForOrder)
	r.POST("/orders/:orderId/cancel", validation.IDParamMiddleware("orderId"), h.CancelOrder)
	r.POST("/commissions/:id/cancel", validation.IDParamMiddleware("id"), h.CancelRecord)
	r.POST("/holds/release", h.ReleaseHolds)
}

// RecordView is the wire form of a record with fixed-precision amounts.
type RecordView struct {
	ID           string     `json:"id"`
	OrderID      string     `json:"orderId"`
	SiteID       string     `json:"siteId"`
	AgentID      string     `json:"agentId"`
	Level        int        `json:"level"`
	RatePercent  string     `json:"ratePercent"`
	Amount       string     `json:"amount"`
	Status       Status     `json:"status"`
	HoldUntil    time.Time  `json:"holdUntil"`
	PaidAt       *time.Time `json:"paidAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func (h *Handler) view(r *Record) RecordView {
	return RecordView{
		ID:           r.ID,
		OrderID:      r.OrderID,
		SiteID:       r.SiteID,
		AgentID:      r.AgentID,
		Level:        r.Level,
		RatePercent:  r.RatePercent.StringFixed(4),
		Amount:       h.service.calc.Quantizer().Format(r.Amount),
		Status:       r.Status,
		HoldUntil:    r.HoldUntil,
		PaidAt:       r.PaidAt,
		CancelReason: r.CancelReason,
		CreatedAt:    r.CreatedAt,
	}
}

func (h *Handler) views(records []*Record) []RecordView {
	out := make([]RecordView, len(records))
	for i, r := range records {
		out[i] = h.view(r)
	}
	return out
}

type placeOrderRequest struct {
	OrderID         string `json:"orderId"`
	SiteID          string `json:"siteId"`
	FinalPrice      string `json:"finalPrice"`
	BuyerAccountID  string `json:"buyerAccountId"`
	ReferralStartID string `json:"referralStartAccountId"`
}

// PlaceOrder handles POST /v1/admin/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("siteId", req.SiteID),
		validation.Required("buyerAccountId", req.BuyerAccountID),
		validation.Required("finalPrice", req.FinalPrice),
		validation.ValidID("orderId", req.OrderID),
		validation.ValidID("siteId", req.SiteID),
		validation.ValidID("buyerAccountId", req.BuyerAccountID),
		validation.ValidID("referralStartAccountId", req.ReferralStartID),
		validation.ValidAmount("finalPrice", req.FinalPrice, true),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	price, err := h.service.calc.Quantizer().Parse(req.FinalPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	enqueued, err := h.service.OnOrderPlaced(c.Request.Context(), Order{
		ID:              req.OrderID,
		SiteID:          req.SiteID,
		FinalPrice:      price,
		BuyerID:         req.BuyerAccountID,
		ReferralStartID: req.ReferralStartID,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "order_intake_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"orderId": req.OrderID, "scheduled": enqueued})
}

// ListForOrder handles GET /v1/admin/orders/:orderId/commissions
func (h *Handler) ListForOrder(c *gin.Context) {
	records, err := h.service.ListByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": h.views(records), "count": len(records)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRecord handles POST /v1/admin/commissions/:id/cancel
func (h *Handler) CancelRecord(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	rec, err := h.service.Cancel(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		switch {
		case errors.Is(err, ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Commission record not found"})
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrencyConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"commission": h.view(rec)})
}

// CancelOrder handles POST /v1/admin/orders/:orderId/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	n, err := h.service.CancelForOrder(c.Request.Context(), c.Param("orderId"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error(), "cancelled": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

// ReleaseHolds handles POST /v1/admin/holds/release
func (h *Handler) ReleaseHolds(c *gin.Context) {
	limit := 500
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 5000)
		}
	}
	released, err := h.service.ReleaseMatured(c.Request.Context(), h.service.now(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": len(released), "commissions": h.views(released)})
}
