package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/pagination"
	"github.com/mbd888/affiliate/internal/validation"
)

// Handler provides operator HTTP endpoints for settlement and chargebacks.
type Handler struct {
	processor   *Processor
	chargebacks *ChargebackService
	audit       AuditStore
	q           money.Quantizer
}

// NewHandler creates a new settlement handler.
func NewHandler(processor *Processor, chargebacks *ChargebackService, audit AuditStore, q money.Quantizer) *Handler {
	return &Handler{processor: processor, chargebacks: chargebacks, audit: audit, q: q}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/settlements", h.Settle)
	r.POST("/settlements/ready", h.SettleReady)
	r.GET("/settlements", h.ListBatches)
	r.GET("/settlements/:id", validation.IDParamMiddleware("id"), h.GetBatch)
	r.POST("/chargebacks/:orderId", validation.IDParamMiddleware("orderId"), h.Reverse)
	r.GET("/chargebacks/:orderId", validation.IDParamMiddleware("orderId"), h.ListChargebacks)
}

// OutcomeView is the wire form of a RecordOutcome.
type OutcomeView struct {
	RecordID string  `json:"recordId"`
	AgentID  string  `json:"agentId,omitempty"`
	Amount   string  `json:"amount"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// BatchView is the wire form of a BatchReport.
type BatchView struct {
	ID           string        `json:"id"`
	Requested    int           `json:"requested"`
	SettledCount int           `json:"settledCount"`
	FailedCount  int           `json:"failedCount"`
	TotalAmount  string        `json:"totalAmount"`
	Outcomes     []OutcomeView `json:"outcomes"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
}

// ChargebackEntryView is the wire form of a ChargebackEntry.
type ChargebackEntryView struct {
	ID              string    `json:"id"`
	RecordID        string    `json:"recordId"`
	SiteID          string    `json:"siteId"`
	AgentID         string    `json:"agentId"`
	Amount          string    `json:"amount"`
	BalanceBefore   string    `json:"balanceBefore"`
	BalanceAfter    string    `json:"balanceAfter"`
	WasInsufficient bool      `json:"wasInsufficient"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ChargebackView is the wire form of a ChargebackReport.
type ChargebackView struct {
	OrderID              string                `json:"orderId"`
	ProcessedCount       int                   `json:"processedCount"`
	TotalClawedBack      string                `json:"totalClawedBack"`
	InsufficientCount    int                   `json:"insufficientCount"`
	AlreadyReversedCount int                   `json:"alreadyReversedCount"`
	FailedCount          int                   `json:"failedCount"`
	Entries              []ChargebackEntryView `json:"entries"`
	Outcomes             []OutcomeView         `json:"outcomes"`
}

func (h *Handler) outcomes(in []RecordOutcome) []OutcomeView {
	out := make([]OutcomeView, len(in))
	for i, o := range in {
		out[i] = OutcomeView{RecordID: o.RecordID, AgentID: o.AgentID, Amount: h.q.Format(o.Amount), Outcome: o.Outcome, Reason: o.Reason}
	}
	return out
}

func (h *Handler) batchView(b *BatchReport) BatchView {
	return BatchView{
		ID:           b.ID,
		Requested:    b.Requested,
		SettledCount: b.SettledCount,
		FailedCount:  b.FailedCount,
		TotalAmount:  h.q.Format(b.TotalAmount),
		Outcomes:     h.outcomes(b.Outcomes),
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
	}
}

func (h *Handler) entryViews(entries []*ChargebackEntry) []ChargebackEntryView {
	out := make([]ChargebackEntryView, len(entries))
	for i, e := range entries {
		out[i] = ChargebackEntryView{
			ID:              e.ID,
			RecordID:        e.RecordID,
			SiteID:          e.SiteID,
			AgentID:         e.AgentID,
			Amount:          h.q.Format(e.Amount),
			BalanceBefore:   h.q.Format(e.BalanceBefore),
			BalanceAfter:    h.q.Format(e.BalanceAfter),
			WasInsufficient: e.WasInsufficient,
			CreatedAt:       e.CreatedAt,
		}
	}
	return out
}

type settleRequest struct {
	RecordIDs []string `json:"recordIds" binding:"required"`
}

// Settle handles POST /v1/admin/settlements
func (h *Handler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.MaxItems("recordIds", len(req.RecordIDs), h.processor.MaxBatch()),
	}
	for _, id := range req.RecordIDs {
		checks = append(checks, validation.ValidID("recordIds", id))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	report, err := h.processor.Settle(c.Request.Context(), req.RecordIDs)
	if err != nil {
		h.batchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": h.batchView(report)})
}

// SettleReady handles POST /v1/admin/settlements/ready
func (h *Handler) SettleReady(c *gin.Context) {
	report, err := h.processor.SettleReady(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrEmptyBatch) {
			c.JSON(http.StatusOK, gin.H{"batch": nil, "message": "No ready commissions"})
			return
		}
		h.batchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": h.batchView(report)})
}

func (h *Handler) batchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrBatchTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_batch", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

// ListBatches handles GET /v1/admin/settlements?limit=&cursor=
func (h *Handler) ListBatches(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	batches, err := h.audit.ListBatches(c.Request.Context(), limit+1, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	batches, next := pagination.Page(batches, limit, func(b *BatchReport) (time.Time, string) {
		return b.StartedAt, b.ID
	})
	out := make([]BatchView, len(batches))
	for i, b := range batches {
		out[i] = h.batchView(b)
	}
	resp := gin.H{"batches": out, "count": len(out), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetBatch handles GET /v1/admin/settlements/:id
func (h *Handler) GetBatch(c *gin.Context) {
	b, err := h.audit.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Settlement batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": h.batchView(b)})
}

// Reverse handles POST /v1/admin/chargebacks/:orderId
func (h *Handler) Reverse(c *gin.Context) {
	report, err := h.chargebacks.ReverseForOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chargeback": ChargebackView{
		OrderID:              report.OrderID,
		ProcessedCount:       report.ProcessedCount,
		TotalClawedBack:      h.q.Format(report.TotalClawedBack),
		InsufficientCount:    report.InsufficientCount,
		AlreadyReversedCount: report.AlreadyReversedCount,
		FailedCount:          report.FailedCount,
		Entries:              h.entryViews(report.Entries),
		Outcomes:             h.outcomes(report.Outcomes),
	}})
}

// ListChargebacks handles GET /v1/admin/chargebacks/:orderId
func (h *Handler) ListChargebacks(c *gin.Context) {
	entries, err := h.chargebacks.ListForOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": h.entryViews(entries), "count": len(entries)})
}
