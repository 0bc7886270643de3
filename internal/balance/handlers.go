package balance

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/affiliate/internal/syncutil"
	"github.com/mbd888/affiliate/internal/validation"
)

// Handler provides operator HTTP endpoints for balances.
type Handler struct {
	service *Service
}

// NewHandler creates a new balance handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/balances/:siteId/:agentId", validation.IDParamMiddleware("siteId", "agentId"))
	g.GET("", h.GetBalance)
	g.POST("/withdraw", h.Withdraw)
}

// AccountView is the wire form of an account with fixed-precision amounts.
type AccountView struct {
	SiteID             string    `json:"siteId"`
	AgentID            string    `json:"agentId"`
	Balance            string    `json:"balance"`
	LifetimeEarned     string    `json:"lifetimeEarned"`
	LifetimeWithdrawn  string    `json:"lifetimeWithdrawn"`
	LifetimeClawedBack string    `json:"lifetimeClawedBack"`
	Negative           bool      `json:"negative"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// View renders a for responses.
func (s *Service) View(a *Account) AccountView {
	return AccountView{
		SiteID:             a.SiteID,
		AgentID:            a.AgentID,
		Balance:            s.q.Format(a.Balance),
		LifetimeEarned:     s.q.Format(a.LifetimeEarned),
		LifetimeWithdrawn:  s.q.Format(a.LifetimeWithdrawn),
		LifetimeClawedBack: s.q.Format(a.LifetimeClawedBack),
		Negative:           a.Negative,
		UpdatedAt:          a.UpdatedAt,
	}
}

func keyFrom(c *gin.Context) Key {
	return Key{SiteID: c.Param("siteId"), AgentID: c.Param("agentId")}
}

// GetBalance handles GET /v1/admin/balances/:siteId/:agentId
func (h *Handler) GetBalance(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), keyFrom(c))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Balance account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": h.service.View(a)})
}

type withdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Withdraw handles POST /v1/admin/balances/:siteId/:agentId/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount, false)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, err := h.service.q.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	a, err := h.service.Withdraw(c.Request.Context(), keyFrom(c), amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_balance", "message": err.Error()})
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Balance account not found"})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.Is(err, syncutil.ErrLockTimeout):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account_busy", "message": "Account is locked, retry later"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": h.service.View(a)})
}
