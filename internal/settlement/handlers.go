package settlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/ledger"
	"github.com/lancepay/escrowd/internal/milestone"
	"github.com/lancepay/escrowd/internal/provider"
	"github.com/lancepay/escrowd/internal/validation"
)

// MilestoneRegistry records milestones as escrows are opened against them.
type MilestoneRegistry interface {
	Ensure(ctx context.Context, id string) (*milestone.Milestone, error)
}

// Handler provides HTTP endpoints for escrow settlement operations.
type Handler struct {
	service    *Service
	entries    ledger.Store
	milestones MilestoneRegistry
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service, entries ledger.Store, milestones MilestoneRegistry) *Handler {
	return &Handler{service: service, entries: entries, milestones: milestones}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/ledger", h.GetLedger)
	r.GET("/milestones/:id/escrows", h.ListByMilestone)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// CreateEscrowRequest is the body for POST /v1/escrows.
type CreateEscrowRequest struct {
	MilestoneID string `json:"milestoneId"`
	Amount      int64  `json:"amount"` // Minor units
}

// ReleaseRequest is the body for POST /v1/escrows/:id/release.
type ReleaseRequest struct {
	Amount  int64  `json:"amount"` // 0 means full escrow amount
	ActorID string `json:"actorId"`
}

// RefundRequest is the body for POST /v1/escrows/:id/refund.
type RefundRequest struct {
	Amount  int64  `json:"amount"` // 0 means full escrow amount
	Reason  string `json:"reason"`
	ActorID string `json:"actorId"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("milestoneId", req.MilestoneID),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.milestones.Ensure(ctx, req.MilestoneID); err != nil {
		h.mapError(c, err)
		return
	}

	e, err := h.service.CreateEscrow(ctx, req.MilestoneID, req.Amount)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetLedger handles GET /v1/escrows/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.service.Get(c.Request.Context(), id); err != nil {
		h.mapError(c, err)
		return
	}

	entries, err := h.entries.ListByEscrow(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// ListByMilestone handles GET /v1/milestones/:id/escrows
func (h *Handler) ListByMilestone(c *gin.Context) {
	escrows, err := h.service.ListByMilestone(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	intentRef, err := h.service.Fund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"intentRef": intentRef})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	intentRef, err := h.service.Release(c.Request.Context(), c.Param("id"), req.Amount,
		validation.SanitizeString(req.ActorID, 100))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"intentRef": intentRef})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	intentRef, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount,
		validation.SanitizeString(req.Reason, validation.MaxReasonLength),
		validation.SanitizeString(req.ActorID, 100))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"intentRef": intentRef})
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, escrow.ErrMilestoneBusy):
		status = http.StatusConflict
		code = "milestone_busy"
	case errors.Is(err, escrow.ErrStateConflict):
		status = http.StatusConflict
		code = "state_conflict"
	case errors.Is(err, provider.ErrIntentFailed):
		status = http.StatusBadGateway
		code = "provider_error"
	case errors.Is(err, provider.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
		code = "provider_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
