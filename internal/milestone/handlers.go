package milestone

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/provider"
	"github.com/lancepay/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for milestone and dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new milestone handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up milestone and dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/milestones/:id", h.GetMilestone)
	r.GET("/milestones/:id/disputes", h.ListDisputes)
	r.POST("/milestones/:id/submit", h.SubmitMilestone)
	r.POST("/milestones/:id/approve", h.ApproveMilestone)
	r.POST("/milestones/:id/disputes", h.OpenDispute)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDisputeRequest is the body for POST /v1/milestones/:id/disputes.
type OpenDisputeRequest struct {
	RaisedBy string `json:"raisedBy"`
	Reason   string `json:"reason"`
}

// ResolveDisputeRequest is the body for POST /v1/disputes/:id/resolve.
type ResolveDisputeRequest struct {
	Resolution string `json:"resolution"`
	Amount     int64  `json:"amount"` // Minor units; 0 means full escrow amount
	ResolvedBy string `json:"resolvedBy"`
}

// GetMilestone handles GET /v1/milestones/:id
func (h *Handler) GetMilestone(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ListDisputes handles GET /v1/milestones/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListDisputes(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// SubmitMilestone handles POST /v1/milestones/:id/submit
func (h *Handler) SubmitMilestone(c *gin.Context) {
	m, err := h.service.Submit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ApproveMilestone handles POST /v1/milestones/:id/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	m, err := h.service.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// OpenDispute handles POST /v1/milestones/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("raisedBy", req.RaisedBy),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.RaisedBy, 100),
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("resolution", req.Resolution),
		validation.Required("resolvedBy", req.ResolvedBy),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	intentRef, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"),
		req.Resolution, req.Amount, validation.SanitizeString(req.ResolvedBy, 100))
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
	case errors.Is(err, ErrMilestoneNotFound), errors.Is(err, ErrDisputeNotFound),
		errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidResolution), errors.Is(err, escrow.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrDisputeOpen):
		status = http.StatusConflict
		code = "dispute_open"
	case errors.Is(err, ErrDisputeResolved):
		status = http.StatusConflict
		code = "dispute_resolved"
	case errors.Is(err, ErrMilestoneState), errors.Is(err, ErrNoActiveEscrow),
		errors.Is(err, escrow.ErrStateConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, provider.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
		code = "provider_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
