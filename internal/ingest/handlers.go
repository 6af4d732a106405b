package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxEventBody caps webhook bodies; provider events are small.
const maxEventBody = 64 * 1024

// Handler provides the inbound webhook endpoint.
type Handler struct {
	processor *Processor
}

// NewHandler creates a new ingestion handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes sets up the provider event route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events/provider", h.IngestEvent)
}

// IngestEvent handles POST /v1/events/provider
func (h *Handler) IngestEvent(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	result, err := h.processor.Process(c.Request.Context(), raw)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": string(result)})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"status":  string(ResultRejected),
			"error":   "invalid_signature",
			"message": "Event signature verification failed",
		})
	case errors.Is(err, ErrBadPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  string(ResultRejected),
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownEscrow):
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  string(ResultRejected),
			"error":   "unknown_escrow",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be applied",
		})
	}
}
