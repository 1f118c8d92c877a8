// Package handlers implements the audit API endpoints.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/ca"
	"github.com/fieldgrid/trustd/internal/events"
	"github.com/fieldgrid/trustd/internal/pinning"
)

// TrustHandler serves read-only trust state
type TrustHandler struct {
	authority *ca.Authority
	pins      *pinning.Store
	store     *events.Store
	logger    *zap.Logger
}

// NewTrustHandler creates a new trust handler
func NewTrustHandler(authority *ca.Authority, pins *pinning.Store, store *events.Store, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{
		authority: authority,
		pins:      pins,
		store:     store,
		logger:    logger,
	}
}

// Health reports liveness
func (h *TrustHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CAInfo returns the root certificate's subject, serial, and validity
func (h *TrustHandler) CAInfo(c *gin.Context) {
	info, err := h.authority.Info()
	if err != nil {
		h.logger.Error("Failed to get CA info", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "certificate authority unavailable"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListPins returns all configured certificate pins
func (h *TrustHandler) ListPins(c *gin.Context) {
	c.JSON(http.StatusOK, h.pins.List())
}

// ListEvents returns recent security events, newest first
func (h *TrustHandler) ListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	list, err := h.store.List(limit)
	if err != nil {
		h.logger.Error("Failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, list)
}
