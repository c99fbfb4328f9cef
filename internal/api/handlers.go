package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/headset/internal/core"
	"github.com/gin-gonic/gin"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry) *APIHandlers {
	return &APIHandlers{services: services}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "headset-fleet-api",
		"headsets":  len(h.services.Fleet.Headsets()),
	})
}

// --- Headset Endpoints ---

// ListHeadsets returns a snapshot of every connected headset
func (h *APIHandlers) ListHeadsets(c *gin.Context) {
	snapshots := h.services.Fleet.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"headsets": snapshots,
		"count":    len(snapshots),
	})
}

// GetHeadset returns one headset snapshot along with its task queue counters
func (h *APIHandlers) GetHeadset(c *gin.Context) {
	headset, err := h.services.Fleet.Get(c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"headset": headset.Snapshot(),
		"tasks":   headset.Queue().Stats(),
	})
}

// GetHeadsetHistory returns the durable record and recent transfers of a serial,
// connected or not.
func (h *APIHandlers) GetHeadsetHistory(c *gin.Context) {
	repo := h.services.Repository
	if repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	serial := c.Param("serial")

	record, err := repo.GetHeadset(c.Request.Context(), serial)
	if err != nil {
		if errors.Is(err, core.ErrHeadsetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get headset history"})
		}
		return
	}

	transfers, err := repo.ListTransfers(c.Request.Context(), serial, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transfers"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"headset":   record,
		"transfers": transfers,
	})
}

// SubmitTask queues an operation on a headset
func (h *APIHandlers) SubmitTask(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	taskID, err := h.services.Fleet.Dispatch(c.Param("serial"), req.Action)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUnknownTask):
			c.Error(core.BusinessError{Code: "UNKNOWN_TASK", Message: err.Error()})
		case errors.Is(err, core.ErrHeadsetNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrQueueFull), errors.Is(err, core.ErrQueueStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue task"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"action":  req.Action,
	})
}

// --- Library Endpoints ---

// ListLibrary returns the local solution catalog
func (h *APIHandlers) ListLibrary(c *gin.Context) {
	solutions := h.services.Library.Solutions()
	c.JSON(http.StatusOK, gin.H{
		"solutions":  solutions,
		"count":      len(solutions),
		"total_size": h.services.Library.TotalSize(),
	})
}

// RefreshLibrary rescans the library root and reports what changed
func (h *APIHandlers) RefreshLibrary(c *gin.Context) {
	added, removed, err := h.services.Library.Refresh()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"added":   nonNil(added),
		"removed": nonNil(removed),
		"count":   len(h.services.Library.Solutions()),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
