package approvals

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyprienoudart/Chain-Pilot/internal/metrics"
	"github.com/cyprienoudart/Chain-Pilot/internal/traces"
)

// Emitter receives approval resolutions for fan-out to live subscribers.
type Emitter interface {
	BroadcastApproval(r *Request)
}

// Handler exposes the approval request lifecycle over HTTP.
type Handler struct {
	store   Store
	emitter Emitter
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithEmitter attaches a live approval feed.
func (h *Handler) WithEmitter(em Emitter) *Handler {
	h.emitter = em
	return h
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/approvals", h.List)
	rg.GET("/approvals/:id", h.Get)
	rg.POST("/approvals/:id/approve", h.Approve)
	rg.POST("/approvals/:id/reject", h.Reject)
}

// List handles GET /approvals?status=.
func (h *Handler) List(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", StatusPending, StatusApproved, StatusRejected, StatusExpired:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status filter"})
		return
	}

	reqs, err := h.store.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list approval requests"})
		return
	}
	if reqs == nil {
		reqs = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": reqs, "count": len(reqs)})
}

// Get handles GET /approvals/:id.
func (h *Handler) Get(c *gin.Context) {
	r, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "approval request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to get approval request"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// Approve handles POST /approvals/:id/approve.
func (h *Handler) Approve(c *gin.Context) {
	h.decide(c, StatusApproved)
}

// Reject handles POST /approvals/:id/reject.
func (h *Handler) Reject(c *gin.Context) {
	h.decide(c, StatusRejected)
}

func (h *Handler) decide(c *gin.Context, status string) {
	var req struct {
		DecidedBy string `json:"decided_by"`
	}
	// Body is optional; ignore bind errors on an empty body.
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	ctx, span := traces.StartSpan(c.Request.Context(), "approvals.decide",
		traces.ApprovalID(id),
	)
	defer span.End()

	ok, err := h.store.Decide(ctx, id, status, req.DecidedBy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to decide approval request"})
		return
	}
	if !ok {
		// Already decided, expired, or unknown. The decision is a no-op.
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_decidable",
			"message": "approval request is not pending",
			"decided": false,
		})
		return
	}

	metrics.ApprovalsTotal.WithLabelValues(status).Inc()
	if n, err := h.store.CountPending(c.Request.Context()); err == nil {
		metrics.ApprovalsPending.Set(float64(n))
	}
	if h.emitter != nil {
		if r, err := h.store.Get(c.Request.Context(), id); err == nil {
			h.emitter.BroadcastApproval(r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"decided": true, "status": status})
}
