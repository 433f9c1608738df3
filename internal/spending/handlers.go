package spending

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cyprienoudart/Chain-Pilot/internal/validation"
)

// Handler exposes the spending limit controller over HTTP.
type Handler struct {
	controller *Controller
	history    Store
}

func NewHandler(controller *Controller, history Store) *Handler {
	return &Handler{controller: controller, history: history}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/spending/check", h.Check)
	rg.POST("/spending/record", h.Record)
	rg.GET("/spending/summary", h.Summary)
	rg.GET("/spending/history", h.History)
}

// Check handles POST /spending/check: run the limit gates on a proposed
// transfer without recording anything.
func (h *Handler) Check(c *gin.Context) {
	var req struct {
		FromAddress string  `json:"from_address"`
		ToAddress   string  `json:"to_address" binding:"required"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsEthereumAddress(req.ToAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "to_address is not a valid address"})
		return
	}
	if req.FromAddress != "" && !validation.IsEthereumAddress(req.FromAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "from_address is not a valid address"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be positive"})
		return
	}

	res, err := h.controller.CheckTransaction(c.Request.Context(), req.FromAddress, req.ToAddress, req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "spending check failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Record handles POST /spending/record: append a completed transfer to
// the spending history. Called by the wallet after broadcast.
func (h *Handler) Record(c *gin.Context) {
	var req struct {
		FromAddress string  `json:"from_address"`
		ToAddress   string  `json:"to_address" binding:"required"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		TxHash      string  `json:"tx_hash"`
		Approved    *bool   `json:"approved"`
		ApprovalID  string  `json:"approval_id"`
		Notes       string  `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsEthereumAddress(req.ToAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "to_address is not a valid address"})
		return
	}
	if req.FromAddress != "" && !validation.IsEthereumAddress(req.FromAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "from_address is not a valid address"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be positive"})
		return
	}

	// Blocked attempts are recorded too: approved defaults to true but
	// callers may log a denied transfer with approved=false.
	approved := true
	if req.Approved != nil {
		approved = *req.Approved
	}
	entry := &Entry{
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount,
		Currency:    req.Currency,
		TxHash:      req.TxHash,
		Approved:    approved,
		ApprovalID:  req.ApprovalID,
		Notes:       req.Notes,
	}
	if err := h.controller.RecordTransaction(c.Request.Context(), entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record transaction"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recorded": true})
}

// Summary handles GET /spending/summary.
func (h *Handler) Summary(c *gin.Context) {
	info, err := h.controller.LimitsInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to build spending summary"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// History handles GET /spending/history?limit=.
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	entries, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list spending history"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}
