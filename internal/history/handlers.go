package history

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cyprienoudart/Chain-Pilot/internal/metrics"
	"github.com/cyprienoudart/Chain-Pilot/internal/validation"
)

// Handler exposes transaction history ingestion and queries over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/transactions", h.RecordTransaction)
	rg.PATCH("/transactions/:hash/status", h.UpdateStatus)
	rg.GET("/transactions/:address", validation.AddressParamMiddleware(), h.ListByAddress)
}

// RecordTransaction handles POST /transactions.
func (h *Handler) RecordTransaction(c *gin.Context) {
	var req struct {
		TxHash      string  `json:"tx_hash" binding:"required"`
		FromAddress string  `json:"from_address" binding:"required"`
		ToAddress   string  `json:"to_address" binding:"required"`
		Value       float64 `json:"value"`
		Status      string  `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsEthereumAddress(req.FromAddress) || !validation.IsEthereumAddress(req.ToAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "addresses must be valid Ethereum addresses"})
		return
	}
	if req.Value < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "value must not be negative"})
		return
	}
	status := req.Status
	if status == "" {
		status = StatusPending
	}
	if !ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status must be pending, confirmed, or failed"})
		return
	}

	tx := &Transaction{
		TxHash:      req.TxHash,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Value:       req.Value,
		Status:      status,
	}
	if err := h.store.Record(c.Request.Context(), tx); err != nil {
		if errors.Is(err, ErrDuplicateTxHash) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_tx_hash", "message": "transaction already recorded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record transaction"})
		return
	}
	metrics.TransactionsRecordedTotal.WithLabelValues(status).Inc()
	c.JSON(http.StatusCreated, tx)
}

// UpdateStatus handles PATCH /transactions/:hash/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status must be pending, confirmed, or failed"})
		return
	}

	ok, err := h.store.UpdateStatus(c.Request.Context(), c.Param("hash"), req.Status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update status"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ListByAddress handles GET /transactions/:address.
func (h *Handler) ListByAddress(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	txs, err := h.store.ListByAddress(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list transactions"})
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}
