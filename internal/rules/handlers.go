package rules

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cyprienoudart/Chain-Pilot/internal/traces"
	"github.com/cyprienoudart/Chain-Pilot/internal/validation"
)

// Handler exposes rule CRUD and transaction evaluation over HTTP.
type Handler struct {
	store     Store
	evaluator *Evaluator
	audit     RecordStore
}

func NewHandler(store Store, evaluator *Evaluator, audit RecordStore) *Handler {
	return &Handler{store: store, evaluator: evaluator, audit: audit}
}

// RegisterRoutes mounts the rule and evaluation endpoints on the group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/rules", h.CreateRule)
	rg.GET("/rules", h.ListRules)
	rg.GET("/rules/templates", h.ListTemplates)
	rg.PATCH("/rules/:id", h.UpdateRule)
	rg.DELETE("/rules/:id", h.DeleteRule)
	rg.POST("/evaluate", h.Evaluate)
	rg.GET("/evaluations", h.ListEvaluations)
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(c *gin.Context) {
	var req struct {
		Kind       string          `json:"kind" binding:"required"`
		Name       string          `json:"name" binding:"required"`
		Parameters json.RawMessage `json:"parameters"`
		Action     string          `json:"action" binding:"required"`
		Enabled    *bool           `json:"enabled"`
		Priority   int             `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := ValidateNew(Kind(req.Kind), Action(req.Action), req.Parameters); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	r := &Rule{
		Kind:       Kind(req.Kind),
		Name:       req.Name,
		Parameters: req.Parameters,
		Action:     Action(req.Action),
		Enabled:    enabled,
		Priority:   req.Priority,
	}
	if err := h.store.Create(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create rule"})
		return
	}
	h.evaluator.InvalidateCache()
	c.JSON(http.StatusCreated, r)
}

// ListRules handles GET /rules. ?enabled=true limits to enabled rules.
func (h *Handler) ListRules(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"
	rules, err := h.store.List(c.Request.Context(), enabledOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list rules"})
		return
	}
	if rules == nil {
		rules = []*Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// Template is a ready-to-submit rule body for a common scenario. The
// parameters show the exact shape each kind expects.
type Template struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Kind        Kind        `json:"kind"`
	Parameters  interface{} `json:"parameters"`
	Action      Action      `json:"action"`
}

// Templates returns starter rules covering every kind. The whitelist
// template ships empty: the caller fills in trusted addresses.
func Templates() []Template {
	return []Template{
		{
			Name:        "Daily Spending Limit (1 ETH)",
			Description: "Block transactions that would exceed 1 ETH per day",
			Kind:        KindSpendingLimit,
			Parameters:  SpendingLimitParams{Type: "daily", Amount: 1.0},
			Action:      ActionDeny,
		},
		{
			Name:        "Per-Transaction Limit (0.1 ETH)",
			Description: "Block any single transaction over 0.1 ETH",
			Kind:        KindSpendingLimit,
			Parameters:  SpendingLimitParams{Type: "per_transaction", Amount: 0.1},
			Action:      ActionDeny,
		},
		{
			Name:        "Large Transaction Approval (0.5 ETH)",
			Description: "Require manual approval for transactions over 0.5 ETH",
			Kind:        KindAmountThreshold,
			Parameters:  AmountThresholdParams{Threshold: 0.5},
			Action:      ActionRequireApproval,
		},
		{
			Name:        "Business Hours Only",
			Description: "Only allow transactions 9 AM - 5 PM UTC",
			Kind:        KindTimeRestriction,
			Parameters:  TimeRestrictionParams{AllowedHours: "09:00-17:00", Timezone: "UTC"},
			Action:      ActionDeny,
		},
		{
			Name:        "Daily Transaction Limit (10)",
			Description: "Block more than 10 transactions per day",
			Kind:        KindDailyTxCount,
			Parameters:  DailyTxCountParams{MaxCount: 10},
			Action:      ActionDeny,
		},
		{
			Name:        "Trusted Addresses Whitelist",
			Description: "Only allow transactions to pre-approved addresses",
			Kind:        KindAddressWhitelist,
			Parameters:  AddressListParams{Addresses: []string{}},
			Action:      ActionDeny,
		},
	}
}

// ListTemplates handles GET /rules/templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	templates := Templates()
	c.JSON(http.StatusOK, gin.H{"templates": templates, "count": len(templates)})
}

// UpdateRule handles PATCH /rules/:id. Only enabled, parameters, and
// priority can change; an update with none of them is a no-op 404.
func (h *Handler) UpdateRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rule id must be an integer"})
		return
	}

	var req Update
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Parameters != nil && !json.Valid(req.Parameters) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "parameters: must be valid JSON"})
		return
	}

	ok, err := h.store.Update(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update rule"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "rule not found or no fields to update"})
		return
	}
	h.evaluator.InvalidateCache()
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// DeleteRule handles DELETE /rules/:id.
func (h *Handler) DeleteRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rule id must be an integer"})
		return
	}
	ok, err := h.store.Delete(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete rule"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "rule not found"})
		return
	}
	h.evaluator.InvalidateCache()
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Evaluate handles POST /evaluate: run every enabled rule against the
// proposed transaction and return the verdict.
func (h *Handler) Evaluate(c *gin.Context) {
	var req struct {
		FromAddress string  `json:"from_address" binding:"required"`
		ToAddress   string  `json:"to_address" binding:"required"`
		Value       float64 `json:"value"`
		TxHash      string  `json:"tx_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsEthereumAddress(req.FromAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "from_address is not a valid address"})
		return
	}
	if !validation.IsEthereumAddress(req.ToAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "to_address is not a valid address"})
		return
	}
	if req.Value < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "value must not be negative"})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "rules.evaluate",
		traces.FromAddr(req.FromAddress),
		traces.ToAddr(req.ToAddress),
		traces.Value(req.Value),
	)
	defer span.End()

	v, err := h.evaluator.Evaluate(ctx, &Transaction{
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Value:       req.Value,
		TxHash:      req.TxHash,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "evaluation failed"})
		return
	}
	span.SetAttributes(traces.VerdictAction(string(v.Action)))
	c.JSON(http.StatusOK, v)
}

// ListEvaluations handles GET /evaluations?tx_hash=&limit=.
func (h *Handler) ListEvaluations(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	var (
		recs []*EvaluationRecord
		err  error
	)
	if txHash := c.Query("tx_hash"); txHash != "" {
		recs, err = h.audit.ListByTxHash(c.Request.Context(), txHash, limit)
	} else {
		recs, err = h.audit.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list evaluations"})
		return
	}
	if recs == nil {
		recs = []*EvaluationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": recs, "count": len(recs)})
}
