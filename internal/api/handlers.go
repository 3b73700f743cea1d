// Package api implements the REST endpoints of the Spendroute gateway.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"

	"github.com/bigdegenenergy/spendroute/internal/alerts"
	"github.com/bigdegenenergy/spendroute/internal/database"
	"github.com/bigdegenenergy/spendroute/internal/ledger"
	"github.com/bigdegenenergy/spendroute/internal/providers"
	"github.com/bigdegenenergy/spendroute/internal/registry"
	"github.com/bigdegenenergy/spendroute/internal/requestcache"
	"github.com/bigdegenenergy/spendroute/internal/router"
	"github.com/bigdegenenergy/spendroute/pkg/models"
)

// statsCacheTTL bounds how stale a /stats response may be; stats queries
// aggregate under the tenant lock, so a short cache keeps dashboards from
// hammering it.
const statsCacheTTL = 15 * time.Second

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	router     *router.Router
	ledger     *ledger.Ledger
	alerts     *alerts.Manager
	registry   *registry.Registry
	db         *database.DB // may be nil (degraded mode)
	respCache  *requestcache.Cache
	statsCache *gocache.Cache
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(rt *router.Router, led *ledger.Ledger, am *alerts.Manager,
	reg *registry.Registry, db *database.DB, respCache *requestcache.Cache) *Handlers {
	return &Handlers{
		router:     rt,
		ledger:     led,
		alerts:     am,
		registry:   reg,
		db:         db,
		respCache:  respCache,
		statsCache: gocache.New(statsCacheTTL, time.Minute),
	}
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "spendroute",
		"version": "0.1.0",
	})
}

// OptimizeRequest is the request body for /optimize and /estimate.
type OptimizeRequest struct {
	Prompt              string               `json:"prompt" binding:"required"`
	TenantID            string               `json:"tenantId"`
	MaxTokens           int                  `json:"maxTokens"`
	Temperature         float64              `json:"temperature"`
	ForceProvider       string               `json:"forceProvider"`
	ForceTier           string               `json:"forceTier"`
	SystemMessage       string               `json:"systemMessage"`
	ConversationHistory []models.ChatMessage `json:"conversationHistory"`
}

func (r *OptimizeRequest) toRouterRequest() router.Request {
	tenant := r.TenantID
	if tenant == "" {
		tenant = "default"
	}
	return router.Request{
		Prompt:              r.Prompt,
		TenantID:            tenant,
		MaxTokens:           r.MaxTokens,
		Temperature:         r.Temperature,
		ForceProvider:       r.ForceProvider,
		ForceTier:           models.Tier(r.ForceTier),
		SystemMessage:       r.SystemMessage,
		ConversationHistory: r.ConversationHistory,
	}
}

// TokenUsage breaks out token counts in the optimize response.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// CostDetail breaks out cost in the optimize response.
type CostDetail struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// OptimizationResponse is the /optimize response body.
type OptimizationResponse struct {
	Content            string                  `json:"content"`
	Provider           string                  `json:"provider"`
	Tier               models.Tier             `json:"tier"`
	TokensUsed         TokenUsage              `json:"tokensUsed"`
	Cost               CostDetail              `json:"cost"`
	LatencyMs          int64                   `json:"latencyMs"`
	SavingsUsd         float64                 `json:"savingsUsd"`
	SavingsPercent     float64                 `json:"savingsPercent"`
	ComplexityAnalysis *models.ComplexityScore `json:"complexityAnalysis,omitempty"`
	Cached             bool                    `json:"cached"`
	RequestID          string                  `json:"requestId"`
}

// Optimize routes a prompt to the cheapest capable backend.
func (h *Handlers) Optimize(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	res, err := h.router.Route(c.Request.Context(), req.toRouterRequest())
	if err != nil {
		h.routeError(c, err)
		return
	}

	c.Header("X-Request-ID", res.RequestID)
	c.Header("X-Cost-USD", fmt.Sprintf("%.6f", res.CostUSD))
	c.Header("X-Latency-Ms", strconv.FormatInt(res.LatencyMs, 10))

	c.JSON(http.StatusOK, OptimizationResponse{
		Content:  res.Completion.Content,
		Provider: res.ProviderID,
		Tier:     res.Tier,
		TokensUsed: TokenUsage{
			Input:  res.Completion.InputTokens,
			Output: res.Completion.OutputTokens,
			Total:  res.Completion.InputTokens + res.Completion.OutputTokens,
		},
		Cost: CostDetail{
			Input:  res.InputCostUSD,
			Output: res.OutputCostUSD,
			Total:  res.CostUSD,
		},
		LatencyMs:          res.LatencyMs,
		SavingsUsd:         res.SavingsUSD,
		SavingsPercent:     res.SavingsPercent,
		ComplexityAnalysis: res.Analysis,
		Cached:             res.Cached,
		RequestID:          res.RequestID,
	})
}

// EstimateResponse is the /estimate response body.
type EstimateResponse struct {
	Provider           string                  `json:"provider"`
	Tier               models.Tier             `json:"tier"`
	EstInputTokens     int64                   `json:"estInputTokens"`
	EstOutputTokens    int64                   `json:"estOutputTokens"`
	EstCostUsd         float64                 `json:"estCostUsd"`
	EstimatedLatencyMs int64                   `json:"estimatedLatencyMs"`
	ComplexityAnalysis *models.ComplexityScore `json:"complexityAnalysis,omitempty"`
}

// EstimateRoute returns the routing decision and cost estimate without
// dispatching to any backend.
func (h *Handlers) EstimateRoute(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	est, err := h.router.EstimateRoute(c.Request.Context(), req.toRouterRequest())
	if err != nil {
		h.routeError(c, err)
		return
	}

	c.JSON(http.StatusOK, EstimateResponse{
		Provider:           est.ProviderID,
		Tier:               est.Tier,
		EstInputTokens:     est.EstInputTokens,
		EstOutputTokens:    est.EstOutputTokens,
		EstCostUsd:         est.EstCostUSD,
		EstimatedLatencyMs: est.EstimatedLatencyMs,
		ComplexityAnalysis: est.Analysis,
	})
}

// routeError maps router failures onto HTTP statuses: budget/client errors
// are 4xx, exhausted-backend errors 502.
func (h *Handlers) routeError(c *gin.Context, err error) {
	var be *ledger.BudgetExceededError
	if errors.As(err, &be) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "budget_exceeded",
			"message":   be.Error(),
			"tenant_id": be.TenantID,
			"window":    be.Window,
			"spend_usd": be.SpendUSD,
			"limit_usd": be.LimitUSD,
		})
		return
	}
	var ee *router.ExhaustedError
	if errors.As(err, &ee) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "all_providers_exhausted",
			"message":   ee.Error(),
			"tenant_id": ee.TenantID,
			"attempted": ee.Attempted,
		})
		return
	}
	if errors.Is(err, router.ErrNoCandidates) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "no_candidates", "message": err.Error()})
		return
	}
	var pe *providers.Error
	if errors.As(err, &pe) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "provider_error",
			"message":  pe.Error(),
			"provider": pe.ProviderID,
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		c.JSON(499, gin.H{"error": "client_cancelled"})
		return
	}
	// Remaining router errors are request validation failures, e.g. an
	// unknown forced tier or provider.
	c.JSON(http.StatusBadRequest, gin.H{"error": "routing_failed", "message": err.Error()})
}

// GetStats returns cost statistics for a tenant.
// Query params: tenantId (default "default"), period (day|month).
func (h *Handlers) GetStats(c *gin.Context) {
	tenantID := c.DefaultQuery("tenantId", "default")
	period := c.DefaultQuery("period", "day")
	if period != "day" && period != "month" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period", "message": "period must be day or month"})
		return
	}

	cacheKey := tenantID + "|" + period
	if cached, ok := h.statsCache.Get(cacheKey); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	stats := h.ledger.StatsFor(c.Request.Context(), tenantID, period)
	h.statsCache.SetDefault(cacheKey, stats)
	c.JSON(http.StatusOK, stats)
}

// ListAlerts returns alerts, filterable by tenant and status.
// Query params: tenantId, status (active|resolved).
func (h *Handlers) ListAlerts(c *gin.Context) {
	tenantID := c.Query("tenantId")
	status := c.DefaultQuery("status", "active")

	var out []models.Alert
	if status == "active" {
		out = h.alerts.Active(tenantID)
	} else {
		out = h.alerts.All(tenantID, status)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "data": out})
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (h *Handlers) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if !h.alerts.Resolve(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "id": id})
}

// ListProviders returns every provider's config and live health.
func (h *Handlers) ListProviders(c *gin.Context) {
	snapshot := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(snapshot), "data": snapshot})
}

// SetProviderEnabled flips a provider's enabled flag.
func (h *Handlers) SetProviderEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	id := c.Param("id")
	if !h.registry.SetEnabled(id, *req.Enabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_found", "id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

// GetBudget returns a tenant's budget state.
func (h *Handlers) GetBudget(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	c.JSON(http.StatusOK, h.ledger.BudgetFor(tenantID))
}

// SetBudgetRequest is the request body for creating/updating a budget.
type SetBudgetRequest struct {
	TenantID        string  `json:"tenant_id" binding:"required"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
}

// SetBudget creates or updates a tenant budget, persisting it when the
// database is available.
func (h *Handlers) SetBudget(c *gin.Context) {
	var req SetBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.DailyLimitUSD < 0 || req.MonthlyLimitUSD < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limits must be non-negative"})
		return
	}

	if h.db != nil {
		if err := h.db.UpsertTenantBudget(c.Request.Context(), req.TenantID, req.DailyLimitUSD, req.MonthlyLimitUSD); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "persist_failed", "message": err.Error()})
			return
		}
	}
	h.ledger.SetBudget(req.TenantID, req.DailyLimitUSD, req.MonthlyLimitUSD)
	c.JSON(http.StatusOK, h.ledger.BudgetFor(req.TenantID))
}

// GetRecentRequests returns the most recent cost records from the durable
// store.
func (h *Handlers) GetRecentRequests(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		limit = 50
	}
	records, err := h.db.RecentCostRecords(c.Request.Context(), c.Query("tenantId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "data": records})
}

// GetCacheStats reports response-cache counters.
func (h *Handlers) GetCacheStats(c *gin.Context) {
	if h.respCache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.respCache.Stats())
}
