package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/spendroute/internal/alerts"
	"github.com/bigdegenenergy/spendroute/internal/analyzer"
	"github.com/bigdegenenergy/spendroute/internal/api"
	"github.com/bigdegenenergy/spendroute/internal/config"
	"github.com/bigdegenenergy/spendroute/internal/database"
	"github.com/bigdegenenergy/spendroute/internal/ledger"
	"github.com/bigdegenenergy/spendroute/internal/metrics"
	"github.com/bigdegenenergy/spendroute/internal/middleware"
	"github.com/bigdegenenergy/spendroute/internal/providers"
	"github.com/bigdegenenergy/spendroute/internal/registry"
	"github.com/bigdegenenergy/spendroute/internal/requestcache"
	"github.com/bigdegenenergy/spendroute/internal/router"
	"github.com/bigdegenenergy/spendroute/pkg/models"
	"github.com/bigdegenenergy/spendroute/pkg/spendcache"
)

// backends maps the provider table onto upstream OpenAI-compatible
// chat-completions endpoints. A provider without a configured API key still
// gets a backend; the upstream rejects it and health tracking disables it.
func backends(cfg *config.Config) []providers.Invoker {
	specs := []struct {
		id, baseURL, model, apiKey string
	}{
		{"gemini-flash-lite", "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash-lite", cfg.GeminiKey},
		{"gpt-4o-mini", "https://api.openai.com", "gpt-4o-mini", cfg.OpenAIKey},
		{"gemini-pro", "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-1.5-pro", cfg.GeminiKey},
		{"gpt-4o", "https://api.openai.com", "gpt-4o", cfg.OpenAIKey},
		{"claude-sonnet", "https://api.anthropic.com", "claude-sonnet-4-20250514", cfg.AnthropicKey},
		{"qwen-max", "https://dashscope-intl.aliyuncs.com/compatible-mode", "qwen-max", cfg.DashScopeKey},
		{"claude-opus", "https://api.anthropic.com", "claude-opus-4-20250514", cfg.AnthropicKey},
	}

	out := make([]providers.Invoker, 0, len(specs))
	for _, s := range specs {
		out = append(out, providers.NewHTTPBackend(providers.HTTPBackendConfig{
			ProviderID: s.id,
			BaseURL:    s.baseURL,
			APIKey:     s.apiKey,
			Model:      s.model,
		}))
	}
	return out
}

// rehydrateSpend recovers a tenant's current-window spend after a restart,
// preferring the Redis mirror and falling back to the durable store.
func rehydrateSpend(ctx context.Context, rdb *spendcache.Cache, db *database.DB, tenantID string) (day, month float64) {
	now := time.Now()
	if rdb != nil {
		d, err1 := rdb.GetSpend(ctx, tenantID, "day", now)
		m, err2 := rdb.GetSpend(ctx, tenantID, "month", now)
		if err1 == nil && err2 == nil {
			return d, m
		}
	}
	if db != nil {
		y, mo, dd := now.Date()
		if d, err := db.TenantSpendSince(ctx, tenantID, time.Date(y, mo, dd, 0, 0, 0, 0, now.Location())); err == nil {
			day = d
		}
		if m, err := db.TenantSpendSince(ctx, tenantID, time.Date(y, mo, 1, 0, 0, 0, 0, now.Location())); err == nil {
			month = m
		}
	}
	return day, month
}

func main() {
	fmt.Println("==============================================")
	fmt.Println("  Spendroute - Cost-Aware LLM Request Router")
	fmt.Println("==============================================")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Starting server on port %s...\n", cfg.Port)

	// Initialize database connection.
	db, err := database.New(cfg.DSN())
	if err != nil {
		log.Printf("WARNING: Database unavailable (%v). Cost records will not be persisted.", err)
		db = nil
	} else {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Printf("Database connected (%s) and migrations applied.", cfg.RedactedDSN())
	}

	// Initialize Redis connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := spendcache.New(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	cancel()
	if err != nil {
		log.Printf("WARNING: Redis unavailable (%v). Spend mirroring and distributed rate limiting are disabled.", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Initialize components. The alert manager is both the registry's
	// health sink and the ledger's budget notifier.
	alertMgr := alerts.NewManager()
	reg := registry.New(registry.DefaultConfigs(), alertMgr)
	an := analyzer.New(reg, registry.CJKProviderID)
	respCache := requestcache.New(cfg.CacheMaxEntries, cfg.CacheMaxBytes)

	ledgerCfg := ledger.Config{
		Notifier:          alertMgr,
		Store:             db,
		Mirror:            rdb,
		DefaultDailyUSD:   cfg.DefaultDailyUSD,
		DefaultMonthlyUSD: cfg.DefaultMonthUSD,
	}
	if top, ok := reg.MostExpensive(); ok {
		ledgerCfg.BaselineInputPerM = top.CostPerInputUnit
		ledgerCfg.BaselineOutputPerM = top.CostPerOutputUnit
	}
	led := ledger.New(ledgerCfg)

	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stored, err := db.ListTenantBudgets(ctx)
		cancel()
		if err != nil {
			log.Printf("WARNING: Failed to load tenant budgets: %v", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			for _, b := range stored {
				led.SetBudget(b.TenantID, b.DailyLimitUSD, b.MonthlyLimitUSD)
				day, month := rehydrateSpend(ctx, rdb, db, b.TenantID)
				led.SeedSpend(b.TenantID, day, month)
			}
			cancel()
			log.Printf("Loaded %d tenant budgets.", len(stored))
		}
	}

	m := metrics.New()
	rt := router.New(an, reg, respCache, led, backends(cfg), m, router.Config{
		MaxAttempts: cfg.MaxRouteAttempts,
		TierTimeouts: map[models.Tier]time.Duration{
			models.TierFree:    cfg.FreeTierTimeout,
			models.TierMid:     cfg.MidTierTimeout,
			models.TierPremium: cfg.PremiumTimeout,
		},
		CacheTTL: cfg.CacheTTL,
	})
	handlers := api.NewHandlers(rt, led, alertMgr, reg, db, respCache)

	// Set up Gin router.
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggingMiddleware())

	// CORS for dashboard.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-Tenant-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-Cost-USD", "X-Latency-Ms"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check and Prometheus metrics.
	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// Routing endpoints, rate limited per tenant.
	limited := r.Group("/")
	limited.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMin, time.Minute))
	{
		limited.POST("/optimize", handlers.Optimize)
		limited.POST("/estimate", handlers.EstimateRoute)
		limited.GET("/stats", handlers.GetStats)
		limited.GET("/alerts", handlers.ListAlerts)
		limited.PUT("/alerts/:id/resolve", handlers.ResolveAlert)
	}

	// API v1 routes (protected by admin API key).
	// Fail-secure: if no key is configured, block all management requests.
	v1 := r.Group("/api/v1")
	if cfg.AdminAPIKey != "" {
		v1.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
		log.Println("Management API authentication enabled.")
	} else {
		log.Println("WARNING: SPENDROUTE_ADMIN_API_KEY not set. Management API is disabled (fail-secure).")
		v1.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management API disabled: SPENDROUTE_ADMIN_API_KEY not configured"})
		})
	}
	{
		// Budget management.
		v1.POST("/budgets", handlers.SetBudget)
		v1.GET("/budgets/:tenant_id", handlers.GetBudget)

		// Provider table and live health.
		v1.GET("/providers", handlers.ListProviders)
		v1.PUT("/providers/:id/enabled", handlers.SetProviderEnabled)

		// Cost data and cache counters.
		v1.GET("/costs/requests", handlers.GetRecentRequests)
		v1.GET("/cache/stats", handlers.GetCacheStats)
	}

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Spendroute gateway is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited.")
}
