// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/marshee/dogcare-backend/internal/capabilities"
	"github.com/marshee/dogcare-backend/internal/config"
	"github.com/marshee/dogcare-backend/internal/http/handlers"
	"github.com/marshee/dogcare-backend/internal/http/middleware"
	"github.com/marshee/dogcare-backend/internal/repo"
	"github.com/marshee/dogcare-backend/internal/services"
)

// HeaderSessionID lets clients name the target session outside the JSON
// body so the idempotency middleware can detect replays before the body is
// parsed. Optional; the turn service detects replays either way.
const HeaderSessionID = "X-Session-ID"

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine: observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and
// the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured request logs with header redaction
//  4. Recovery: capture panics after logger
//  5. Body size limiter + gzip
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, caps Capabilities, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Body size limit sized to the image cap plus base64 and JSON
	// overhead, then response compression
	maxBody := int64(cfg.MaxImageKB)*1024*4/3 + 64*1024
	r.Use(limitBody(maxBody))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(c *gin.Context) string { return c.GetHeader(HeaderSessionID) },
		func(ctx context.Context, userID, sessionID, key string, now time.Time) (bool, error) {
			if _, err := repo.LookupIdempotency(ctx, db, userID, sessionID, key); err != nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		HeaderSessionID, middleware.HeaderIdempotencyKey,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "ETag", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "ETag", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    false,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/capabilities
	authSvc := &services.AuthService{
		DB:       db,
		Secret:   []byte(cfg.Auth.JWTSecret),
		TokenTTL: cfg.Auth.TokenTTL,
		Issuer:   cfg.Auth.Issuer,
	}
	turnSvc := &services.TurnService{
		DB:                db,
		Classifier:        caps.Classifier,
		Retriever:         caps.Retriever,
		Generator:         caps.Generator,
		Namespace:         cfg.Capability.RAGNamespace,
		HistoryWindow:     cfg.Capability.HistoryWindow,
		CapabilityTimeout: cfg.Capability.Timeout,
		IdempotencyTTL:    cfg.IdempotencyTTL,
	}
	sessionSvc := &services.SessionService{
		DB:              db,
		PageSizeDefault: cfg.PageSizeDflt,
		PageSizeMax:     cfg.PageSizeMax,
	}
	h := handlers.New(turnSvc, sessionSvc, authSvc, cfg.MaxImageKB)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Accounts (unauthenticated)
		api.POST("/auth/register", h.Register)
		api.POST("/auth/login", h.Login)

		// Everything else requires a bearer token
		authed := api.Group("", middleware.Auth(authSvc.Verify))
		{
			// Turns
			authed.POST("/turns", h.SubmitTurn)

			// Sessions
			authed.GET("/sessions", h.ListSessions)
			authed.GET("/sessions/:id/messages", h.ListSessionMessages)
			authed.POST("/sessions/:id/close", h.CloseSession)
		}
	}
}

// Capabilities bundles the model ports injected into the turn service.
type Capabilities struct {
	Classifier capabilities.Classifier
	Retriever  capabilities.Retriever
	Generator  capabilities.Generator
}

// limitBody returns a Gin middleware that caps the request body size for
// all endpoints using http.MaxBytesReader. Requests exceeding the cap cause
// downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
