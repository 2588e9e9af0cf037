package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"funnel-backend/internal/payments"
	"funnel-backend/internal/reports"
	"funnel-backend/internal/services/health"
	"funnel-backend/internal/sessions"
	"funnel-backend/internal/shared/config"
	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/server/middleware"
	"funnel-backend/internal/shared/server/respond"
)

const (
	rateGroupDefault = "DEFAULT"
	rateGroupPolling = "POLLING"
	rateGroupPayment = "PAYMENT"
)

// RouterDeps are the handlers mounted under /api/v1.
type RouterDeps struct {
	Config         config.Config
	SessionHandler *sessions.Handler
	PaymentHandler *payments.Handler
	ReportHandler  *reports.Handler
	Health         *health.Service
	RateLimiter    *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			Rules: map[string]middleware.RateLimitRule{
				rateGroupDefault: {Rate: 5, Burst: 20},
				rateGroupPolling: {Rate: 5, Burst: 10},
				rateGroupPayment: {Rate: 1, Burst: 5},
			},
			DefaultGroup: rateGroupDefault,
			GroupFor:     rateGroupFor,
			Limiter:      deps.RateLimiter,
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", healthHandler(deps.Health))
	if deps.SessionHandler != nil {
		deps.SessionHandler.RegisterRoutes(api)
	}
	if deps.PaymentHandler != nil {
		deps.PaymentHandler.RegisterRoutes(api)
	}
	if deps.ReportHandler != nil {
		deps.ReportHandler.RegisterRoutes(api)
	}
	if isDevLike(deps.Config.Env) && deps.PaymentHandler != nil {
		deps.PaymentHandler.RegisterDevRoutes(api)
	}

	r.NoRoute(func(c *gin.Context) {
		respond.Error(c, http.StatusNotFound, "not_found", "route not found", nil)
	})
	return r
}

func rateGroupFor(c *gin.Context) string {
	path := c.FullPath()
	switch {
	case strings.HasSuffix(path, "/report"), strings.HasPrefix(path, "/api/v1/reports/access/"):
		return rateGroupPolling
	case path == "/api/v1/payments/verify", strings.HasSuffix(path, "/checkout"):
		return rateGroupPayment
	}
	return rateGroupDefault
}

func healthHandler(svc *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		ok, checks := svc.Status(c.Request.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, gin.H{"ok": ok, "checks": checks})
	}
}

func isDevLike(env string) bool {
	return env == "dev" || env == "local"
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
