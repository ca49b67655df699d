package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/service"
	"go.uber.org/zap"
)

// Probe reports whether one dependency is reachable.
type Probe func(ctx context.Context) error

type RouterConfig struct {
	RateLimit config.RateLimitConfig
	Auth      config.AuthConfig
	Probes    map[string]Probe
}

func NewRouter(svc *service.LedgerService, cfg RouterConfig, log *zap.SugaredLogger) *gin.Engine {
	registerValidators()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.GET("/healthz", healthHandler(cfg.Probes))

	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, svc, cfg.Auth, log)
	return r
}

func RegisterHandlers(r *gin.Engine, svc *service.LedgerService, auth config.AuthConfig, log *zap.SugaredLogger) {
	h := &handlers{svc: svc, log: log}
	optional := AuthMiddleware(auth.JWTSecret, false)
	required := AuthMiddleware(auth.JWTSecret, true)

	v1 := r.Group("/v1")
	{
		v1.POST("/tips", optional, h.createTip)
		v1.POST("/tips/verify", optional, h.verifyTip)
		v1.GET("/tips/:id/status", h.tipStatus)
		v1.POST("/transactions/withdrawals", required, h.createWithdrawal)
		v1.GET("/balance", required, h.balance)
		v1.PATCH("/admin/transactions/:id/status", required, RequireRole(auth.AdminRole), h.overrideStatus)
		v1.POST("/webhooks/rail", h.railWebhook)
	}
}

func healthHandler(probes map[string]Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 2*time.Second)
		defer cancel()
		status := http.StatusOK
		checks := gin.H{}
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		c.JSON(status, gin.H{"checks": checks})
	}
}
