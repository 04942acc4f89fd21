package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"heritrust/internal/handler"
	"heritrust/pkg/auth"
	tracing "heritrust/pkg/otel"
	"heritrust/pkg/rbac"
	"heritrust/pkg/util"
)

// ReadinessCheck 依赖健康检查，返回错误时 /readyz 报告未就绪
type ReadinessCheck func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	ledgerHandler *handler.LedgerHandler,
	adminHandler *handler.AdminHandler,
	tokens *auth.TokenManager,
	registry *rbac.Registry,
	deduper *util.Deduper,
	ready ReadinessCheck,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), tracing.GinMiddleware(), LoggingMiddleware(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()

			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	api := r.Group("/")
	api.Use(AuthMiddleware(tokens), IdempotencyMiddleware(deduper))
	{
		api.POST("/projects", ledgerHandler.CreateProject)
		api.GET("/projects", ledgerHandler.ListProjects)
		api.GET("/projects/:id", ledgerHandler.GetProject)
		api.POST("/projects/:id/milestones", ledgerHandler.AddMilestone)
		api.GET("/projects/:id/milestones/:mid", ledgerHandler.GetMilestone)
		api.POST("/projects/:id/milestones/:mid/proof", ledgerHandler.SubmitProof)
		api.POST("/projects/:id/milestones/:mid/verify", ledgerHandler.VerifyMilestone)
		api.POST("/projects/:id/milestones/:mid/score", RequirePermission(registry, rbac.PermissionVerifyMilestone), ledgerHandler.ScoreMilestone)
		api.POST("/projects/:id/milestones/:mid/approve", ledgerHandler.ApproveAndRelease)
		api.GET("/balances/:principal", ledgerHandler.GetBalance)
		api.GET("/events", ledgerHandler.ListEvents)

		admin := api.Group("/admin")
		admin.POST("/roles", adminHandler.GrantRole)
		admin.DELETE("/roles", adminHandler.RevokeRole)

		replay := admin.Group("/outbox", RequirePermission(registry, rbac.PermissionReplayOutbox))
		replay.POST("/replay", adminHandler.ReplayOutboxEvent)
		replay.POST("/replay-failed", adminHandler.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

// NewServer 以路由构造 http.Server，由调用方负责 ListenAndServe 和 Shutdown
func (r *Router) NewServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
