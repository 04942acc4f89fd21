package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"heritrust/internal/handler"
	"heritrust/pkg/auth"
	"heritrust/pkg/logger"
	"heritrust/pkg/metrics"
	"heritrust/pkg/rbac"
	"heritrust/pkg/trace"
	"heritrust/pkg/util"
)

const PrincipalKey = handler.PrincipalKey

// IdempotencyHeader 客户端提供的幂等键
const IdempotencyHeader = "Idempotency-Key"

// TraceMiddleware 沿用请求头中的 trace_id，没有则生成一个
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

// LoggingMiddleware 访问日志和请求耗时指标
func LoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), duration)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
		}
		if principal, ok := c.Get(PrincipalKey); ok {
			fields = append(fields, zap.String("principal", string(principal.(rbac.Principal))))
		}
		reqLog := logger.WithTrace(c.Request.Context(), log)
		if status >= http.StatusInternalServerError {
			reqLog.Error("HTTP request", fields...)
			return
		}
		reqLog.Info("HTTP request", fields...)
	}
}

// AuthMiddleware 校验 bearer token，把调用方地址放进上下文
func AuthMiddleware(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		principal, err := tokens.Parse(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(PrincipalKey, principal)
		c.Next()
	}
}

// RequirePermission 中间件：要求调用方具有指定权限
func RequirePermission(registry *rbac.Registry, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(PrincipalKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "caller not authenticated"})
			c.Abort()
			return
		}

		if err := registry.CheckPermission(value.(rbac.Principal), permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

// IdempotencyMiddleware 同一调用方在 TTL 内重复使用同一幂等键时返回 409。
// 处理结果为 5xx 时释放键，允许客户端重试。
func IdempotencyMiddleware(deduper *util.Deduper) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" || deduper == nil || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		scope := "http"
		if principal, ok := c.Get(PrincipalKey); ok {
			scope = "http:" + string(principal.(rbac.Principal))
		}
		if !deduper.AcquireOnce(c.Request.Context(), scope, key) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate request", "idempotency_key": key})
			c.Abort()
			return
		}

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			deduper.Release(c.Request.Context(), scope, key)
		}
	}
}
