// Package server 示例服务：在业务路由前挂载限流中间件，并暴露熔断状态与统计
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Fischlvor/resilient-ratelimiter"
	ginmw "github.com/Fischlvor/resilient-ratelimiter/drivers/middleware/gin"
	statsredis "github.com/Fischlvor/resilient-ratelimiter/drivers/stats/redis"
)

// CircuitReporter 熔断状态来源
type CircuitReporter interface {
	State() ratelimiter.CircuitState
}

// StatsReporter 统计来源
type StatsReporter interface {
	Snapshot(ctx context.Context) (*statsredis.Snapshot, error)
}

// Options 路由依赖
type Options struct {
	Limiter *ratelimiter.Limiter
	// Circuit 为空时不暴露熔断状态（未配置共享存储）
	Circuit CircuitReporter
	// Stats 为空时不暴露统计
	Stats StatsReporter
	// UserHeader 示例认证：从该请求头读取用户ID
	UserHeader string
}

// NewRouter 创建gin路由
func NewRouter(opts Options) (*gin.Engine, error) {
	cfg := opts.Limiter.GetConfig()

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	r.Use(authenticate(opts.UserHeader))
	r.Use(ginmw.NewMiddleware(opts.Limiter))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/items", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": []string{}})
	})
	api.GET("/items/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	api.POST("/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"token": "demo"})
	})

	internal := r.Group("/internal/ratelimit")
	internal.GET("/circuit", func(c *gin.Context) {
		if opts.Circuit == nil {
			c.JSON(http.StatusOK, gin.H{"status": "disabled"})
			return
		}
		state := opts.Circuit.State()
		body := gin.H{
			"status":               state.Status.String(),
			"consecutive_failures": state.ConsecutiveFailures,
		}
		if !state.OpenedAt.IsZero() {
			body["opened_at"] = state.OpenedAt
		}
		c.JSON(http.StatusOK, body)
	})
	internal.GET("/stats", func(c *gin.Context) {
		if opts.Stats == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "统计未启用"})
			return
		}
		snap, err := opts.Stats.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	return r, nil
}

// authenticate 示例认证中间件，把用户ID写入 gin.Context
func authenticate(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header != "" {
			if uid := c.GetHeader(header); uid != "" {
				c.Set(ginmw.DefaultUserKey, uid)
			}
		}
		c.Next()
	}
}
