package gin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Fischlvor/resilient-ratelimiter"
	"github.com/gin-gonic/gin"
)

// DefaultUserKey 上游认证中间件写入用户ID使用的 gin.Context key
const DefaultUserKey = "user_id"

// Limiter 限流器接口
type Limiter interface {
	Check(ctx context.Context, req ratelimiter.Request) (*ratelimiter.Decision, error)
}

// PolicyLimiter 支持按名称使用策略的限流器
type PolicyLimiter interface {
	Policy(name string) (*ratelimiter.Policy, error)
	CheckPolicy(ctx context.Context, name string, req ratelimiter.Request) (*ratelimiter.Decision, error)
}

// Middleware Gin限流中间件
type Middleware struct {
	Limiter    Limiter
	OnError    func(*gin.Context, error)
	OnExceeded func(*gin.Context, *ratelimiter.Decision)
	KeyGetter  func(*gin.Context) ratelimiter.Request
}

// NewMiddleware 创建Gin中间件
func NewMiddleware(limiter Limiter, options ...Option) gin.HandlerFunc {
	m := &Middleware{
		Limiter:    limiter,
		OnError:    DefaultErrorHandler,
		OnExceeded: DefaultExceededHandler,
		KeyGetter:  DefaultKeyGetter,
	}

	for _, opt := range options {
		opt(m)
	}

	return func(c *gin.Context) {
		m.Handle(c)
	}
}

// NewPolicyMiddleware 为路由组绑定指定名称的策略，策略不存在时返回 ErrPolicyNotFound
func NewPolicyMiddleware(limiter PolicyLimiter, name string, options ...Option) (gin.HandlerFunc, error) {
	if _, err := limiter.Policy(name); err != nil {
		return nil, fmt.Errorf("绑定策略失败: %w", err)
	}
	return NewMiddleware(namedPolicy{limiter: limiter, name: name}, options...), nil
}

type namedPolicy struct {
	limiter PolicyLimiter
	name    string
}

func (p namedPolicy) Check(ctx context.Context, req ratelimiter.Request) (*ratelimiter.Decision, error) {
	return p.limiter.CheckPolicy(ctx, p.name, req)
}

// Handle 处理请求
func (m *Middleware) Handle(c *gin.Context) {
	req := m.KeyGetter(c)

	decision, err := m.Limiter.Check(c.Request.Context(), req)
	if err != nil {
		m.OnError(c, err)
		return
	}

	// 没有命中策略，直接放行
	if decision == nil {
		c.Next()
		return
	}

	// 设置限流响应头
	ratelimiter.SetHeaders(c.Writer.Header(), decision)

	if !decision.Allowed {
		m.OnExceeded(c, decision)
		return
	}

	c.Next()
}

// Option 中间件选项
type Option func(*Middleware)

// WithErrorHandler 自定义错误处理
func WithErrorHandler(handler func(*gin.Context, error)) Option {
	return func(m *Middleware) {
		m.OnError = handler
	}
}

// WithExceededHandler 自定义限流超出处理
func WithExceededHandler(handler func(*gin.Context, *ratelimiter.Decision)) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithKeyGetter 自定义请求信息获取
func WithKeyGetter(getter func(*gin.Context) ratelimiter.Request) Option {
	return func(m *Middleware) {
		m.KeyGetter = getter
	}
}

// WithUserKey 从指定的 gin.Context key 读取用户ID
func WithUserKey(key string) Option {
	return func(m *Middleware) {
		m.KeyGetter = KeyGetterFor(key)
	}
}

// DefaultErrorHandler 默认错误处理：限流器自身故障（fail-closed）返回503
func DefaultErrorHandler(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ratelimiter.UnavailableResponse())
}

// DefaultExceededHandler 默认限流超出处理
func DefaultExceededHandler(c *gin.Context, decision *ratelimiter.Decision) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ratelimiter.ExceededResponse(decision))
}

// DefaultKeyGetter 默认请求信息获取
//
// 客户端IP使用 gin 的 ClientIP()，代理信任范围通过 engine.SetTrustedProxies 配置。
func DefaultKeyGetter(c *gin.Context) ratelimiter.Request {
	return KeyGetterFor(DefaultUserKey)(c)
}

// KeyGetterFor 使用指定 key 读取用户ID的请求信息获取函数
func KeyGetterFor(userKey string) func(*gin.Context) ratelimiter.Request {
	return func(c *gin.Context) ratelimiter.Request {
		return ratelimiter.Request{
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			ClientIP: ratelimiter.NormalizeIP(c.ClientIP()),
			UserID:   c.GetString(userKey),
		}
	}
}
