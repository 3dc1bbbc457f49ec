// Package http net/http 限流中间件，可挂载到 chi 等兼容 func(http.Handler) http.Handler 的路由
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Fischlvor/resilient-ratelimiter"
)

// Limiter 限流器接口
type Limiter interface {
	Check(ctx context.Context, req ratelimiter.Request) (*ratelimiter.Decision, error)
}

type userIDKey struct{}

// WithUserID 上游认证中间件写入用户ID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext 读取用户ID，匿名请求返回空字符串
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// Middleware net/http 限流中间件
type Middleware struct {
	Limiter        Limiter
	TrustedProxies *ratelimiter.IPSet
	OnError        func(http.ResponseWriter, *http.Request, error)
	OnExceeded     func(http.ResponseWriter, *http.Request, *ratelimiter.Decision)
	KeyGetter      func(*http.Request) ratelimiter.Request
}

// Option 中间件选项
type Option func(*Middleware)

// WithTrustedProxies 只采信来自这些代理的 X-Forwarded-For / X-Real-IP
func WithTrustedProxies(set *ratelimiter.IPSet) Option {
	return func(m *Middleware) {
		m.TrustedProxies = set
	}
}

// WithErrorHandler 自定义错误处理
func WithErrorHandler(handler func(http.ResponseWriter, *http.Request, error)) Option {
	return func(m *Middleware) {
		m.OnError = handler
	}
}

// WithExceededHandler 自定义限流超出处理
func WithExceededHandler(handler func(http.ResponseWriter, *http.Request, *ratelimiter.Decision)) Option {
	return func(m *Middleware) {
		m.OnExceeded = handler
	}
}

// WithKeyGetter 自定义请求信息获取
func WithKeyGetter(getter func(*http.Request) ratelimiter.Request) Option {
	return func(m *Middleware) {
		m.KeyGetter = getter
	}
}

// NewMiddleware 创建 net/http 中间件
func NewMiddleware(limiter Limiter, options ...Option) func(http.Handler) http.Handler {
	m := &Middleware{
		Limiter:    limiter,
		OnError:    DefaultErrorHandler,
		OnExceeded: DefaultExceededHandler,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.KeyGetter == nil {
		m.KeyGetter = m.defaultKeyGetter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next)
		})
	}
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	decision, err := m.Limiter.Check(r.Context(), m.KeyGetter(r))
	if err != nil {
		m.OnError(w, r, err)
		return
	}
	if decision == nil {
		next.ServeHTTP(w, r)
		return
	}

	ratelimiter.SetHeaders(w.Header(), decision)
	if !decision.Allowed {
		m.OnExceeded(w, r, decision)
		return
	}

	next.ServeHTTP(w, r)
}

func (m *Middleware) defaultKeyGetter(r *http.Request) ratelimiter.Request {
	return ratelimiter.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		ClientIP: ratelimiter.ClientIP(r, m.TrustedProxies),
		UserID:   UserIDFromContext(r.Context()),
	}
}

// DefaultErrorHandler 限流器自身故障返回503
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "rate limiter failed", "error", err.Error(), "path", r.URL.Path)
	writeJSON(w, http.StatusServiceUnavailable, ratelimiter.UnavailableResponse())
}

// DefaultExceededHandler 返回429
func DefaultExceededHandler(w http.ResponseWriter, r *http.Request, decision *ratelimiter.Decision) {
	writeJSON(w, http.StatusTooManyRequests, ratelimiter.ExceededResponse(decision))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
