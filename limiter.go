package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Fischlvor/resilient-ratelimiter/clock"
)

// Limiter 限流器：解析策略、构建key、调用存储并汇总判定
type Limiter struct {
	config         *Config
	store          Store
	registry       *Registry
	clock          clock.Clock
	recorder       Recorder
	logger         *slog.Logger
	whitelistIPs   *IPSet
	whitelistUsers map[string]bool
}

// Option 限流器选项
type Option func(*Limiter)

// WithClock 自定义时钟（测试使用虚拟时钟）
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithRecorder 设置违规事件接收方
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		l.recorder = r
	}
}

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// NewFromFile 从配置文件创建限流器
func NewFromFile(configFile string, store Store, opts ...Option) (*Limiter, error) {
	// 获取配置文件路径
	configPath, err := GetConfigPath(configFile)
	if err != nil {
		return nil, err
	}

	// 加载配置
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return NewFromConfig(config, store, opts...)
}

// NewFromConfig 从配置对象创建限流器
func NewFromConfig(config *Config, store Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store不能为空", ErrInvalidConfig)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	limiter := &Limiter{
		config:         config,
		store:          store,
		clock:          clock.NewRealClock(),
		recorder:       NopRecorder{},
		logger:         slog.Default(),
		whitelistUsers: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(limiter)
	}
	limiter.logger = limiter.logger.With("component", "ratelimiter")

	// 加载白名单
	ips, err := NewIPSet(config.Bypass.IPs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	limiter.whitelistIPs = ips
	for _, user := range config.Bypass.Users {
		limiter.whitelistUsers[user] = true
	}

	// 转换策略列表
	policies := make([]*Policy, 0, len(config.Policies))
	for i := range config.Policies {
		policy, err := config.Policies[i].ToPolicy()
		if err != nil {
			return nil, fmt.Errorf("转换策略失败: %w", err)
		}
		policies = append(policies, policy)
	}

	limiter.registry, err = NewRegistry(policies, config.Default.Stacking)
	if err != nil {
		return nil, err
	}

	return limiter, nil
}

// Check 检查请求是否允许通过
//
// 返回 nil Decision 表示请求旁路（未启用、白名单或没有命中策略），此时不访问存储。
// 错误只在本地存储故障且配置为 fail-closed 时出现。
func (l *Limiter) Check(ctx context.Context, req Request) (*Decision, error) {
	if l.bypassed(req) {
		return nil, nil
	}

	policies := l.registry.Resolve(req.Method, req.Path)
	if len(policies) == 0 {
		return nil, nil
	}

	var tightest *Decision
	for _, policy := range policies {
		decision, err := l.checkPolicy(ctx, policy, req)
		if err != nil {
			return nil, err
		}

		// 如果被限流，直接返回
		if !decision.Allowed {
			return decision, nil
		}
		if tightest == nil || decision.Remaining < tightest.Remaining {
			tightest = decision
		}
	}

	return tightest, nil
}

// CheckPolicy 使用指定名称的策略检查请求，不经过路由匹配
func (l *Limiter) CheckPolicy(ctx context.Context, name string, req Request) (*Decision, error) {
	policy, err := l.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if l.bypassed(req) || policy.Unlimited() {
		return nil, nil
	}
	return l.checkPolicy(ctx, policy, req)
}

// Policy 按名称获取策略，不存在时返回 ErrPolicyNotFound
func (l *Limiter) Policy(name string) (*Policy, error) {
	return l.registry.Lookup(name)
}

// checkPolicy 检查单个策略
func (l *Limiter) checkPolicy(ctx context.Context, policy *Policy, req Request) (*Decision, error) {
	key := policy.Key(req.ClientIP, req.UserID)

	decision, err := l.store.Increment(ctx, key, policy.Window, policy.MaxRequests, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("限流检查失败 policy=%s: %w", policy.Name, err)
	}
	decision.Policy = policy.Name

	if !decision.Allowed {
		l.recorder.RecordViolation(ctx, ViolationEvent{
			Key:        key,
			Policy:     policy.Name,
			Method:     req.Method,
			Path:       req.Path,
			ClientIP:   req.ClientIP,
			UserID:     req.UserID,
			Limit:      decision.Limit,
			RetryAfter: decision.RetryAfter,
			Source:     decision.Source,
			At:         l.clock.Now(),
		})
	}

	return decision, nil
}

// bypassed 未启用限流或命中白名单
func (l *Limiter) bypassed(req Request) bool {
	if !l.config.Default.Enabled {
		return true
	}
	if l.whitelistIPs.Contains(req.ClientIP) {
		return true
	}
	return req.UserID != "" && l.whitelistUsers[req.UserID]
}

// IsEnabled 检查限流是否启用
func (l *Limiter) IsEnabled() bool {
	return l.config.Default.Enabled
}

// GetConfig 获取配置
func (l *Limiter) GetConfig() *Config {
	return l.config
}

// Registry 获取策略注册表
func (l *Limiter) Registry() *Registry {
	return l.registry
}
