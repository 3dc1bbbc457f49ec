package ratelimiter

import (
	"context"
	"time"
)

// Scope 限流维度
type Scope string

const (
	// ScopeIP 按客户端IP限流（匿名请求）
	ScopeIP Scope = "ip"
	// ScopeUser 按认证用户限流，无用户时降级为IP
	ScopeUser Scope = "user"
	// ScopeComposite IP与用户组合限流（最严格）
	ScopeComposite Scope = "composite"
)

// MatchType 路由匹配方式
type MatchType string

const (
	// MatchExact 路径完全相等
	MatchExact MatchType = "exact"
	// MatchPrefix 路径前缀
	MatchPrefix MatchType = "prefix"
	// MatchMethodAndPath 方法与路径均完全相等
	MatchMethodAndPath MatchType = "method_and_path"
)

// FailMode 本地存储也失败时的处理方式
type FailMode string

const (
	// FailOpen 放行并记录日志（默认）
	FailOpen FailMode = "open"
	// FailClosed 拒绝请求
	FailClosed FailMode = "closed"
)

// Source 判定来源
type Source string

const (
	SourceShared   Source = "shared"
	SourceLocal    Source = "local"
	SourceFailOpen Source = "fail_open"
)

// RouteMatch 路由匹配器
type RouteMatch struct {
	Type   MatchType
	Method string
	Path   string
}

// Policy 限流策略，加载后不可变
type Policy struct {
	// Name 策略名称，同时作为key前缀
	Name string
	// Window 滑动窗口大小
	Window time.Duration
	// MaxRequests 窗口内最大请求数，0表示不限流
	MaxRequests int64
	// Scope 限流维度
	Scope Scope
	// Match 匹配的路由
	Match []RouteMatch
}

// Unlimited 是否为不限流策略
func (p *Policy) Unlimited() bool {
	return p.MaxRequests == 0
}

// Request 中间件提取的请求信息
type Request struct {
	Method   string
	Path     string
	ClientIP string
	// UserID 由上游认证中间件填充，匿名请求为空
	UserID string
}

// Decision 单次限流判定结果，按请求计算，不持久化
type Decision struct {
	// Allowed 是否允许通过
	Allowed bool
	// Limit 限流阈值
	Limit int64
	// Remaining 剩余配额
	Remaining int64
	// Reset 窗口完全清空的时间（Unix时间戳，秒）
	Reset int64
	// RetryAfter 建议重试时间（秒），仅拒绝时有效
	RetryAfter int64
	// Policy 命中的策略名称
	Policy string
	// Source 判定来源
	Source Source
}

// Store 限流存储接口
//
// Increment 原子地执行一次滑动窗口判定。共享存储使用服务端时钟，忽略 now；
// 本地存储使用传入的 now。
type Store interface {
	// Increment 执行一次滑动窗口判定
	Increment(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (*Decision, error)
	// HealthCheck 轻量健康检查
	HealthCheck(ctx context.Context) error
}

// CircuitStatus 熔断器状态
type CircuitStatus int

const (
	// CircuitClosed 使用共享存储
	CircuitClosed CircuitStatus = iota
	// CircuitOpen 只使用本地存储
	CircuitOpen
	// CircuitHalfOpen 允许一次探测
	CircuitHalfOpen
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitState 熔断器状态快照
type CircuitState struct {
	Status              CircuitStatus
	ConsecutiveFailures int
	OpenedAt            time.Time
}
