// Package resilient 组合共享存储与本地存储的熔断代理
//
// 共享存储健康时所有调用走共享存储；连续失败达到阈值后熔断，只使用本地存储；
// 冷却结束后放行一次探测，成功则恢复。共享存储的故障不会以错误形式向上传播，
// 一律降级为本地判定。本地存储自身故障时按 FailMode 放行或返回 ErrFallbackStore。
package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fischlvor/resilient-ratelimiter"
	"github.com/Fischlvor/resilient-ratelimiter/clock"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 10 * time.Second
	DefaultTimeout          = 100 * time.Millisecond
)

// Store 熔断代理，实现 ratelimiter.Store
type Store struct {
	shared   ratelimiter.Store
	local    ratelimiter.Store
	breaker  *breaker
	failMode ratelimiter.FailMode
	timeout  time.Duration
	logger   *slog.Logger

	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	recorder  ratelimiter.Recorder
}

var _ ratelimiter.Store = (*Store)(nil)

// Option 代理选项
type Option func(*Store)

// WithFailureThreshold 连续失败阈值
func WithFailureThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCooldown 熔断冷却时间
func WithCooldown(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithTimeout 共享存储调用超时，必须小于HTTP请求超时
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithFailMode 本地存储故障时的处理方式
func WithFailMode(m ratelimiter.FailMode) Option {
	return func(s *Store) {
		if m != "" {
			s.failMode = m
		}
	}
}

// WithClock 自定义时钟
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithRecorder 状态变化接收方
func WithRecorder(r ratelimiter.Recorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithLogger 日志
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New 创建熔断代理
func New(shared, local ratelimiter.Store, opts ...Option) *Store {
	s := &Store{
		shared:    shared,
		local:     local,
		failMode:  ratelimiter.FailOpen,
		timeout:   DefaultTimeout,
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		clock:     clock.NewRealClock(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = ratelimiter.NewLogRecorder(s.logger, 0, 0)
	}
	s.logger = s.logger.With("component", "resilient_store")
	s.breaker = newBreaker(s.threshold, s.cooldown, s.clock, s.recorder)
	return s
}

// NewFromConfig 按配置创建熔断代理，opts 在配置之后应用
func NewFromConfig(cfg *ratelimiter.Config, shared, local ratelimiter.Store, opts ...Option) *Store {
	base := []Option{
		WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
		WithCooldown(cfg.Cooldown()),
		WithTimeout(cfg.StoreTimeout()),
		WithFailMode(cfg.FailMode()),
	}
	return New(shared, local, append(base, opts...)...)
}

// Increment 执行一次判定：优先共享存储，失败或熔断时降级到本地存储
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (*ratelimiter.Decision, error) {
	if r := s.breaker.acquire(); r != routeLocal {
		d, err := s.callShared(ctx, key, window, limit, now)
		switch {
		case err == nil:
			s.breaker.success(r)
			return d, nil
		case ctx.Err() != nil:
			// 调用方已取消，不计入熔断
			s.breaker.release(r)
		case ratelimiter.IsStoreError(err):
			s.breaker.failure(r, err)
		default:
			s.breaker.release(r)
			return nil, err
		}
	}

	return s.incrementLocal(ctx, key, window, limit, now)
}

// HealthCheck 共享存储健康检查
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.shared.HealthCheck(ctx)
}

// State 熔断器状态快照
func (s *Store) State() ratelimiter.CircuitState {
	return s.breaker.snapshot()
}

// Probe 冷却结束后用 HealthCheck 探测一次，返回是否执行了探测
func (s *Store) Probe(ctx context.Context) bool {
	if !s.breaker.acquireProbe() {
		return false
	}

	err := s.HealthCheck(ctx)
	switch {
	case err == nil:
		s.breaker.success(routeProbe)
	case ctx.Err() != nil:
		s.breaker.release(routeProbe)
	default:
		s.breaker.failure(routeProbe, err)
	}
	return true
}

// StartRecovery 启动后台探测，流量稀少时也能按时恢复；ctx结束时退出
func (s *Store) StartRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Probe(ctx)
			}
		}
	}()
}

type sharedResult struct {
	decision *ratelimiter.Decision
	err      error
}

// callShared 带超时调用共享存储，即使底层客户端不响应ctx也能按时返回
func (s *Store) callShared(parent context.Context, key string, window time.Duration, limit int64, now time.Time) (*ratelimiter.Decision, error) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	ch := make(chan sharedResult, 1)
	go func() {
		d, err := s.shared.Increment(ctx, key, window, limit, now)
		ch <- sharedResult{decision: d, err: err}
	}()

	select {
	case res := <-ch:
		return res.decision, res.err
	case <-ctx.Done():
		return nil, ratelimiter.NewStoreError("increment", ctx.Err())
	}
}

// incrementLocal 调用本地存储，panic 视为本地存储故障
func (s *Store) incrementLocal(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (d *ratelimiter.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			d, err = nil, fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			d, err = s.fallbackFailed(ctx, key, window, limit, now, err)
		}
	}()

	return s.local.Increment(ctx, key, window, limit, now)
}

// fallbackFailed 本地存储故障：fail-open 放行，fail-closed 返回 ErrFallbackStore
func (s *Store) fallbackFailed(ctx context.Context, key string, window time.Duration, limit int64, now time.Time, cause error) (*ratelimiter.Decision, error) {
	s.logger.ErrorContext(ctx, "fallback_store_failure",
		"key", key,
		"fail_mode", string(s.failMode),
		"error", cause.Error(),
	)

	if s.failMode == ratelimiter.FailClosed {
		return nil, fmt.Errorf("%w: %w", ratelimiter.ErrFallbackStore, cause)
	}

	return &ratelimiter.Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		Reset:     now.Add(window).Unix(),
		Source:    ratelimiter.SourceFailOpen,
	}, nil
}

// IsFallbackFailure 是否为本地存储故障（仅 fail-closed 时返回）
func IsFallbackFailure(err error) bool {
	return errors.Is(err, ratelimiter.ErrFallbackStore)
}
