package ratelimiter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ViolationEvent 一次限流拒绝
type ViolationEvent struct {
	Key        string
	Policy     string
	Method     string
	Path       string
	ClientIP   string
	UserID     string
	Limit      int64
	RetryAfter int64
	Source     Source
	At         time.Time
}

// TransitionEvent 熔断器状态变化
type TransitionEvent struct {
	From     CircuitStatus
	To       CircuitStatus
	Failures int
	Cause    error
	At       time.Time
}

// Name 事件名：circuit_open / circuit_half_open / circuit_closed
func (e TransitionEvent) Name() string {
	return "circuit_" + e.To.String()
}

// Recorder 违规事件与熔断状态变化的接收方（日志/指标）
//
// 实现必须是尽力而为的，不能阻塞或影响请求。
type Recorder interface {
	RecordViolation(ctx context.Context, ev ViolationEvent)
	RecordTransition(ctx context.Context, ev TransitionEvent)
}

// NopRecorder 丢弃所有事件
type NopRecorder struct{}

func (NopRecorder) RecordViolation(context.Context, ViolationEvent)   {}
func (NopRecorder) RecordTransition(context.Context, TransitionEvent) {}

// MultiRecorder 依次转发给多个Recorder
type MultiRecorder []Recorder

func (m MultiRecorder) RecordViolation(ctx context.Context, ev ViolationEvent) {
	for _, r := range m {
		r.RecordViolation(ctx, ev)
	}
}

func (m MultiRecorder) RecordTransition(ctx context.Context, ev TransitionEvent) {
	for _, r := range m {
		r.RecordTransition(ctx, ev)
	}
}

// LogRecorder 使用slog输出事件
//
// 状态变化每次都输出；违规日志按令牌桶限速，被抑制的条数在下一条日志中带出。
type LogRecorder struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLogRecorder 创建日志Recorder，perSecond<=0 表示违规日志不限速
func NewLogRecorder(logger *slog.Logger, perSecond float64, burst int) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &LogRecorder{
		logger:  logger.With("component", "ratelimiter"),
		limiter: lim,
	}
}

func (r *LogRecorder) RecordViolation(ctx context.Context, ev ViolationEvent) {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	r.logger.InfoContext(ctx, "rate_limit_exceeded",
		"policy", ev.Policy,
		"key", ev.Key,
		"method", ev.Method,
		"path", ev.Path,
		"ip", ev.ClientIP,
		"user", ev.UserID,
		"limit", ev.Limit,
		"retry_after", ev.RetryAfter,
		"source", string(ev.Source),
		"suppressed", r.suppressed.Swap(0),
	)
}

func (r *LogRecorder) RecordTransition(ctx context.Context, ev TransitionEvent) {
	attrs := []any{
		"from", ev.From.String(),
		"to", ev.To.String(),
		"failures", ev.Failures,
	}
	if ev.Cause != nil {
		attrs = append(attrs, "error", ev.Cause.Error())
	}

	if ev.To == CircuitOpen {
		r.logger.WarnContext(ctx, ev.Name(), attrs...)
		return
	}
	r.logger.InfoContext(ctx, ev.Name(), attrs...)
}
