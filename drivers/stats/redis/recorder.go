// Package redis 把限流违规和熔断状态变化累计到Redis哈希表，供运维查看
//
// 写入是尽力而为的：事件先进入有界队列，由后台协程批量写入，
// 队列满或Redis不可用时直接丢弃，不影响请求处理。
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	libredis "github.com/redis/go-redis/v9"

	"github.com/Fischlvor/resilient-ratelimiter"
)

const (
	defaultPrefix    = "ratelimit:stats"
	defaultTTL       = 24 * time.Hour
	defaultQueueSize = 1024
	defaultTimeout   = 100 * time.Millisecond
)

// event 队列中的单个事件，二选一
type event struct {
	violation  *ratelimiter.ViolationEvent
	transition *ratelimiter.TransitionEvent
}

// Recorder Redis统计Recorder
type Recorder struct {
	client  libredis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	queue   chan event
	dropped atomic.Int64
}

var _ ratelimiter.Recorder = (*Recorder)(nil)

// Option Recorder选项
type Option func(*Recorder)

// WithPrefix key前缀
func WithPrefix(prefix string) Option {
	return func(r *Recorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithTTL 分钟桶的过期时间，累计值不过期
func WithTTL(d time.Duration) Option {
	return func(r *Recorder) { r.ttl = d }
}

// WithQueueSize 队列长度
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan event, n)
		}
	}
}

// WithTimeout 单次写入超时
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger 日志
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder 创建Recorder，需要调用 Start 启动后台写入
func NewRecorder(client libredis.UniversalClient, opts ...Option) *Recorder {
	r := &Recorder{
		client:  client,
		prefix:  defaultPrefix,
		ttl:     defaultTTL,
		timeout: defaultTimeout,
		logger:  slog.Default(),
		queue:   make(chan event, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "ratelimit_stats")
	return r
}

// RecordViolation 入队，不阻塞
func (r *Recorder) RecordViolation(_ context.Context, ev ratelimiter.ViolationEvent) {
	r.enqueue(event{violation: &ev})
}

// RecordTransition 入队，不阻塞
func (r *Recorder) RecordTransition(_ context.Context, ev ratelimiter.TransitionEvent) {
	r.enqueue(event{transition: &ev})
}

func (r *Recorder) enqueue(ev event) {
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped 因队列满被丢弃的事件数
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start 启动后台写入协程，ctx结束时退出
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.queue:
				if err := r.write(ctx, ev); err != nil {
					r.logger.DebugContext(ctx, "写入限流统计失败", "error", err.Error())
				}
			}
		}
	}()
}

func (r *Recorder) write(parent context.Context, ev event) error {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	switch {
	case ev.violation != nil:
		r.violation(ctx, pipe, ev.violation)
	case ev.transition != nil:
		pipe.HIncrBy(ctx, r.prefix+":circuit", ev.transition.To.String(), 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (r *Recorder) violation(ctx context.Context, pipe libredis.Pipeliner, ev *ratelimiter.ViolationEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe.HIncrBy(ctx, r.prefix+":total", "denied", 1)
	pipe.HIncrBy(ctx, r.prefix+":policy", ev.Policy, 1)
	pipe.HIncrBy(ctx, r.prefix+":source", string(ev.Source), 1)

	bucketKey := fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, ev.Policy, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucketKey, r.ttl)
	}

	if route := strings.TrimSpace(ev.Method + " " + ev.Path); route != "" {
		pipe.HIncrBy(ctx, r.prefix+":route", route, 1)
	}
}

// Snapshot 累计统计
type Snapshot struct {
	Denied   int64            `json:"denied"`
	ByPolicy map[string]int64 `json:"by_policy"`
	BySource map[string]int64 `json:"by_source"`
	Circuit  map[string]int64 `json:"circuit"`
}

// Snapshot 读取累计统计
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	total := pipe.HGet(ctx, r.prefix+":total", "denied")
	byPolicy := pipe.HGetAll(ctx, r.prefix+":policy")
	bySource := pipe.HGetAll(ctx, r.prefix+":source")
	circuit := pipe.HGetAll(ctx, r.prefix+":circuit")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, libredis.Nil) {
		return nil, fmt.Errorf("读取限流统计失败: %w", err)
	}

	s := &Snapshot{}
	s.Denied, _ = total.Int64()

	var err error
	if s.ByPolicy, err = toCounts(byPolicy.Val()); err != nil {
		return nil, err
	}
	if s.BySource, err = toCounts(bySource.Val()); err != nil {
		return nil, err
	}
	if s.Circuit, err = toCounts(circuit.Val()); err != nil {
		return nil, err
	}
	return s, nil
}

func toCounts(m map[string]string) (map[string]int64, error) {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("统计值无效 %s=%s: %w", k, v, err)
		}
		out[k] = n
	}
	return out, nil
}
