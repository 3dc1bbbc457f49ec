// Package redis 基于Redis有序集合的共享滑动窗口存储，多进程全局一致
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	libredis "github.com/redis/go-redis/v9"

	"github.com/Fischlvor/resilient-ratelimiter"
	"github.com/Fischlvor/resilient-ratelimiter/drivers/algorithm"
)

// DefaultTimeout 单条命令默认超时
const DefaultTimeout = 100 * time.Millisecond

// slidingWindowScript 原子执行滑动窗口判定，时间取自Redis服务端
//
// 返回 {allowed, remaining, now, oldest, newest}，时间单位毫秒。
var slidingWindowScript = libredis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local member = ARGV[3]

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

-- 分数为整数毫秒，< now-window 等价于 <= now-window-1
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window - 1)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {1, limit - count - 1, now, tonumber(oldest[2]), now}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local newest = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
return {0, 0, now, tonumber(oldest[2]), tonumber(newest[2])}
`)

// TuneClientOptions 调整客户端选项以配合限流判定：开启 ContextTimeoutEnabled，
// 拨号失败只尝试一次并立即返回，连接被拒绝时归类为连接错误而不是等到超时。
func TuneClientOptions(opts *libredis.Options) {
	opts.ContextTimeoutEnabled = true
	opts.DialerRetries = 1
	opts.DialerRetryTimeout = time.Millisecond
}

// Store Redis存储实现
//
// 客户端由外部创建并管理生命周期，Store不会关闭它。客户端需开启
// ContextTimeoutEnabled，命令超时才能生效。
type Store struct {
	client  libredis.UniversalClient
	prefix  string
	timeout time.Duration
}

var _ ratelimiter.Store = (*Store)(nil)

// Option Store选项
type Option func(*Store)

// WithTimeout 单条命令超时
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewStore 创建Redis存储
func NewStore(client libredis.UniversalClient, prefix string, opts ...Option) *Store {
	s := &Store{
		client:  client,
		prefix:  prefix,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key 添加前缀
func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Increment 执行一次滑动窗口判定，now 被忽略，以Redis服务端时间为准
//
// 超时与连接错误以 *ratelimiter.StoreError 返回，不会转换为判定结果。
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, limit int64, _ time.Time) (*ratelimiter.Decision, error) {
	if limit <= 0 {
		return nil, algorithm.ErrInvalidLimit
	}
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return nil, algorithm.ErrInvalidWindow
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := slidingWindowScript.Run(ctx, s.client, []string{s.key(key)}, windowMs, limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return nil, ratelimiter.NewStoreError("increment", err)
	}
	if len(vals) != 5 {
		return nil, ratelimiter.NewStoreError("increment", fmt.Errorf("unexpected script result length %d", len(vals)))
	}

	allowed, remaining, now, oldest, newest := vals[0] == 1, vals[1], vals[2], vals[3], vals[4]
	decision := &ratelimiter.Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     algorithm.ResetAt(newest, windowMs),
		Source:    ratelimiter.SourceShared,
	}
	if !allowed {
		decision.RetryAfter = algorithm.RetryAfter(oldest, windowMs, now)
	}
	return decision, nil
}

// HealthCheck PING，用于熔断器恢复探测
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return ratelimiter.NewStoreError("ping", err)
	}
	return nil
}
