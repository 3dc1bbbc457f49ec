// Package memory 进程内滑动窗口存储，作为共享存储不可用时的降级方案
//
// 只在单进程内保证正确：N个实例同时降级时，整体实际阈值为 limit × N。
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Fischlvor/resilient-ratelimiter"
	"github.com/Fischlvor/resilient-ratelimiter/clock"
	"github.com/Fischlvor/resilient-ratelimiter/drivers/algorithm"
)

// Store 本地存储实现
type Store struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	entries []int64
	length  time.Duration
}

var _ ratelimiter.Store = (*Store)(nil)

// NewStore 创建本地存储
func NewStore() *Store {
	return &Store{
		windows: make(map[string]*window),
	}
}

// Increment 执行一次滑动窗口判定，顺带清理该key的过期记录
func (s *Store) Increment(_ context.Context, key string, length time.Duration, limit int64, now time.Time) (*ratelimiter.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{}
	}

	entries, ctx, err := algorithm.Slide(w.entries, now, length, limit)
	if err != nil {
		return nil, err
	}
	w.entries = entries
	w.length = length

	if len(w.entries) == 0 {
		delete(s.windows, key)
	} else if !ok {
		s.windows[key] = w
	}

	return &ratelimiter.Decision{
		Allowed:    ctx.Allowed,
		Limit:      ctx.Limit,
		Remaining:  ctx.Remaining,
		Reset:      ctx.Reset,
		RetryAfter: ctx.RetryAfter,
		Source:     ratelimiter.SourceLocal,
	}, nil
}

// HealthCheck 本地存储始终可用
func (s *Store) HealthCheck(context.Context) error {
	return nil
}

// Cleanup 删除所有记录都已过期的key，返回删除数量
func (s *Store) Cleanup(now time.Time) int {
	nowMs := now.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		newest := w.entries[len(w.entries)-1]
		if newest < nowMs-w.length.Milliseconds() {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len 当前key数量
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// StartJanitor 启动后台清理协程，ctx结束时退出
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration, c clock.Clock) {
	if interval <= 0 {
		return
	}
	if c == nil {
		c = clock.NewRealClock()
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup(c.Now())
			}
		}
	}()
}
