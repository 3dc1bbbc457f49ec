// Package clock 抽象时间来源，便于滑动窗口与熔断器在测试中使用可控时间
package clock

import (
	"sync"
	"time"
)

// Clock 时间来源接口
type Clock interface {
	// Now 返回当前时间
	Now() time.Time
}

// RealClock 使用系统时间
type RealClock struct{}

// NewRealClock 创建系统时钟
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now 返回系统当前时间
func (RealClock) Now() time.Time {
	return time.Now()
}

// VirtualClock 可手动推进的时钟（并发安全）
type VirtualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewVirtualClock 创建从指定时间开始的虚拟时钟
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now 返回虚拟时间
func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance 向前推进时间，d为负数时panic
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set 设置为指定时间，不允许回拨
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.current) {
		panic("clock: cannot set time to the past")
	}
	c.current = t
}
