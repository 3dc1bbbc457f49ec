package resilient

import (
	"context"
	"sync"
	"time"

	"github.com/Fischlvor/resilient-ratelimiter"
	"github.com/Fischlvor/resilient-ratelimiter/clock"
)

// route 单次调用的路由
type route int

const (
	routeLocal route = iota
	routeShared
	routeProbe
)

// breaker 熔断器状态机
//
//	Closed --连续threshold次失败--> Open --cooldown后--> HalfOpen
//	HalfOpen --探测成功--> Closed
//	HalfOpen --探测失败--> Open（重新计时）
//
// HalfOpen 期间只有一个调用方持有探测令牌，其他调用走本地存储。
// 每个 Store 独占一个 breaker，不同实例之间不共享状态。
type breaker struct {
	mu        sync.Mutex
	state     ratelimiter.CircuitState
	probing   bool
	pending   []ratelimiter.TransitionEvent
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	recorder  ratelimiter.Recorder

	// emitMu 保证通知按状态变化的先后顺序送达
	emitMu sync.Mutex
}

func newBreaker(threshold int, cooldown time.Duration, c clock.Clock, r ratelimiter.Recorder) *breaker {
	return &breaker{
		state:     ratelimiter.CircuitState{Status: ratelimiter.CircuitClosed},
		threshold: threshold,
		cooldown:  cooldown,
		clock:     c,
		recorder:  r,
	}
}

// acquire 决定本次调用走共享存储、探测还是本地存储
func (b *breaker) acquire() route {
	b.mu.Lock()
	if b.state.Status == ratelimiter.CircuitClosed {
		b.mu.Unlock()
		return routeShared
	}
	ok := b.takeProbeLocked()
	b.mu.Unlock()

	b.flush()
	if ok {
		return routeProbe
	}
	return routeLocal
}

// acquireProbe 只在可以探测时获取探测令牌，Closed 状态下返回 false
func (b *breaker) acquireProbe() bool {
	b.mu.Lock()
	if b.state.Status == ratelimiter.CircuitClosed {
		b.mu.Unlock()
		return false
	}
	ok := b.takeProbeLocked()
	b.mu.Unlock()

	b.flush()
	return ok
}

// takeProbeLocked 冷却结束时转为 HalfOpen 并交出唯一的探测令牌
func (b *breaker) takeProbeLocked() bool {
	switch b.state.Status {
	case ratelimiter.CircuitOpen:
		now := b.clock.Now()
		if now.Sub(b.state.OpenedAt) < b.cooldown {
			return false
		}
		b.transitionLocked(ratelimiter.CircuitHalfOpen, nil, now)
		b.probing = true
		return true
	case ratelimiter.CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// success 记录一次共享存储成功
func (b *breaker) success(r route) {
	b.mu.Lock()
	switch {
	case r == routeProbe:
		b.probing = false
		b.state.ConsecutiveFailures = 0
		b.transitionLocked(ratelimiter.CircuitClosed, nil, b.clock.Now())
	case b.state.Status == ratelimiter.CircuitClosed:
		b.state.ConsecutiveFailures = 0
	}
	b.mu.Unlock()

	b.flush()
}

// failure 记录一次共享存储失败；熔断后才返回的旧请求不影响状态
func (b *breaker) failure(r route, cause error) {
	b.mu.Lock()
	switch {
	case r == routeProbe:
		b.probing = false
		b.state.ConsecutiveFailures++
		now := b.clock.Now()
		b.transitionLocked(ratelimiter.CircuitOpen, cause, now)
		b.state.OpenedAt = now
	case b.state.Status == ratelimiter.CircuitClosed:
		b.state.ConsecutiveFailures++
		if b.state.ConsecutiveFailures >= b.threshold {
			now := b.clock.Now()
			b.transitionLocked(ratelimiter.CircuitOpen, cause, now)
			b.state.OpenedAt = now
		}
	}
	b.mu.Unlock()

	b.flush()
}

// release 探测既未成功也未失败（如调用方取消），交还令牌
func (b *breaker) release(r route) {
	if r != routeProbe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *breaker) snapshot() ratelimiter.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionLocked 切换状态并把通知排入队列，解锁后由 flush 送出
func (b *breaker) transitionLocked(to ratelimiter.CircuitStatus, cause error, now time.Time) {
	from := b.state.Status
	if from == to {
		return
	}
	b.state.Status = to
	b.pending = append(b.pending, ratelimiter.TransitionEvent{
		From:     from,
		To:       to,
		Failures: b.state.ConsecutiveFailures,
		Cause:    cause,
		At:       now,
	})
}

// flush 在状态锁外按入队顺序通知，每次状态变化只通知一次
func (b *breaker) flush() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	for {
		b.mu.Lock()
		events := b.pending
		b.pending = nil
		b.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			b.recorder.RecordTransition(context.Background(), ev)
		}
	}
}
