package algorithm

import (
	"sort"
	"time"
)

// Slide 对一个key的窗口记录执行一次滑动窗口判定
//
// entries 为已准入请求的毫秒时间戳（升序）。返回更新后的记录与判定结果：
//  1. 丢弃早于 now-window 的记录
//  2. 统计剩余记录数
//  3. 未达阈值则在 now 处追加一条记录并放行
//  4. 否则拒绝，RetryAfter = ceil((最早记录 + window - now) / 1s)
//
// 返回的切片可能与入参共享底层数组，调用方需自行保证互斥。
func Slide(entries []int64, now time.Time, window time.Duration, limit int64) ([]int64, *Context, error) {
	if limit <= 0 {
		return entries, nil, ErrInvalidLimit
	}
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return entries, nil, ErrInvalidWindow
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - windowMs

	// 时间戳 == cutoff 的记录仍在窗口内
	first := sort.Search(len(entries), func(i int) bool { return entries[i] >= cutoff })
	kept := entries[first:]
	count := int64(len(kept))

	if count < limit {
		kept = insertSorted(kept, nowMs)
		return kept, &Context{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - count - 1,
			Reset:     ResetAt(kept[len(kept)-1], windowMs),
		}, nil
	}

	return kept, &Context{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		Reset:      ResetAt(kept[len(kept)-1], windowMs),
		RetryAfter: RetryAfter(kept[0], windowMs, nowMs),
	}, nil
}

// ResetAt 最新记录过期的时刻（Unix秒，向上取整）
func ResetAt(newestMs, windowMs int64) int64 {
	return ceilDiv(newestMs+windowMs, 1000)
}

// RetryAfter 最早记录离开窗口前需要等待的秒数（至少1秒）
func RetryAfter(oldestMs, windowMs, nowMs int64) int64 {
	wait := ceilDiv(oldestMs+windowMs-nowMs, 1000)
	if wait < 1 {
		wait = 1
	}
	return wait
}

// insertSorted 保持升序插入；进程时钟回拨时记录可能不在末尾
func insertSorted(entries []int64, ts int64) []int64 {
	i := sort.Search(len(entries), func(i int) bool { return entries[i] > ts })
	entries = append(entries, 0)
	copy(entries[i+1:], entries[i:])
	entries[i] = ts
	return entries
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return a / b
	}
	return (a + b - 1) / b
}
