package algorithm

import "errors"

// Context 单次判定结果（独立类型，不依赖核心包）
type Context struct {
	Allowed    bool  // 是否允许请求
	Limit      int64 // 限流阈值
	Remaining  int64 // 剩余配额
	Reset      int64 // 窗口完全清空的时间戳（Unix秒）
	RetryAfter int64 // 建议重试时间（秒），仅拒绝时有效
}

var (
	// ErrInvalidLimit 阈值必须大于0（0表示不限流，由策略层旁路，不应进入算法）
	ErrInvalidLimit = errors.New("algorithm: limit must be positive")
	// ErrInvalidWindow 窗口必须至少1毫秒
	ErrInvalidWindow = errors.New("algorithm: window must be at least 1ms")
)
