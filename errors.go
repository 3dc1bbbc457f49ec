package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrPolicyNotFound 引用了不存在的策略（启动期配置错误）
	ErrPolicyNotFound = errors.New("ratelimiter: policy not found")
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("ratelimiter: invalid config")
	// ErrStoreTimeout 共享存储超时
	ErrStoreTimeout = errors.New("ratelimiter: store timeout")
	// ErrStoreConnection 共享存储连接失败
	ErrStoreConnection = errors.New("ratelimiter: store connection error")
	// ErrFallbackStore 本地存储自身故障
	ErrFallbackStore = errors.New("ratelimiter: fallback store failure")
)

// StoreErrorKind 共享存储错误类型
type StoreErrorKind int

const (
	StoreTimeout StoreErrorKind = iota + 1
	StoreConnection
)

func (k StoreErrorKind) String() string {
	switch k {
	case StoreTimeout:
		return "timeout"
	case StoreConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// StoreError 共享存储失败，熔断器据此计数
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is(err, ErrStoreTimeout) / ErrStoreConnection
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrStoreTimeout:
		return e.Kind == StoreTimeout
	case ErrStoreConnection:
		return e.Kind == StoreConnection
	}
	return false
}

// NewStoreError 根据底层错误归类：超时或连接错误
func NewStoreError(op string, err error) *StoreError {
	kind := StoreConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = StoreTimeout
	}
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// IsStoreError 是否为共享存储失败
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
