package ratelimiter

import (
	"net/http"
	"strconv"
)

const (
	// CodeRateLimitExceeded 429 响应错误码
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	// CodeLimiterUnavailable 限流器不可用（fail-closed）错误码
	CodeLimiterUnavailable = "RATE_LIMITER_UNAVAILABLE"
)

// ErrorResponse 拒绝请求时的响应体
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

// SetHeaders 写入限流响应头，Retry-After 只在拒绝时写入
func SetHeaders(h http.Header, d *Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(d.RetryAfter, 10))
	}
}

// ExceededResponse 429 响应体
func ExceededResponse(d *Decision) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:              CodeRateLimitExceeded,
			Message:           "请求过于频繁，请在 " + strconv.FormatInt(d.RetryAfter, 10) + " 秒后重试",
			RetryAfterSeconds: d.RetryAfter,
		},
	}
}

// UnavailableResponse 503 响应体
func UnavailableResponse() ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    CodeLimiterUnavailable,
			Message: "限流服务暂不可用",
		},
	}
}
