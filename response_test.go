package ratelimiter

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestSetHeaders(t *testing.T) {
	h := http.Header{}
	SetHeaders(h, &Decision{Allowed: true, Limit: 3, Remaining: 2, Reset: 1704067260})

	if h.Get("X-RateLimit-Limit") != "3" || h.Get("X-RateLimit-Remaining") != "2" || h.Get("X-RateLimit-Reset") != "1704067260" {
		t.Errorf("headers = %v", h)
	}
	if h.Get("Retry-After") != "" {
		t.Error("放行时不应设置 Retry-After")
	}

	h = http.Header{}
	SetHeaders(h, &Decision{Allowed: false, Limit: 3, RetryAfter: 57})
	if h.Get("Retry-After") != "57" {
		t.Errorf("Retry-After = %s, want 57", h.Get("Retry-After"))
	}
}

func TestExceededResponse_JSON(t *testing.T) {
	data, err := json.Marshal(ExceededResponse(&Decision{RetryAfter: 57}))
	if err != nil {
		t.Fatal(err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
	detail := body["error"].(map[string]any)
	if detail["code"] != "RATE_LIMIT_EXCEEDED" || detail["retryAfterSeconds"] != float64(57) || detail["message"] == "" {
		t.Errorf("error = %v", detail)
	}

	u := UnavailableResponse()
	if u.Success || u.Error.Code != "RATE_LIMITER_UNAVAILABLE" {
		t.Errorf("UnavailableResponse() = %+v", u)
	}
}
