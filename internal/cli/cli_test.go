package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Fischlvor/resilient-ratelimiter"
)

const testConfig = `
default:
  enabled: true
policies:
  - name: api
    window: 1m
    max_requests: 2
    scope: ip
    match:
      - type: prefix
        path: /api
  - name: health
    window: 1m
    max_requests: 0
    scope: ip
    match:
      - type: exact
        path: /api/ping
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratelimit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckConfig(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv("RATELIMIT_CONFIG", "")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, want := range []string{"fail_mode=open", "policy api", "2/1m0s", "unlimited", "/api/ping"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("输出缺少 %q:\n%s", want, out.String())
		}
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `
policies:
  - name: api
    window: 1m
    max_requests: 2
    scope: planet
    match:
      - type: prefix
        path: /api
`)
	t.Setenv("RATELIMIT_CONFIG", "")

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config", "--config", path})

	if err := cmd.Execute(); err == nil {
		t.Fatal("期望配置错误")
	}
}

func TestBuildLimiter_LocalOnly(t *testing.T) {
	cfg, err := ratelimiter.ParseConfig([]byte(testConfig), "yaml")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := buildLimiter(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), 0)
	if err != nil {
		t.Fatalf("buildLimiter() error = %v", err)
	}
	defer cleanup()

	if deps.circuit != nil || deps.stats != nil {
		t.Error("未配置Redis时不应有熔断器和统计")
	}
	d, err := deps.limiter.Check(ctx, ratelimiter.Request{Method: "GET", Path: "/api/x", ClientIP: "1.2.3.4"})
	if err != nil || d == nil || d.Source != ratelimiter.SourceLocal {
		t.Errorf("Check() = %+v, %v", d, err)
	}
}

func TestBuildLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg, err := ratelimiter.ParseConfig([]byte(testConfig), "yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Redis.URL = "redis://" + mr.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := buildLimiter(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), 0)
	if err != nil {
		t.Fatalf("buildLimiter() error = %v", err)
	}
	defer cleanup()

	req := ratelimiter.Request{Method: "GET", Path: "/api/x", ClientIP: "1.2.3.4"}
	d, err := deps.limiter.Check(ctx, req)
	if err != nil || d == nil || d.Source != ratelimiter.SourceShared {
		t.Fatalf("Check() = %+v, %v", d, err)
	}
	if !mr.Exists("ratelimit:api:ip:1.2.3.4") {
		t.Errorf("Redis中缺少计数key, keys = %v", mr.Keys())
	}
	if got := deps.circuit.State().Status; got != ratelimiter.CircuitClosed {
		t.Errorf("Status = %v, want closed", got)
	}

	// 零限额策略不访问存储
	if d, _ := deps.limiter.Check(ctx, ratelimiter.Request{Method: "GET", Path: "/api/ping", ClientIP: "1.2.3.4"}); d != nil {
		t.Errorf("unlimited policy Decision = %+v, want nil", d)
	}
}

func TestBuildLimiter_InvalidRedisURL(t *testing.T) {
	cfg, err := ratelimiter.ParseConfig([]byte(testConfig), "yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Redis.URL = "://bad"

	if _, _, err := buildLimiter(context.Background(), cfg, slog.Default(), 0); err == nil {
		t.Fatal("期望无效URL错误")
	}
}

func TestNewHTTPServer(t *testing.T) {
	tests := []struct {
		name           string
		requestTimeout time.Duration
		storeTimeout   time.Duration
		wantErr        bool
	}{
		{name: "大于存储超时", requestTimeout: 5 * time.Second, storeTimeout: 100 * time.Millisecond},
		{name: "等于存储超时", requestTimeout: 100 * time.Millisecond, storeTimeout: 100 * time.Millisecond, wantErr: true},
		{name: "小于存储超时", requestTimeout: 50 * time.Millisecond, storeTimeout: 100 * time.Millisecond, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := newHTTPServer(":0", http.NotFoundHandler(), tt.requestTimeout, tt.storeTimeout)
			if tt.wantErr {
				if !errors.Is(err, ratelimiter.ErrInvalidConfig) {
					t.Errorf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("newHTTPServer() error = %v", err)
			}
			if srv.WriteTimeout != tt.requestTimeout || srv.ReadTimeout != tt.requestTimeout {
				t.Errorf("ReadTimeout=%v WriteTimeout=%v, want %v", srv.ReadTimeout, srv.WriteTimeout, tt.requestTimeout)
			}
		})
	}
}

func TestServeCmd_RequestTimeoutFlag(t *testing.T) {
	f := newServeCmd().Flags().Lookup("request-timeout")
	if f == nil {
		t.Fatal("缺少 --request-timeout 参数")
	}
	if f.DefValue != "5s" {
		t.Errorf("默认值 = %s, want 5s", f.DefValue)
	}
}
