package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	libredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Fischlvor/resilient-ratelimiter"
	"github.com/Fischlvor/resilient-ratelimiter/clock"
	statsredis "github.com/Fischlvor/resilient-ratelimiter/drivers/stats/redis"
	"github.com/Fischlvor/resilient-ratelimiter/drivers/store/memory"
	redisstore "github.com/Fischlvor/resilient-ratelimiter/drivers/store/redis"
	"github.com/Fischlvor/resilient-ratelimiter/drivers/store/resilient"
	"github.com/Fischlvor/resilient-ratelimiter/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		addr       string
		userHeader string
		logRate    float64
		reqTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动带限流的HTTP服务",
		Long: `启动示例HTTP服务。

Endpoints:
  GET  /health                     健康检查（不限流）
  GET  /api/items                  示例业务接口
  POST /api/login                  示例登录接口
  GET  /internal/ratelimit/circuit 熔断器状态
  GET  /internal/ratelimit/stats   限流统计（需要Redis）

环境变量 RATELIMIT_CONFIG、REDIS_URL、LISTEN_ADDR 覆盖对应参数，可写在 .env 中。`,
		Example: `  ratelimitd serve --config ratelimit.yaml
  REDIS_URL=redis://localhost:6379/0 ratelimitd serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			slog.SetDefault(logger)

			cfg, err := loadConfig(envOr("RATELIMIT_CONFIG", configFile))
			if err != nil {
				return err
			}
			if url := os.Getenv("REDIS_URL"); url != "" {
				cfg.Redis.URL = url
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, cleanup, err := buildLimiter(ctx, cfg, logger, logRate)
			if err != nil {
				return err
			}
			defer cleanup()

			router, err := server.NewRouter(server.Options{
				Limiter:    deps.limiter,
				Circuit:    deps.circuit,
				Stats:      deps.stats,
				UserHeader: userHeader,
			})
			if err != nil {
				return err
			}

			srv, err := newHTTPServer(envOr("LISTEN_ADDR", addr), router, reqTimeout, cfg.StoreTimeout())
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server started", "addr", srv.Addr, "shared_store", cfg.Redis.URL != "")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
				logger.Info("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "ratelimit.yaml", "配置文件路径（.yaml/.toml）")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "监听地址")
	cmd.Flags().StringVar(&userHeader, "user-header", "X-User-ID", "示例认证使用的用户ID请求头")
	cmd.Flags().DurationVar(&reqTimeout, "request-timeout", 5*time.Second, "单个HTTP请求的超时，必须大于 redis.timeout")
	cmd.Flags().Float64Var(&logRate, "violation-log-rate", 5, "每秒最多输出的限流日志条数，0表示不限制")

	return cmd
}

type limiterDeps struct {
	limiter *ratelimiter.Limiter
	circuit server.CircuitReporter
	stats   server.StatsReporter
}

// buildLimiter 组装存储与限流器；配置了 redis.url 时使用 共享存储 + 本地降级 的熔断代理
func buildLimiter(ctx context.Context, cfg *ratelimiter.Config, logger *slog.Logger, logRate float64) (*limiterDeps, func(), error) {
	clk := clock.NewRealClock()
	local := memory.NewStore()
	local.StartJanitor(ctx, cfg.CleanupInterval(), clk)

	logRec := ratelimiter.NewLogRecorder(logger, logRate, int(logRate)*2)

	if cfg.Redis.URL == "" {
		logger.Warn("未配置 redis.url，只使用进程内计数")
		l, err := ratelimiter.NewFromConfig(cfg, local,
			ratelimiter.WithRecorder(logRec),
			ratelimiter.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return &limiterDeps{limiter: l}, func() {}, nil
	}

	opts, err := libredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: 无效的redis.url: %v", ratelimiter.ErrInvalidConfig, err)
	}
	redisstore.TuneClientOptions(opts)
	client := libredis.NewClient(opts)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error("关闭Redis连接失败", "error", err.Error())
		}
	}

	stats := statsredis.NewRecorder(client,
		statsredis.WithPrefix(cfg.Redis.Prefix+":stats"),
		statsredis.WithTimeout(cfg.StoreTimeout()),
		statsredis.WithLogger(logger),
	)
	stats.Start(ctx)
	rec := ratelimiter.MultiRecorder{logRec, stats}

	shared := redisstore.NewStore(client, cfg.Redis.Prefix, redisstore.WithTimeout(cfg.StoreTimeout()))
	proxy := resilient.NewFromConfig(cfg, shared, local,
		resilient.WithClock(clk),
		resilient.WithRecorder(rec),
		resilient.WithLogger(logger),
	)
	proxy.StartRecovery(ctx, cfg.Cooldown())

	l, err := ratelimiter.NewFromConfig(cfg, proxy,
		ratelimiter.WithRecorder(rec),
		ratelimiter.WithLogger(logger),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &limiterDeps{limiter: l, circuit: proxy, stats: stats}, cleanup, nil
}

// newHTTPServer 创建HTTP服务；共享存储超时必须严格小于请求超时，降级判定才来得及返回
func newHTTPServer(addr string, h http.Handler, requestTimeout, storeTimeout time.Duration) (*http.Server, error) {
	if requestTimeout <= storeTimeout {
		return nil, fmt.Errorf("%w: request-timeout(%s) 必须大于 redis.timeout(%s)",
			ratelimiter.ErrInvalidConfig, requestTimeout, storeTimeout)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
	}, nil
}

func loadConfig(file string) (*ratelimiter.Config, error) {
	path, err := ratelimiter.GetConfigPath(file)
	if err != nil {
		return nil, err
	}
	return ratelimiter.LoadConfig(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
