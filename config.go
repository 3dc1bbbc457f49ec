package ratelimiter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultRedisPrefix      = "ratelimit"
	defaultRedisTimeout     = "100ms"
	defaultFailureThreshold = 3
	defaultCooldown         = "10s"
	defaultCleanupInterval  = "1m"
)

// Config 限流配置
type Config struct {
	// Default 默认配置
	Default DefaultConfig `yaml:"default" toml:"default"`
	// Redis 共享存储配置
	Redis RedisConfig `yaml:"redis" toml:"redis"`
	// CircuitBreaker 熔断器配置
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	// LocalStore 本地降级存储配置
	LocalStore LocalStoreConfig `yaml:"local_store" toml:"local_store"`
	// Bypass 旁路名单（可信内部调用方）
	Bypass BypassConfig `yaml:"bypass" toml:"bypass"`
	// TrustedProxies 可信代理（IP或CIDR），仅来自这些地址的转发头会被采信
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
	// Policies 限流策略列表
	Policies []PolicyConfig `yaml:"policies" toml:"policies"`
}

// DefaultConfig 默认配置
type DefaultConfig struct {
	// Enabled 是否启用限流
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// FailMode 本地存储故障时的处理方式（open/closed）
	FailMode string `yaml:"fail_mode" toml:"fail_mode"`
	// Stacking 多个策略命中时是否全部生效（默认只取最具体的一个）
	Stacking bool `yaml:"stacking" toml:"stacking"`
}

// RedisConfig 共享存储配置
type RedisConfig struct {
	// URL 连接地址（如：redis://localhost:6379/0）
	URL string `yaml:"url" toml:"url"`
	// Prefix key前缀
	Prefix string `yaml:"prefix" toml:"prefix"`
	// Timeout 单条命令超时（如：100ms），必须小于HTTP请求超时
	Timeout string `yaml:"timeout" toml:"timeout"`
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败多少次后熔断
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`
	// Cooldown 熔断后多久尝试探测恢复（如：10s）
	Cooldown string `yaml:"cooldown" toml:"cooldown"`
}

// LocalStoreConfig 本地存储配置
type LocalStoreConfig struct {
	// CleanupInterval 过期key清理间隔
	CleanupInterval string `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// BypassConfig 旁路名单
type BypassConfig struct {
	// IPs IP或CIDR
	IPs []string `yaml:"ips" toml:"ips"`
	// Users 用户ID
	Users []string `yaml:"users" toml:"users"`
}

// PolicyConfig 策略配置
type PolicyConfig struct {
	// Name 策略名称
	Name string `yaml:"name" toml:"name"`
	// Window 时间窗口（如：60s, 1m）
	Window string `yaml:"window" toml:"window"`
	// MaxRequests 窗口内最大请求数，0表示不限流
	MaxRequests int64 `yaml:"max_requests" toml:"max_requests"`
	// Scope 限流维度（ip/user/composite）
	Scope string `yaml:"scope" toml:"scope"`
	// Match 路由匹配列表
	Match []MatchConfig `yaml:"match" toml:"match"`
}

// MatchConfig 路由匹配配置
type MatchConfig struct {
	// Type 匹配方式（exact/prefix/method_and_path）
	Type string `yaml:"type" toml:"type"`
	// Method HTTP方法，method_and_path必填
	Method string `yaml:"method" toml:"method"`
	// Path 路径
	Path string `yaml:"path" toml:"path"`
}

// LoadConfig 从文件加载配置，.toml 按TOML解析，其余按YAML解析
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		format = "toml"
	}
	return ParseConfig(data, format)
}

// ParseConfig 解析配置内容（format: yaml/toml）
func ParseConfig(data []byte, format string) (*Config, error) {
	var config Config
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: 不支持的配置格式: %s", ErrInvalidConfig, format)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// validateConfig 验证配置并填充默认值
func validateConfig(config *Config) error {
	switch FailMode(config.Default.FailMode) {
	case "":
		config.Default.FailMode = string(FailOpen)
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("%w: 无效的fail_mode: %s", ErrInvalidConfig, config.Default.FailMode)
	}

	if config.Redis.Prefix == "" {
		config.Redis.Prefix = defaultRedisPrefix
	}
	if config.Redis.Timeout == "" {
		config.Redis.Timeout = defaultRedisTimeout
	}
	if d, err := parseDuration(config.Redis.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("%w: 无效的redis超时: %s", ErrInvalidConfig, config.Redis.Timeout)
	}

	if config.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("%w: failure_threshold不能为负数", ErrInvalidConfig)
	}
	if config.CircuitBreaker.FailureThreshold == 0 {
		config.CircuitBreaker.FailureThreshold = defaultFailureThreshold
	}
	if config.CircuitBreaker.Cooldown == "" {
		config.CircuitBreaker.Cooldown = defaultCooldown
	}
	if d, err := parseDuration(config.CircuitBreaker.Cooldown); err != nil || d <= 0 {
		return fmt.Errorf("%w: 无效的熔断冷却时间: %s", ErrInvalidConfig, config.CircuitBreaker.Cooldown)
	}

	if config.LocalStore.CleanupInterval == "" {
		config.LocalStore.CleanupInterval = defaultCleanupInterval
	}
	if d, err := parseDuration(config.LocalStore.CleanupInterval); err != nil || d <= 0 {
		return fmt.Errorf("%w: 无效的清理间隔: %s", ErrInvalidConfig, config.LocalStore.CleanupInterval)
	}

	if _, err := NewIPSet(config.Bypass.IPs); err != nil {
		return fmt.Errorf("%w: 旁路IP: %v", ErrInvalidConfig, err)
	}
	if _, err := NewIPSet(config.TrustedProxies); err != nil {
		return fmt.Errorf("%w: 可信代理: %v", ErrInvalidConfig, err)
	}

	names := make(map[string]bool, len(config.Policies))
	for i := range config.Policies {
		pc := &config.Policies[i]
		if pc.Name == "" {
			return fmt.Errorf("%w: 策略[%d]缺少name字段", ErrInvalidConfig, i)
		}
		if names[pc.Name] {
			return fmt.Errorf("%w: 策略[%d]名称重复: %s", ErrInvalidConfig, i, pc.Name)
		}
		names[pc.Name] = true

		if !isValidScope(pc.Scope) {
			return fmt.Errorf("%w: 策略[%d]无效的限流维度: %s", ErrInvalidConfig, i, pc.Scope)
		}
		if pc.MaxRequests < 0 {
			return fmt.Errorf("%w: 策略[%d]max_requests不能为负数", ErrInvalidConfig, i)
		}
		window, err := parseDuration(pc.Window)
		if err != nil || window < time.Millisecond {
			return fmt.Errorf("%w: 策略[%d]无效的时间窗口: %s", ErrInvalidConfig, i, pc.Window)
		}

		if len(pc.Match) == 0 {
			return fmt.Errorf("%w: 策略[%d]缺少match字段", ErrInvalidConfig, i)
		}
		for j, mc := range pc.Match {
			if err := validateMatch(mc); err != nil {
				return fmt.Errorf("%w: 策略[%d].match[%d]%v", ErrInvalidConfig, i, j, err)
			}
		}
	}

	return nil
}

func validateMatch(mc MatchConfig) error {
	switch MatchType(mc.Type) {
	case MatchExact, MatchPrefix:
	case MatchMethodAndPath:
		if mc.Method == "" {
			return fmt.Errorf("method_and_path需要指定method")
		}
	default:
		return fmt.Errorf("无效的匹配方式: %s", mc.Type)
	}
	if !strings.HasPrefix(mc.Path, "/") {
		return fmt.Errorf("path必须以/开头: %q", mc.Path)
	}
	return nil
}

// isValidScope 检查限流维度是否有效
func isValidScope(scope string) bool {
	switch Scope(scope) {
	case ScopeIP, ScopeUser, ScopeComposite:
		return true
	default:
		return false
	}
}

// parseDuration 解析时间窗口字符串
func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// mustDuration 解析已验证过的时间字符串
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// StoreTimeout 共享存储单条命令超时
func (c *Config) StoreTimeout() time.Duration {
	return mustDuration(c.Redis.Timeout)
}

// Cooldown 熔断冷却时间
func (c *Config) Cooldown() time.Duration {
	return mustDuration(c.CircuitBreaker.Cooldown)
}

// CleanupInterval 本地存储清理间隔
func (c *Config) CleanupInterval() time.Duration {
	return mustDuration(c.LocalStore.CleanupInterval)
}

// FailMode 本地存储故障处理方式
func (c *Config) FailMode() FailMode {
	return FailMode(c.Default.FailMode)
}

// ToPolicy 将配置策略转换为内部策略
func (pc *PolicyConfig) ToPolicy() (*Policy, error) {
	window, err := parseDuration(pc.Window)
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		Name:        pc.Name,
		Window:      window,
		MaxRequests: pc.MaxRequests,
		Scope:       Scope(pc.Scope),
	}
	for _, mc := range pc.Match {
		policy.Match = append(policy.Match, RouteMatch{
			Type:   MatchType(mc.Type),
			Method: strings.ToUpper(mc.Method),
			Path:   mc.Path,
		})
	}
	return policy, nil
}

// GetConfigPath 获取配置文件路径（支持相对路径和绝对路径）
func GetConfigPath(filename string) (string, error) {
	// 如果是绝对路径，直接返回
	if filepath.IsAbs(filename) {
		return filename, nil
	}

	// 尝试从当前工作目录查找
	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}

	// 尝试从可执行文件目录查找
	execPath, err := os.Executable()
	if err == nil {
		execDir := filepath.Dir(execPath)
		configPath := filepath.Join(execDir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("配置文件不存在: %s", filename)
}
