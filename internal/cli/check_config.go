package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Fischlvor/resilient-ratelimiter"
)

func newCheckConfigCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:     "check-config",
		Short:   "校验限流配置并打印解析后的策略",
		Example: `  ratelimitd check-config --config ratelimit.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(envOr("RATELIMIT_CONFIG", configFile))
			if err != nil {
				return err
			}

			policies := make([]*ratelimiter.Policy, 0, len(cfg.Policies))
			for i := range cfg.Policies {
				p, err := cfg.Policies[i].ToPolicy()
				if err != nil {
					return err
				}
				policies = append(policies, p)
			}
			if _, err := ratelimiter.NewRegistry(policies, cfg.Default.Stacking); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled=%v fail_mode=%s stacking=%v\n", cfg.Default.Enabled, cfg.FailMode(), cfg.Default.Stacking)
			fmt.Fprintf(out, "circuit_breaker: failure_threshold=%d cooldown=%s redis_timeout=%s\n",
				cfg.CircuitBreaker.FailureThreshold, cfg.Cooldown(), cfg.StoreTimeout())
			for _, p := range policies {
				limit := fmt.Sprintf("%d/%s", p.MaxRequests, p.Window)
				if p.Unlimited() {
					limit = "unlimited"
				}
				fmt.Fprintf(out, "policy %-16s scope=%-9s %s\n", p.Name, p.Scope, limit)
				for _, m := range p.Match {
					fmt.Fprintf(out, "  %-15s %s %s\n", m.Type, m.Method, m.Path)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "ratelimit.yaml", "配置文件路径（.yaml/.toml）")
	return cmd
}
