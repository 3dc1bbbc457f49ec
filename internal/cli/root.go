// Package cli ratelimitd 命令行
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ratelimitd",
		Short: "带降级能力的分布式限流示例服务",
		Long: `ratelimitd 在业务路由前挂载滑动窗口限流中间件。

Redis 可用时所有实例共享计数；Redis 故障时熔断并降级为进程内计数，
恢复后自动切回。`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env 不存在时忽略
			_ = godotenv.Load()
		},
	}

	root.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
	)

	return root
}
