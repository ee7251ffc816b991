package root

import (
	"github.com/spf13/cobra"
)

// ConfigPath --config 指定的配置文件路径（空则按默认位置查找）
var ConfigPath string

// Dev --dev 开发模式
var Dev bool

var RootCmd = &cobra.Command{
	Use:   "kiri",
	Short: "macOS 流量捕获编排守护进程",
	Long:  `kiri 管理外部代理内核的流量捕获：全局代理、PAC、手动与 TUN 四种模式，每种模式带驱动回退链。`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&ConfigPath, "config", "", "配置文件路径")
	RootCmd.PersistentFlags().BoolVar(&Dev, "dev", false, "开发模式：debug 日志")
}
