package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"kiri/cmd/root"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kiri %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}

func init() {
	root.RootCmd.AddCommand(versionCmd)
}
