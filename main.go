package main

import (
	"os"

	"kiri/cmd/root"
	_ "kiri/cmd/serve"
	_ "kiri/cmd/version"
)

func main() {
	if err := root.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
