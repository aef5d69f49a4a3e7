package main

import (
	"os"

	"github.com/sentinelflow/sentinelflow/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
