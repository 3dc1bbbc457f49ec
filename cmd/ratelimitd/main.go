package main

import (
	"os"

	"github.com/Fischlvor/resilient-ratelimiter/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
