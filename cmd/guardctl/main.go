package main

import (
	"os"

	"github.com/slyt3/guardstats/cmd/guardctl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
