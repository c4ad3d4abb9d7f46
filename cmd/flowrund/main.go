package main

import (
	"os"

	"github.com/petrijr/flowrun/cmd/flowrund/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
