// Command corvus is the agent pipeline orchestrator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/cli"
)

// version is set by the release build via -ldflags.
var version = "dev"

func main() {
	root := cli.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "corvus:", err)
		os.Exit(1)
	}
}
