package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpbridge",
		Short: "Supervise local tool servers and bridge JSON-RPC over stdio",
	}
	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newToolsCmd(),
		newCallCmd(),
	)
	return root
}
