package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "consult.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consult",
		Short: "Conversational consultation client",
		Long:  "Consult drives a streamed consultation with an agent backend, by text or voice.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newDBCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "consult %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
