package cmd

import (
	"os"

	"github.com/agentic-research/lodestone/internal/worker"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

// workerCmd is re-executed by the subprocess runner: one job on stdin, one
// result on stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one scan job read from stdin",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worker.Serve(cmd.Context(), os.Stdin, os.Stdout)
	},
}
