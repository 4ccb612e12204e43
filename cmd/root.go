// Package cmd defines the CLI commands for the metabatch executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metabatch",
		Short: "Resumable, rate-governed batch metadata extraction.",
		Long: `metabatch drives a corpus of documents through an external analysis
service under a requests-per-minute ceiling and a daily enrichment quota,
checkpointing progress so an interrupted run resumes where it left off.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute is the main entry point. Startup failures exit non-zero; a run
// that reaches quiescence exits zero even when individual tasks failed.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
