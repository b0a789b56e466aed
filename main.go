package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scopebridge",
	Short: "Mirror test runs and their nested steps into a reporting service",
	Long: `scopebridge reads the notifications of a test host (go test -json output or
NDJSON notifications), decodes the scope lines tests print to their output,
and rebuilds run, suites, tests and nested steps in the reporting service.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scopebridge %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./scopebridge.yaml if present)")

	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
