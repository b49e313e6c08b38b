// Package main provides the llmosd binary: the bridge daemon that
// executes LLM-authored plans against registered modules, plus
// operator subcommands for plan validation, prompt inspection, and
// trigger management.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "llmosd",
		Short: "LLM-OS bridge daemon",
		Long: `llmosd executes JSON plans authored by an LLM against registered
capability modules, inside a security envelope of permission profiles,
grants, rate limits, input scanning, and output sanitisation. A
reactive trigger daemon launches plans on cron, filesystem, process,
and resource conditions.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		validateCmd(),
		promptCmd(&configPath),
		triggersCmd(&configPath),
	)
	return cmd
}
