// Package main is the sandboxd entry point.
//
// sandboxd keeps one remote development environment per user project warm and
// relays agent sessions into it. `serve` runs the HTTP API; `warm` and
// `destroy` are one-shot operator commands against the same backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "sandboxd",
	Short:         "Per-project sandbox orchestrator and agent session relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Directory containing config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
