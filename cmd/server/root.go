package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "paramify",
	Short: "Paramify - parametric flood insurance settlement",
	Long: `Paramify sells flood coverage for a fixed 10% premium and pays it out in
full once the flood-level feed reaches the configured threshold.

Configuration:
  Config is loaded from paramify.yaml in the current directory,
  $HOME/.paramify/, or /etc/paramify/.

  Environment variables override config values with the PARAMIFY_ prefix.
  Example: PARAMIFY_SERVER_ADDR=:9090

Commands:
  serve       Start the HTTP API
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./paramify.yaml)")
}
