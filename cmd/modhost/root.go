package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "modhost",
	Short: "Modular application host",
	Long: `modhost runs modules that publish and consume capabilities.

Modules are described by module.yaml manifests in the modules directory
or compiled in as built-ins. The host resolves their requirements, starts
them in dependency order and follows the directory for changes.

Quick start:
  modhost serve      # Run the host and the admin API
  modhost validate   # Check configuration and manifests
  modhost journal    # Show recent lifecycle events`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "modhost.yaml", "config file path")
}
