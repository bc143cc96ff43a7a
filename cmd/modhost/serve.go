package main

import (
	"github.com/artpar/modhost/bootstrap"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the module host",
	Long: `Run the module host and its admin API.

The host will:
  - Load configuration from modhost.yaml (or --config)
  - Or load configuration from MODHOST_* environment variables
  - Install the configured built-in modules
  - Install every manifest in the modules directory
  - Start modules as their requirements become available
  - Follow the modules directory and config file for changes

Environment variables:
  MODHOST_MODULES_DIR      - Modules directory (default: modules)
  MODHOST_SERVER_PORT      - Admin API port (default: 8380)
  MODHOST_JOURNAL_DSN      - Journal database (default: modhost.db)
  MODHOST_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  modhost serve
  modhost serve --config /etc/modhost/modhost.yaml
  MODHOST_MODULES_BUILTIN=greeter modhost serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Version:    version,
	})
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}
