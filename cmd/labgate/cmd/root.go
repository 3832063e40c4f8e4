// Package cmd provides the CLI commands for labgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datalab-hq/labgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "labgate",
	Short: "labgate - dynamic routing proxy for on-demand analytical workspaces",
	Long: `labgate routes browser traffic to per-user analytical application
containers running on wildcard subdomains. A request for a host like
jupyterlab-23b40dd9.apps.example.com is authenticated against the
organisation's SSO, matched to the owning user, and tunnelled to that
user's container. If the container is not running yet, labgate asks the
control plane to start one and shows a progress page until it is ready.

The proxy keeps no state of its own: identity lives in a signed cookie
and instance state lives in the control plane, so any number of labgate
processes can serve the same fleet.

Quick start:
  1. Create a config file: labgate.yaml
  2. Run: labgate serve

Configuration:
  Config is loaded from labgate.yaml in the current directory,
  $HOME/.labgate/, or /etc/labgate/.

  Environment variables can override config values with the LABGATE_ prefix.
  Example: LABGATE_SERVER_LISTEN_ADDR=:9000

Commands:
  serve             Start the proxy
  check-config      Validate the configuration and exit
  controlplane-dev  Run a local control-plane simulator
  version           Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./labgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
