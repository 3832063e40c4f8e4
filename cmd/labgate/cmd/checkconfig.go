package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/datalab-hq/labgate/internal/config"
)

var printConfig bool

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and exit",
	Long: `Load and validate the configuration without starting the proxy.

Exits non-zero with a description of every invalid field, so deployment
pipelines can reject a bad config before rolling it out. With --print the
effective configuration is written to stdout as YAML, secrets redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if file := config.ConfigFileUsed(); file != "" {
			fmt.Printf("config ok: %s\n", file)
		} else {
			fmt.Println("config ok (defaults and environment only)")
		}
		fmt.Printf("  root domain:   %s\n", cfg.Server.RootDomain)
		fmt.Printf("  control plane: %s\n", cfg.ControlPlane.URL)
		fmt.Printf("  applications:  %d\n", len(cfg.Applications))

		if printConfig {
			redacted := *cfg
			if redacted.Auth.SessionSecret != "" {
				redacted.Auth.SessionSecret = "[redacted]"
			}
			if redacted.SSO.ClientSecret != "" {
				redacted.SSO.ClientSecret = "[redacted]"
			}
			if redacted.ControlPlane.APIToken != "" {
				redacted.ControlPlane.APIToken = "[redacted]"
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(&redacted); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		}
		return nil
	},
}

func init() {
	checkConfigCmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration as YAML (secrets redacted)")
	rootCmd.AddCommand(checkConfigCmd)
}
