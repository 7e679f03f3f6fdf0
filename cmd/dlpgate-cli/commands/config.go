package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Configure the gateway address used by dlpgate-cli.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func parseBool(value string) bool {
	return value == "true" || value == "1" || value == "yes"
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value. Available keys:
  server       - The gateway URL (default: http://localhost:5000)
  token        - A bearer token, normally written by 'login'
  skip-verify  - Skip TLS certificate verification (true/false)`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])
			value := args[1]

			cfg, err := LoadConfig()
			if err != nil {
				cfg = DefaultConfig()
			}

			switch key {
			case "server":
				cfg.Server = value
			case "token":
				cfg.Token = value
			case "skip-verify", "skipverify":
				cfg.SkipVerify = parseBool(value)
			default:
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, maskSecret(key, value))

			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])

			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			var value string

			switch key {
			case "server":
				value = cfg.Server
			case "token":
				value = maskSecret(key, cfg.Token)
			case "skip-verify", "skipverify":
				value = fmt.Sprintf("%t", cfg.SkipVerify)
			default:
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)

			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show all configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:      %s\n", cfg.Server)
			fmt.Fprintf(out, "username:    %s\n", cfg.Username)
			fmt.Fprintf(out, "token:       %s\n", maskSecret("token", cfg.Token))
			fmt.Fprintf(out, "skip-verify: %t\n", cfg.SkipVerify)

			return nil
		},
	}
}

// maskSecret masks a token, showing only the first and last 4 chars
func maskSecret(key, value string) string {
	if key != "token" {
		return value
	}

	if len(value) <= 8 {
		return "****"
	}

	return value[:4] + "****" + value[len(value)-4:]
}
