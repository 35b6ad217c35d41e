package cmd

import (
	"fmt"

	"intelvault/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigValidateCmd())
	return configCmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]any{
					"valid":   true,
					"file":    viper.ConfigFileUsed(),
					"backend": cfg.Storage.Backend,
					"tenants": len(cfg.Tenants),
				})
			}

			out := cmd.OutOrStdout()
			source := viper.ConfigFileUsed()
			if source == "" {
				source = "defaults and environment"
			}
			successColor.Fprintf(out, "✓ Configuration is valid (%s)\n", source)
			if quiet {
				return nil
			}
			printField(out, "Startup Mode", string(cfg.StartupMode))
			printField(out, "Listen", cfg.Addr())
			printField(out, "Storage", fmt.Sprintf("%s (codec %s)", cfg.Storage.Backend, codecLabel(cfg)))
			printField(out, "Data Dir", cfg.DataPaths.DataDir)
			printField(out, "Tenants", fmt.Sprintf("%d", len(cfg.Tenants)))
			printField(out, "Webhooks", fmt.Sprintf("%d", len(cfg.Notifications.Webhooks)))
			printField(out, "NATS", formatBool(cfg.Notifications.NATS.Enabled))
			printField(out, "Feed Scheduler", formatBool(cfg.Feeds.SchedulerEnabled))
			printField(out, "Tracing", formatBool(cfg.Tracing.Enabled))
			if len(cfg.Tenants) == 0 {
				warningColor.Fprintln(out, "  No tenants configured; every API request will be rejected")
			}
			return nil
		},
	}
}

func codecLabel(cfg *config.Config) string {
	if cfg.Storage.Codec != "" {
		return cfg.Storage.Codec
	}
	if cfg.Storage.Backend == config.BackendRedis {
		return "msgpack"
	}
	return "json"
}
